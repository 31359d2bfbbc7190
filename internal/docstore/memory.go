package docstore

import (
	"context"
	"sync"
	"time"
)

// Memory is the in-process Store implementation. It backs tests and the
// offline development mode. Watch callbacks run synchronously on the
// mutating goroutine, so emission order matches write order.
type Memory struct {
	mu           sync.Mutex
	docs         map[string]*Document
	watchers     map[string]map[int]WatchFunc
	connWatchers map[int]func(bool)
	nextWatchID  int
	online       bool
}

// NewMemory создаёт пустое хранилище в online-состоянии
func NewMemory() *Memory {
	return &Memory{
		docs:         make(map[string]*Document),
		watchers:     make(map[string]map[int]WatchFunc),
		connWatchers: make(map[int]func(bool)),
		online:       true,
	}
}

// Get returns a copy of the document at key
func (m *Memory) Get(ctx context.Context, key string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.online {
		return nil, ErrOffline
	}
	doc, ok := m.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDocument(doc), nil
}

// Put writes the document and notifies watchers of the key
func (m *Memory) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	if !m.online {
		m.mu.Unlock()
		return ErrOffline
	}

	revision := int64(1)
	if prev, ok := m.docs[key]; ok {
		revision = prev.Revision + 1
	}
	doc := &Document{
		Key:       key,
		Data:      append([]byte(nil), data...),
		Revision:  revision,
		UpdatedAt: time.Now(),
	}
	m.docs[key] = doc

	fns := m.watcherFuncs(key)
	m.mu.Unlock()

	// Колбэки выполняются без блокировки, чтобы watcher мог сам писать в стор
	for _, fn := range fns {
		fn(copyDocument(doc))
	}
	return nil
}

// Delete removes the document. Deleting an absent key is a no-op.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	if !m.online {
		m.mu.Unlock()
		return ErrOffline
	}

	_, existed := m.docs[key]
	delete(m.docs, key)
	fns := m.watcherFuncs(key)
	m.mu.Unlock()

	if !existed {
		return nil
	}
	for _, fn := range fns {
		fn(&Document{Key: key, Deleted: true})
	}
	return nil
}

// Watch attaches fn to key. The current document, if any, is delivered
// immediately before the watch returns.
func (m *Memory) Watch(key string, fn WatchFunc) CancelFunc {
	m.mu.Lock()
	id := m.nextWatchID
	m.nextWatchID++
	if m.watchers[key] == nil {
		m.watchers[key] = make(map[int]WatchFunc)
	}
	m.watchers[key][id] = fn

	var initial *Document
	if doc, ok := m.docs[key]; ok {
		initial = copyDocument(doc)
	}
	m.mu.Unlock()

	if initial != nil {
		fn(initial)
	}

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if ws, ok := m.watchers[key]; ok {
			delete(ws, id)
			if len(ws) == 0 {
				delete(m.watchers, key)
			}
		}
	}
}

// OnConnectivityChange attaches fn to online/offline transitions
func (m *Memory) OnConnectivityChange(fn func(online bool)) CancelFunc {
	m.mu.Lock()
	id := m.nextWatchID
	m.nextWatchID++
	m.connWatchers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.connWatchers, id)
	}
}

// Online reports current connectivity
func (m *Memory) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline simulates a connectivity transition
func (m *Memory) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.connWatchers))
	for _, fn := range m.connWatchers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// WatcherCount returns the number of attached document watches.
// Используется в тестах для проверки отсутствия утечек подписок.
func (m *Memory) WatcherCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, ws := range m.watchers {
		count += len(ws)
	}
	return count
}

func (m *Memory) watcherFuncs(key string) []WatchFunc {
	fns := make([]WatchFunc, 0, len(m.watchers[key]))
	for _, fn := range m.watchers[key] {
		fns = append(fns, fn)
	}
	return fns
}

func copyDocument(doc *Document) *Document {
	out := *doc
	out.Data = append([]byte(nil), doc.Data...)
	return &out
}
