package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const notifyChannel = "kinlink_docs"

// changePayload едет через pg_notify при каждой мутации
type changePayload struct {
	Key     string `json:"key"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Postgres is the production Store: documents live in a single table and
// change notifications fan out over LISTEN/NOTIFY. A dedicated listener
// connection feeds the watcher registry; while it is down the store reports
// offline and keeps reconnecting with exponential backoff.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	mu           sync.Mutex
	watchers     map[string]map[int]WatchFunc
	connWatchers map[int]func(bool)
	nextWatchID  int

	online atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPostgres creates the store and starts the notification listener
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) *Postgres {
	listenCtx, cancel := context.WithCancel(ctx)
	p := &Postgres{
		pool:         pool,
		logger:       logger,
		watchers:     make(map[string]map[int]WatchFunc),
		connWatchers: make(map[int]func(bool)),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go p.listenLoop(listenCtx)
	return p
}

// Close stops the listener. The pool is owned by the caller.
func (p *Postgres) Close() {
	p.cancel()
	<-p.done
}

// Get reads one document
func (p *Postgres) Get(ctx context.Context, key string) (*Document, error) {
	if !p.Online() {
		return nil, ErrOffline
	}

	query := `
		SELECT key, data, revision, updated_at
		FROM documents
		WHERE key = $1
	`

	var doc Document
	err := p.pool.QueryRow(ctx, query, key).Scan(&doc.Key, &doc.Data, &doc.Revision, &doc.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get document: %w", err)
	}

	return &doc, nil
}

// Put upserts the document and notifies listeners
func (p *Postgres) Put(ctx context.Context, key string, data []byte) error {
	if !p.Online() {
		return ErrOffline
	}

	query := `
		INSERT INTO documents (key, data, revision, updated_at)
		VALUES ($1, $2, 1, now())
		ON CONFLICT (key) DO UPDATE
		SET data = EXCLUDED.data, revision = documents.revision + 1, updated_at = now()
	`

	if _, err := p.pool.Exec(ctx, query, key, data); err != nil {
		return fmt.Errorf("put document: %w", err)
	}

	p.notify(ctx, changePayload{Key: key})
	return nil
}

// Delete removes the document. Deleting an absent key is a no-op.
func (p *Postgres) Delete(ctx context.Context, key string) error {
	if !p.Online() {
		return ErrOffline
	}

	tag, err := p.pool.Exec(ctx, `DELETE FROM documents WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}

	if tag.RowsAffected() > 0 {
		p.notify(ctx, changePayload{Key: key, Deleted: true})
	}
	return nil
}

// Watch attaches fn to key. The current document, if any, is delivered
// immediately before the watch returns.
func (p *Postgres) Watch(key string, fn WatchFunc) CancelFunc {
	p.mu.Lock()
	id := p.nextWatchID
	p.nextWatchID++
	if p.watchers[key] == nil {
		p.watchers[key] = make(map[int]WatchFunc)
	}
	p.watchers[key][id] = fn
	p.mu.Unlock()

	// Начальный снимок — как onSnapshot: подписчик сразу видит текущее состояние
	if doc, err := p.Get(context.Background(), key); err == nil {
		fn(doc)
	}

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if ws, ok := p.watchers[key]; ok {
			delete(ws, id)
			if len(ws) == 0 {
				delete(p.watchers, key)
			}
		}
	}
}

// OnConnectivityChange attaches fn to online/offline transitions
func (p *Postgres) OnConnectivityChange(fn func(online bool)) CancelFunc {
	p.mu.Lock()
	id := p.nextWatchID
	p.nextWatchID++
	p.connWatchers[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.connWatchers, id)
	}
}

// Online reports whether the notification listener is attached
func (p *Postgres) Online() bool {
	return p.online.Load()
}

// notify is best-effort: a lost notification only delays watchers until the
// next change, it never loses data
func (p *Postgres) notify(ctx context.Context, payload changePayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to marshal change payload", zap.Error(err))
		return
	}
	if _, err := p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(data)); err != nil {
		p.logger.Warn("Failed to notify document change",
			zap.String("key", payload.Key),
			zap.Error(err),
		)
	}
}

func (p *Postgres) listenLoop(ctx context.Context) {
	defer close(p.done)

	backoff := retry.WithCappedDuration(10*time.Second, retry.NewExponential(500*time.Millisecond))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := p.listenOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("Document listener disconnected", zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		p.logger.Error("Document listener stopped", zap.Error(err))
	}
	p.setOnline(false)
}

// listenOnce держит одно LISTEN-соединение до первой ошибки
func (p *Postgres) listenOnce(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listen on channel: %w", err)
	}

	p.setOnline(true)
	defer p.setOnline(false)

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}

		var payload changePayload
		if err := json.Unmarshal([]byte(notification.Payload), &payload); err != nil {
			p.logger.Warn("Malformed change notification", zap.String("payload", notification.Payload))
			continue
		}
		p.dispatch(ctx, payload)
	}
}

func (p *Postgres) dispatch(ctx context.Context, payload changePayload) {
	p.mu.Lock()
	fns := make([]WatchFunc, 0, len(p.watchers[payload.Key]))
	for _, fn := range p.watchers[payload.Key] {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	if len(fns) == 0 {
		return
	}

	var doc *Document
	if payload.Deleted {
		doc = &Document{Key: payload.Key, Deleted: true}
	} else {
		fetched, err := p.Get(ctx, payload.Key)
		if err != nil {
			// Документ мог уже исчезнуть между notify и fetch
			p.logger.Warn("Failed to fetch changed document",
				zap.String("key", payload.Key),
				zap.Error(err),
			)
			return
		}
		doc = fetched
	}

	for _, fn := range fns {
		fn(doc)
	}
}

func (p *Postgres) setOnline(online bool) {
	if p.online.Swap(online) == online {
		return
	}

	p.mu.Lock()
	fns := make([]func(bool), 0, len(p.connWatchers))
	for _, fn := range p.connWatchers {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}
