package unread

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/kinlink/kinlink/internal/docstore"
	"github.com/kinlink/kinlink/internal/model"
	"go.uber.org/zap"
)

// Totals is one recomputed unread view
type Totals struct {
	PerConversation map[string]bool
	Total           int
}

// convState — общее изменяемое состояние одного диалога. Все подписки пишут
// сюда, а не в замыкания, иначе параллельные обновления разных диалогов
// читают устаревшие копии друг друга.
type convState struct {
	lastActivityAtMs int64
	lastSenderID     string
	lastReadAtMs     int64
	manualAckAtMs    int64 // ручная отметка «прочитано» при открытии диалога
	cancels          []docstore.CancelFunc
}

// Aggregator derives per-conversation and total unread from last-activity
// versus last-read across a dynamic conversation set. A conversation is
// unread when its last activity is newer than the account's read receipt and
// was sent by someone else; a manual acknowledgement forces read until a
// newer activity supersedes it.
type Aggregator struct {
	store  docstore.Store
	selfID string
	logger *zap.Logger

	mu       sync.Mutex
	convs    map[string]*convState
	handlers []func(Totals)
	closed   bool
}

func NewAggregator(store docstore.Store, selfID string, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		store:  store,
		selfID: selfID,
		logger: logger,
		convs:  make(map[string]*convState),
	}
}

// OnChange subscribes fn to recomputed totals. fn получает текущее состояние
// сразу при подписке.
func (a *Aggregator) OnChange(fn func(Totals)) {
	a.mu.Lock()
	a.handlers = append(a.handlers, fn)
	totals := a.totalsLocked()
	a.mu.Unlock()

	fn(totals)
}

// Track reconciles the tracked conversation set: new keys get activity and
// receipt watches, keys no longer present are detached and dropped.
func (a *Aggregator) Track(convKeys []string) {
	want := make(map[string]bool, len(convKeys))
	for _, k := range convKeys {
		want[k] = true
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}

	var detach []docstore.CancelFunc
	changed := false
	for key, state := range a.convs {
		if want[key] {
			continue
		}
		detach = append(detach, state.cancels...)
		delete(a.convs, key)
		changed = true
	}

	var attach []string
	for key := range want {
		if _, tracked := a.convs[key]; !tracked {
			a.convs[key] = &convState{}
			attach = append(attach, key)
		}
	}
	a.mu.Unlock()

	for _, cancel := range detach {
		cancel()
	}

	for _, key := range attach {
		k := key
		convCancel := a.store.Watch(docstore.ConversationKey(k), func(doc *docstore.Document) {
			a.onConversation(k, doc)
		})
		receiptCancel := a.store.Watch(docstore.ReceiptKey(a.selfID, k), func(doc *docstore.Document) {
			a.onReceipt(k, doc)
		})

		a.mu.Lock()
		if state, still := a.convs[k]; still && !a.closed {
			state.cancels = append(state.cancels, convCancel, receiptCancel)
			a.mu.Unlock()
		} else {
			a.mu.Unlock()
			convCancel()
			receiptCancel()
		}
	}

	if changed {
		a.publish()
	}
}

// MarkViewed records a manual read acknowledgement for the open conversation
func (a *Aggregator) MarkViewed(convKey string) {
	a.mu.Lock()
	state, ok := a.convs[convKey]
	if ok {
		state.manualAckAtMs = time.Now().UnixMilli()
	}
	a.mu.Unlock()

	if ok {
		a.publish()
	}
}

// Unread reports whether one conversation is currently unread
func (a *Aggregator) Unread(convKey string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.convs[convKey]
	if !ok {
		return false
	}
	return a.unreadLocked(state)
}

// Totals returns the current unread view
func (a *Aggregator) Totals() Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalsLocked()
}

// Close detaches every watch; idempotent
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	var detach []docstore.CancelFunc
	for _, state := range a.convs {
		detach = append(detach, state.cancels...)
	}
	a.convs = make(map[string]*convState)
	a.mu.Unlock()

	for _, cancel := range detach {
		cancel()
	}
}

func (a *Aggregator) onConversation(convKey string, doc *docstore.Document) {
	var conv model.Conversation
	if !doc.Deleted {
		if err := json.Unmarshal(doc.Data, &conv); err != nil {
			a.logger.Warn("Malformed conversation document",
				zap.String("conversation", convKey),
			)
			return
		}
	}

	a.mu.Lock()
	state, ok := a.convs[convKey]
	if !ok {
		a.mu.Unlock()
		return
	}
	if doc.Deleted {
		state.lastActivityAtMs = 0
		state.lastSenderID = ""
	} else {
		state.lastActivityAtMs = conv.LastActivityAtMs
		state.lastSenderID = conv.LastSenderID
		// Новая активность снимает ручную отметку «прочитано»
		if conv.LastActivityAtMs > state.manualAckAtMs {
			state.manualAckAtMs = 0
		}
	}
	a.mu.Unlock()

	a.publish()
}

func (a *Aggregator) onReceipt(convKey string, doc *docstore.Document) {
	if doc.Deleted {
		return
	}

	var receipt model.ReadReceipt
	if err := json.Unmarshal(doc.Data, &receipt); err != nil {
		a.logger.Warn("Malformed read receipt",
			zap.String("conversation", convKey),
		)
		return
	}

	a.mu.Lock()
	state, ok := a.convs[convKey]
	if ok && receipt.LastReadAtMs > state.lastReadAtMs {
		// Монотонность: устаревшая квитанция не двигает отметку назад
		state.lastReadAtMs = receipt.LastReadAtMs
	}
	a.mu.Unlock()

	if ok {
		a.publish()
	}
}

func (a *Aggregator) unreadLocked(state *convState) bool {
	if state.lastActivityAtMs == 0 || state.lastSenderID == a.selfID {
		return false
	}
	if state.manualAckAtMs >= state.lastActivityAtMs && state.manualAckAtMs != 0 {
		return false
	}
	return state.lastActivityAtMs > state.lastReadAtMs
}

func (a *Aggregator) totalsLocked() Totals {
	totals := Totals{PerConversation: make(map[string]bool, len(a.convs))}
	for key, state := range a.convs {
		unread := a.unreadLocked(state)
		totals.PerConversation[key] = unread
		if unread {
			totals.Total++
		}
	}
	return totals
}

func (a *Aggregator) publish() {
	a.mu.Lock()
	handlers := append([]func(Totals){}, a.handlers...)
	totals := a.totalsLocked()
	a.mu.Unlock()

	for _, fn := range handlers {
		fn(totals)
	}
}
