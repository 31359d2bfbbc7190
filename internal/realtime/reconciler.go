package realtime

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/kinlink/kinlink/internal/docstore"
	"github.com/kinlink/kinlink/internal/model"
	"go.uber.org/zap"
)

// Reconciler merges the two independent membership subscriptions of one
// account — keyed by internal id and by canonical id — into a single
// deduplicated relationship view. Historical records are inconsistent about
// which id form they are indexed under, so neither subscription alone can be
// trusted; both feed one reducer keyed by normalized counterparty identity.
//
// For every link key present in the union of both indexes the reconciler
// holds exactly one child watch on the record document; child watches are
// attached and detached as the membership set changes and never leak.
type Reconciler struct {
	store           docstore.Store
	logger          *zap.Logger
	selfInternalID  string
	selfCanonicalID string

	mu            sync.Mutex
	members       map[string]map[string]bool    // источник (id подписки) -> множество ключей связи
	childCancels  map[string]docstore.CancelFunc // ключ связи -> отписка от документа
	merged        map[string]*model.LinkRecord  // нормализованная идентичность второй стороны -> запись
	keyToIdentity map[string]string             // ключ связи -> идентичность в merged
	overlay       map[string]*model.LinkRecord  // оптимистичные pending-записи по ключу связи
	setCancels    []docstore.CancelFunc
	connCancel    docstore.CancelFunc
	subscribers   []func([]model.LinkRecord)
	connHandlers  []func(online bool)
	closed        bool
}

// NewReconciler builds the reconciler for one account. canonicalID may be
// empty when not yet assigned; the second subscription is skipped then.
func NewReconciler(store docstore.Store, internalID, canonicalID string, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:           store,
		logger:          logger,
		selfInternalID:  internalID,
		selfCanonicalID: canonicalID,
		members:         make(map[string]map[string]bool),
		childCancels:    make(map[string]docstore.CancelFunc),
		merged:          make(map[string]*model.LinkRecord),
		keyToIdentity:   make(map[string]string),
		overlay:         make(map[string]*model.LinkRecord),
	}
}

// Start attaches the membership and connectivity subscriptions
func (r *Reconciler) Start() {
	sources := []string{r.selfInternalID}
	if r.selfCanonicalID != "" && r.selfCanonicalID != r.selfInternalID {
		sources = append(sources, r.selfCanonicalID)
	}

	for _, source := range sources {
		src := source
		cancel := r.store.Watch(docstore.LinkSetKey(src), func(doc *docstore.Document) {
			r.onMembership(src, doc)
		})
		r.mu.Lock()
		r.setCancels = append(r.setCancels, cancel)
		r.mu.Unlock()
	}

	r.connCancel = r.store.OnConnectivityChange(func(online bool) {
		// Состояние не сбрасываем: последняя слитая картина остаётся
		// авторитетной, наружу уходит только сигнал связности
		r.mu.Lock()
		handlers := append([]func(bool){}, r.connHandlers...)
		r.mu.Unlock()
		for _, fn := range handlers {
			fn(online)
		}
	})
}

// Close detaches every subscription; idempotent
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	cancels := make([]docstore.CancelFunc, 0, len(r.childCancels)+len(r.setCancels)+1)
	for _, cancel := range r.childCancels {
		// nil — зарезервированный ключ, подписка ещё не создана
		if cancel != nil {
			cancels = append(cancels, cancel)
		}
	}
	r.childCancels = make(map[string]docstore.CancelFunc)
	cancels = append(cancels, r.setCancels...)
	r.setCancels = nil
	if r.connCancel != nil {
		cancels = append(cancels, r.connCancel)
		r.connCancel = nil
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// OnRelationships subscribes fn to the merged relationship list. fn получает
// текущий снимок сразу при подписке.
func (r *Reconciler) OnRelationships(fn func([]model.LinkRecord)) {
	r.mu.Lock()
	r.subscribers = append(r.subscribers, fn)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	fn(snapshot)
}

// OnConnectivity subscribes fn to connectivity transitions
func (r *Reconciler) OnConnectivity(fn func(online bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connHandlers = append(r.connHandlers, fn)
}

// Relationships returns the current merged view
func (r *Reconciler) Relationships() []model.LinkRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// SetPendingOverlay merges an optimistic record over confirmed state until
// the confirmed record arrives or the overlay is explicitly cleared
func (r *Reconciler) SetPendingOverlay(record *model.LinkRecord) {
	r.mu.Lock()
	r.overlay[record.Key] = record
	subs, snapshot := r.publishLocked()
	r.mu.Unlock()

	notify(subs, snapshot)
}

// ClearPendingOverlay rolls back an optimistic record; idempotent
func (r *Reconciler) ClearPendingOverlay(linkKey string) {
	r.mu.Lock()
	if _, ok := r.overlay[linkKey]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.overlay, linkKey)
	subs, snapshot := r.publishLocked()
	r.mu.Unlock()

	notify(subs, snapshot)
}

// onMembership обрабатывает эмиссию одного из двух индексов членства
func (r *Reconciler) onMembership(source string, doc *docstore.Document) {
	keys := make(map[string]bool)
	if !doc.Deleted {
		var set struct {
			Keys []string `json:"keys"`
		}
		if err := json.Unmarshal(doc.Data, &set); err != nil {
			r.logger.Warn("Malformed membership document",
				zap.String("source", source),
			)
			return
		}
		for _, k := range set.Keys {
			keys[k] = true
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.members[source] = keys

	// Объединение по всем источникам: ключ жив, пока на него ссылается
	// хотя бы одна подписка
	union := make(map[string]bool)
	for _, sourceKeys := range r.members {
		for k := range sourceKeys {
			union[k] = true
		}
	}

	var attach []string
	for k := range union {
		if _, watching := r.childCancels[k]; !watching {
			attach = append(attach, k)
			r.childCancels[k] = nil // резервируем до фактической подписки
		}
	}

	var detach []docstore.CancelFunc
	removed := false
	for k, cancel := range r.childCancels {
		if union[k] {
			continue
		}
		if cancel != nil {
			detach = append(detach, cancel)
		}
		delete(r.childCancels, k)
		if identity, ok := r.keyToIdentity[k]; ok {
			delete(r.merged, identity)
			delete(r.keyToIdentity, k)
			removed = true
		}
	}

	var subs []func([]model.LinkRecord)
	var snapshot []model.LinkRecord
	if removed {
		subs, snapshot = r.publishLocked()
	}
	r.mu.Unlock()

	for _, cancel := range detach {
		cancel()
	}
	notify(subs, snapshot)

	sort.Strings(attach)
	for _, key := range attach {
		k := key
		cancel := r.store.Watch(docstore.LinkKey(k), func(doc *docstore.Document) {
			r.onRecord(k, doc)
		})
		r.mu.Lock()
		if _, still := r.childCancels[k]; still && !r.closed {
			r.childCancels[k] = cancel
			r.mu.Unlock()
		} else {
			// Ключ успел уйти из членства, пока мы подписывались
			r.mu.Unlock()
			cancel()
		}
	}
}

// onRecord обрабатывает эмиссию документа одной связи
func (r *Reconciler) onRecord(linkKey string, doc *docstore.Document) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	if doc.Deleted {
		if identity, ok := r.keyToIdentity[linkKey]; ok {
			delete(r.merged, identity)
			delete(r.keyToIdentity, linkKey)
		}
		delete(r.overlay, linkKey)
		subs, snapshot := r.publishLocked()
		r.mu.Unlock()
		notify(subs, snapshot)
		return
	}

	var record model.LinkRecord
	if err := json.Unmarshal(doc.Data, &record); err != nil {
		r.mu.Unlock()
		r.logger.Warn("Malformed link record",
			zap.String("link_key", linkKey),
		)
		return
	}

	// Подтверждение снимает оптимистичный оверлей этого ключа
	delete(r.overlay, linkKey)

	identity := r.counterpartyIdentity(&record)
	if prev, ok := r.keyToIdentity[linkKey]; ok && prev != identity {
		// Идентичность уточнилась (появился internal id) — переносим запись
		delete(r.merged, prev)
	}

	if record.IsTerminal() {
		delete(r.merged, identity)
		delete(r.keyToIdentity, linkKey)
	} else {
		// Last-write-wins по идентичности, а не по подписке
		r.merged[identity] = &record
		r.keyToIdentity[linkKey] = identity
	}

	subs, snapshot := r.publishLocked()
	r.mu.Unlock()
	notify(subs, snapshot)
}

// counterpartyIdentity нормализует идентичность второй стороны:
// internal id, с откатом на canonical
func (r *Reconciler) counterpartyIdentity(record *model.LinkRecord) string {
	selfIsParent := record.ParentInternalID == r.selfInternalID ||
		record.ParentCanonicalID == r.selfInternalID ||
		(r.selfCanonicalID != "" &&
			(record.ParentInternalID == r.selfCanonicalID || record.ParentCanonicalID == r.selfCanonicalID))

	if selfIsParent {
		if record.StudentInternalID != "" {
			return record.StudentInternalID
		}
		return record.StudentCanonicalID
	}
	if record.ParentInternalID != "" {
		return record.ParentInternalID
	}
	return record.ParentCanonicalID
}

func (r *Reconciler) snapshotLocked() []model.LinkRecord {
	byKey := make(map[string]model.LinkRecord, len(r.merged)+len(r.overlay))
	for _, record := range r.merged {
		byKey[record.Key] = *record
	}
	for key, record := range r.overlay {
		if _, confirmed := byKey[key]; !confirmed {
			byKey[key] = *record
		}
	}

	out := make([]model.LinkRecord, 0, len(byKey))
	for _, record := range byKey {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key < out[j].Key
	})
	return out
}

func (r *Reconciler) publishLocked() ([]func([]model.LinkRecord), []model.LinkRecord) {
	subs := append([]func([]model.LinkRecord){}, r.subscribers...)
	return subs, r.snapshotLocked()
}

func notify(subs []func([]model.LinkRecord), snapshot []model.LinkRecord) {
	for _, fn := range subs {
		fn(snapshot)
	}
}
