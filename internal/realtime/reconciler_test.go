package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kinlink/kinlink/internal/docstore"
	"github.com/kinlink/kinlink/internal/model"
	"github.com/kinlink/kinlink/internal/repository"
)

const (
	parentCanonical  = "1000-10001"
	studentCanonical = "2000-20002"
)

type reconcilerHarness struct {
	store *docstore.Memory
	links *repository.LinkRepository
	rec   *Reconciler
}

func newReconcilerHarness(t *testing.T) *reconcilerHarness {
	t.Helper()
	store := docstore.NewMemory()
	h := &reconcilerHarness{
		store: store,
		links: repository.NewLinkRepository(store),
		rec:   NewReconciler(store, "p1", parentCanonical, zap.NewNop()),
	}
	t.Cleanup(h.rec.Close)
	return h
}

func activeRecord(key string) *model.LinkRecord {
	return &model.LinkRecord{
		Key:                key,
		ParentInternalID:   "p1",
		StudentInternalID:  "s1",
		ParentCanonicalID:  parentCanonical,
		StudentCanonicalID: studentCanonical,
		Status:             model.LinkStatusActive,
		Initiator:          model.RoleParent,
		RequestedAt:        time.Now(),
	}
}

func (h *reconcilerHarness) seed(t *testing.T, record *model.LinkRecord, indexUnder ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.links.Put(ctx, record))
	for _, id := range indexUnder {
		require.NoError(t, h.links.AddToLinkSet(ctx, id, record.Key))
	}
}

func TestDualIndexMergesToSingleRecord(t *testing.T) {
	h := newReconcilerHarness(t)
	key := model.LinkKey(parentCanonical, studentCanonical)

	// Запись проиндексирована и под internal, и под canonical id —
	// обе подписки видят её, но в слитой картине она одна
	h.seed(t, activeRecord(key), "p1", parentCanonical)
	h.rec.Start()

	view := h.rec.Relationships()
	require.Len(t, view, 1)
	require.Equal(t, key, view[0].Key)
	require.True(t, view[0].IsActive())
}

func TestLegacyAndCanonicalRecordsCollapseByCounterparty(t *testing.T) {
	h := newReconcilerHarness(t)

	// Историческая запись под internal-ключом и свежая под canonical-ключом
	// описывают одну и ту же пару
	legacy := activeRecord(model.LinkKey("p1", "s1"))
	legacy.ParentCanonicalID = ""
	legacy.StudentCanonicalID = ""
	h.seed(t, legacy, "p1")
	h.seed(t, activeRecord(model.LinkKey(parentCanonical, studentCanonical)), parentCanonical)

	h.rec.Start()

	// Обе записи сводятся к одной второй стороне; побеждает последняя
	view := h.rec.Relationships()
	require.Len(t, view, 1)
	require.Equal(t, model.LinkKey(parentCanonical, studentCanonical), view[0].Key)
}

func TestMembershipChangesAttachAndDetachChildWatches(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()
	key := model.LinkKey(parentCanonical, studentCanonical)

	h.rec.Start()
	base := h.store.WatcherCount()

	h.seed(t, activeRecord(key), "p1", parentCanonical)
	require.Equal(t, base+1, h.store.WatcherCount())
	require.Len(t, h.rec.Relationships(), 1)

	// Ключ уходит из одного индекса — подписка жива, пока жив второй
	require.NoError(t, h.links.RemoveFromLinkSet(ctx, "p1", key))
	require.Equal(t, base+1, h.store.WatcherCount())
	require.Len(t, h.rec.Relationships(), 1)

	// Ключ ушёл из обоих индексов — дочерняя подписка снята, запись убрана
	require.NoError(t, h.links.RemoveFromLinkSet(ctx, parentCanonical, key))
	require.Equal(t, base, h.store.WatcherCount())
	require.Empty(t, h.rec.Relationships())
}

func TestRecordDeletionRemovesFromView(t *testing.T) {
	h := newReconcilerHarness(t)
	key := model.LinkKey(parentCanonical, studentCanonical)
	h.seed(t, activeRecord(key), "p1")
	h.rec.Start()
	require.Len(t, h.rec.Relationships(), 1)

	require.NoError(t, h.links.Delete(context.Background(), key))
	require.Empty(t, h.rec.Relationships())
}

func TestTerminalRecordRemovesFromView(t *testing.T) {
	h := newReconcilerHarness(t)
	key := model.LinkKey(parentCanonical, studentCanonical)
	record := activeRecord(key)
	h.seed(t, record, "p1")
	h.rec.Start()
	require.Len(t, h.rec.Relationships(), 1)

	record.Status = model.LinkStatusUnlinked
	require.NoError(t, h.links.Put(context.Background(), record))
	require.Empty(t, h.rec.Relationships())
}

func TestOfflineRetainsLastGoodView(t *testing.T) {
	h := newReconcilerHarness(t)
	key := model.LinkKey(parentCanonical, studentCanonical)
	h.seed(t, activeRecord(key), "p1")
	h.rec.Start()

	var transitions []bool
	h.rec.OnConnectivity(func(online bool) {
		transitions = append(transitions, online)
	})

	h.store.SetOnline(false)

	// Наружу уходит только сигнал связности; последняя картина остаётся
	require.Equal(t, []bool{false}, transitions)
	view := h.rec.Relationships()
	require.Len(t, view, 1)
	require.Equal(t, key, view[0].Key)

	h.store.SetOnline(true)
	require.Equal(t, []bool{false, true}, transitions)
}

func TestPendingOverlayLifecycle(t *testing.T) {
	h := newReconcilerHarness(t)
	h.rec.Start()
	key := model.LinkKey(parentCanonical, studentCanonical)

	var snapshots [][]model.LinkRecord
	h.rec.OnRelationships(func(view []model.LinkRecord) {
		snapshots = append(snapshots, view)
	})
	require.Len(t, snapshots, 1) // немедленный снимок при подписке
	require.Empty(t, snapshots[0])

	pending := activeRecord(key)
	pending.Status = model.LinkStatusPending
	h.rec.SetPendingOverlay(pending)

	view := h.rec.Relationships()
	require.Len(t, view, 1)
	require.True(t, view[0].IsPending())

	// Откат оверлея возвращает пустую картину; повторный откат — no-op
	h.rec.ClearPendingOverlay(key)
	require.Empty(t, h.rec.Relationships())
	h.rec.ClearPendingOverlay(key)

	require.Len(t, snapshots, 3)
}

func TestConfirmedRecordClearsOverlay(t *testing.T) {
	h := newReconcilerHarness(t)
	h.rec.Start()
	key := model.LinkKey(parentCanonical, studentCanonical)

	pending := activeRecord(key)
	pending.Status = model.LinkStatusPending
	h.rec.SetPendingOverlay(pending)

	// Подтверждённая запись приходит с сервера и вытесняет оверлей
	h.seed(t, activeRecord(key), "p1")

	view := h.rec.Relationships()
	require.Len(t, view, 1)
	require.True(t, view[0].IsActive())

	// Очистка оверлея после подтверждения ничего не трогает
	h.rec.ClearPendingOverlay(key)
	view = h.rec.Relationships()
	require.Len(t, view, 1)
	require.True(t, view[0].IsActive())
}

func TestCloseDuringMembershipKeySwap(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()
	oldKey := model.LinkKey("p1", "s1")
	h.seed(t, activeRecord(oldKey), "p1")
	h.rec.Start()

	// Закрытие из подписчика в момент смены ключа членства: новый ключ уже
	// зарезервирован, но его дочерняя подписка ещё не создана
	armed := false
	h.rec.OnRelationships(func([]model.LinkRecord) {
		if armed {
			h.rec.Close()
		}
	})
	armed = true

	newKey := model.LinkKey(parentCanonical, studentCanonical)
	set, err := json.Marshal(map[string][]string{"keys": {newKey}})
	require.NoError(t, err)
	require.NoError(t, h.store.Put(ctx, docstore.LinkSetKey("p1"), set))

	require.Zero(t, h.store.WatcherCount())
	require.Empty(t, h.rec.Relationships())
}

func TestCloseDetachesEverything(t *testing.T) {
	h := newReconcilerHarness(t)
	key := model.LinkKey(parentCanonical, studentCanonical)
	h.seed(t, activeRecord(key), "p1", parentCanonical)
	h.rec.Start()
	require.NotZero(t, h.store.WatcherCount())

	h.rec.Close()
	require.Zero(t, h.store.WatcherCount())
	h.rec.Close() // идемпотентно
}
