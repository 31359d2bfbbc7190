package unread

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kinlink/kinlink/internal/docstore"
	"github.com/kinlink/kinlink/internal/model"
	"github.com/kinlink/kinlink/internal/repository"
)

type aggregatorHarness struct {
	store *docstore.Memory
	convs *repository.ConversationRepository
	agg   *Aggregator
}

func newAggregatorHarness(t *testing.T) *aggregatorHarness {
	t.Helper()
	store := docstore.NewMemory()
	h := &aggregatorHarness{
		store: store,
		convs: repository.NewConversationRepository(store),
		agg:   NewAggregator(store, "p1", zap.NewNop()),
	}
	t.Cleanup(h.agg.Close)
	return h
}

func (h *aggregatorHarness) putConversation(t *testing.T, key, other string) {
	t.Helper()
	require.NoError(t, h.convs.Put(context.Background(), &model.Conversation{
		Key:          key,
		Kind:         model.ConversationParentStudent,
		ParticipantA: "p1",
		ParticipantB: other,
		CreatedAt:    time.Now(),
	}))
}

func (h *aggregatorHarness) touch(t *testing.T, key, senderID string, atMs int64) {
	t.Helper()
	require.NoError(t, h.convs.Touch(context.Background(), key, senderID, atMs))
}

func (h *aggregatorHarness) putReceipt(t *testing.T, key string, atMs int64) {
	t.Helper()
	require.NoError(t, h.convs.PutReceipt(context.Background(), &model.ReadReceipt{
		AccountID:       "p1",
		ConversationKey: key,
		LastReadAtMs:    atMs,
	}))
}

func TestUnreadFollowsActivityVersusReceipt(t *testing.T) {
	h := newAggregatorHarness(t)
	key := model.ConversationKey("p1", "s1")
	h.putConversation(t, key, "s1")
	h.agg.Track([]string{key})

	// Без активности диалог прочитан
	require.False(t, h.agg.Unread(key))

	// Чужая активность новее квитанции — непрочитано
	h.touch(t, key, "s1", 2000)
	require.True(t, h.agg.Unread(key))
	require.Equal(t, 1, h.agg.Totals().Total)

	// Квитанция догнала активность — прочитано
	h.putReceipt(t, key, 3000)
	require.False(t, h.agg.Unread(key))
	require.Zero(t, h.agg.Totals().Total)
}

func TestOwnMessagesNeverCountUnread(t *testing.T) {
	h := newAggregatorHarness(t)
	key := model.ConversationKey("p1", "s1")
	h.putConversation(t, key, "s1")
	h.agg.Track([]string{key})

	h.touch(t, key, "p1", 2000)
	require.False(t, h.agg.Unread(key))
}

func TestStaleReceiptDoesNotRegress(t *testing.T) {
	h := newAggregatorHarness(t)
	key := model.ConversationKey("p1", "s1")
	h.putConversation(t, key, "s1")
	h.agg.Track([]string{key})

	h.touch(t, key, "s1", 2000)
	h.putReceipt(t, key, 3000)
	require.False(t, h.agg.Unread(key))

	// Запоздавшая старая квитанция не двигает отметку назад
	h.putReceipt(t, key, 1000)
	require.False(t, h.agg.Unread(key))
}

func TestManualAckClearedByNewerActivity(t *testing.T) {
	h := newAggregatorHarness(t)
	key := model.ConversationKey("p1", "s1")
	h.putConversation(t, key, "s1")
	h.agg.Track([]string{key})

	h.touch(t, key, "s1", 2000)
	require.True(t, h.agg.Unread(key))

	// Ручная отметка при открытии диалога гасит непрочитанность
	h.agg.MarkViewed(key)
	require.False(t, h.agg.Unread(key))

	// Активность новее отметки снимает её
	future := time.Now().Add(time.Minute).UnixMilli()
	h.touch(t, key, "s1", future)
	require.True(t, h.agg.Unread(key))
}

func TestDuplicateActivityDoesNotDoubleCount(t *testing.T) {
	h := newAggregatorHarness(t)
	key := model.ConversationKey("p1", "s1")
	h.putConversation(t, key, "s1")
	h.agg.Track([]string{key})

	// Повторная доставка того же события не меняет итоговый счёт
	h.touch(t, key, "s1", 2000)
	h.touch(t, key, "s1", 2000)
	require.Equal(t, 1, h.agg.Totals().Total)
}

func TestTrackReconcilesWatchSet(t *testing.T) {
	h := newAggregatorHarness(t)
	keyA := model.ConversationKey("p1", "s1")
	keyB := model.ConversationKey("p1", "s2")
	h.putConversation(t, keyA, "s1")
	h.putConversation(t, keyB, "s2")

	h.agg.Track([]string{keyA, keyB})
	require.Equal(t, 4, h.store.WatcherCount()) // по диалогу и квитанции на каждый

	h.touch(t, keyA, "s1", 2000)
	h.touch(t, keyB, "s2", 2000)
	require.Equal(t, 2, h.agg.Totals().Total)

	// Диалог ушёл из набора — его подписки сняты, вклад в счёт исчез
	h.agg.Track([]string{keyA})
	require.Equal(t, 2, h.store.WatcherCount())
	require.Equal(t, 1, h.agg.Totals().Total)
	require.False(t, h.agg.Unread(keyB))
}

func TestConversationDeletionResetsState(t *testing.T) {
	h := newAggregatorHarness(t)
	key := model.ConversationKey("p1", "s1")
	h.putConversation(t, key, "s1")
	h.agg.Track([]string{key})

	h.touch(t, key, "s1", 2000)
	require.True(t, h.agg.Unread(key))

	conv, err := h.convs.Get(context.Background(), key)
	require.NoError(t, err)
	require.NoError(t, h.convs.Delete(context.Background(), conv))
	require.False(t, h.agg.Unread(key))
}

func TestOnChangeDeliversImmediateAndUpdatedTotals(t *testing.T) {
	h := newAggregatorHarness(t)
	key := model.ConversationKey("p1", "s1")
	h.putConversation(t, key, "s1")
	h.agg.Track([]string{key})

	var seen []int
	h.agg.OnChange(func(totals Totals) {
		seen = append(seen, totals.Total)
	})
	require.Equal(t, []int{0}, seen) // немедленный снимок при подписке

	h.touch(t, key, "s1", 2000)
	require.Equal(t, []int{0, 1}, seen)
}

func TestCloseDetachesWatches(t *testing.T) {
	h := newAggregatorHarness(t)
	key := model.ConversationKey("p1", "s1")
	h.putConversation(t, key, "s1")
	h.agg.Track([]string{key})
	require.NotZero(t, h.store.WatcherCount())

	h.agg.Close()
	require.Zero(t, h.store.WatcherCount())
	h.agg.Close() // идемпотентно
}
