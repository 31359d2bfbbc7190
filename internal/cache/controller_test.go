package cache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kinlink/kinlink/internal/docstore"
	"github.com/kinlink/kinlink/internal/model"
)

type controllerHarness struct {
	store      *docstore.Memory
	snapshots  *SnapshotStore
	liveCalls  int
	liveResult *model.RelationshipSnapshot
	liveErr    error
	ctrl       *Controller
}

func newControllerHarness(t *testing.T) *controllerHarness {
	t.Helper()
	snapshots, err := NewSnapshotStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { snapshots.Close() })

	h := &controllerHarness{
		store:     docstore.NewMemory(),
		snapshots: snapshots,
	}
	loadLive := func(ctx context.Context, accountID string) (*model.RelationshipSnapshot, error) {
		h.liveCalls++
		return h.liveResult, h.liveErr
	}
	loadAlerts := func(ctx context.Context, accountID string) (*model.AlertSnapshot, error) {
		return &model.AlertSnapshot{AccountID: accountID, CachedAt: time.Now()}, nil
	}
	h.ctrl = NewController(snapshots, h.store, loadLive, loadAlerts, zap.NewNop())
	return h
}

func liveSnapshot(accountID, childID string) *model.RelationshipSnapshot {
	return &model.RelationshipSnapshot{
		AccountID: accountID,
		Relationships: []model.RelationshipEntry{
			{InternalID: childID, Label: "Ребёнок"},
		},
		CachedAt: time.Now(),
	}
}

func TestLoadPublishesCacheThenLive(t *testing.T) {
	h := newControllerHarness(t)
	ctx := context.Background()

	cached := liveSnapshot("p1", "old-child")
	require.NoError(t, h.snapshots.SaveRelationships(ctx, cached))

	h.liveResult = liveSnapshot("p1", "new-child")

	var published []*model.RelationshipSnapshot
	require.NoError(t, h.ctrl.LoadWithFallback(ctx, "p1", func(s *model.RelationshipSnapshot) {
		published = append(published, s)
	}))
	h.ctrl.Drain()

	// Сначала кэш для мгновенной отрисовки, затем живое чтение
	require.Len(t, published, 2)
	require.Equal(t, "old-child", published[0].Relationships[0].InternalID)
	require.Equal(t, "new-child", published[1].Relationships[0].InternalID)
	require.Equal(t, 1, h.liveCalls)

	// Живое чтение отзеркалено в кэш
	stored, err := h.snapshots.LoadRelationships(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "new-child", stored.Relationships[0].InternalID)
}

func TestOfflineServesCacheOnly(t *testing.T) {
	h := newControllerHarness(t)
	ctx := context.Background()

	require.NoError(t, h.snapshots.SaveRelationships(ctx, liveSnapshot("p1", "cached-child")))
	h.store.SetOnline(false)

	var published []*model.RelationshipSnapshot
	require.NoError(t, h.ctrl.LoadWithFallback(ctx, "p1", func(s *model.RelationshipSnapshot) {
		published = append(published, s)
	}))

	// Живое чтение не выполняется, кэш остаётся авторитетным
	require.Len(t, published, 1)
	require.Equal(t, "cached-child", published[0].Relationships[0].InternalID)
	require.Zero(t, h.liveCalls)
}

func TestOfflineWithEmptyCachePublishesNothing(t *testing.T) {
	h := newControllerHarness(t)
	h.store.SetOnline(false)

	var published []*model.RelationshipSnapshot
	require.NoError(t, h.ctrl.LoadWithFallback(context.Background(), "p1", func(s *model.RelationshipSnapshot) {
		published = append(published, s)
	}))
	require.Empty(t, published)
	require.Zero(t, h.liveCalls)
}

func TestLiveFailureKeepsLastView(t *testing.T) {
	h := newControllerHarness(t)
	ctx := context.Background()

	require.NoError(t, h.snapshots.SaveRelationships(ctx, liveSnapshot("p1", "cached-child")))
	h.liveErr = errors.New("backend unavailable")

	var published []*model.RelationshipSnapshot
	require.NoError(t, h.ctrl.LoadWithFallback(ctx, "p1", func(s *model.RelationshipSnapshot) {
		published = append(published, s)
	}))

	// Ошибка живого чтения не сбрасывает опубликованную картину
	require.Len(t, published, 1)
	require.Equal(t, "cached-child", published[0].Relationships[0].InternalID)

	// И не портит кэш
	stored, err := h.snapshots.LoadRelationships(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "cached-child", stored.Relationships[0].InternalID)
}

func TestEmptyCachedSnapshotNotPublished(t *testing.T) {
	h := newControllerHarness(t)
	ctx := context.Background()

	// Пустой снимок в кэше не публикуется — нет смысла рисовать пустоту
	// раньше живого чтения
	require.NoError(t, h.snapshots.SaveRelationships(ctx, &model.RelationshipSnapshot{
		AccountID: "p1",
		CachedAt:  time.Now(),
	}))
	h.liveResult = liveSnapshot("p1", "new-child")

	var published []*model.RelationshipSnapshot
	require.NoError(t, h.ctrl.LoadWithFallback(ctx, "p1", func(s *model.RelationshipSnapshot) {
		published = append(published, s)
	}))
	h.ctrl.Drain()

	require.Len(t, published, 1)
	require.Equal(t, "new-child", published[0].Relationships[0].InternalID)
}

func TestLoadAlertsWithFallback(t *testing.T) {
	h := newControllerHarness(t)
	ctx := context.Background()

	cached := &model.AlertSnapshot{
		AccountID: "1000-10001",
		Entries:   []model.InboxEntry{{ID: "e1", Type: model.EntryTypeRequest}},
		CachedAt:  time.Now(),
	}
	require.NoError(t, h.snapshots.SaveAlerts(ctx, cached))

	var published []*model.AlertSnapshot
	require.NoError(t, h.ctrl.LoadAlertsWithFallback(ctx, "1000-10001", func(s *model.AlertSnapshot) {
		published = append(published, s)
	}))
	h.ctrl.Drain()

	require.Len(t, published, 2)
	require.Len(t, published[0].Entries, 1)
}
