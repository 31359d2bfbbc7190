package cache

import (
	"context"
	"sync"

	"github.com/kinlink/kinlink/internal/docstore"
	"github.com/kinlink/kinlink/internal/model"
	"go.uber.org/zap"
)

// RelationshipLoader performs the live read of an account's relationship list
type RelationshipLoader func(ctx context.Context, accountID string) (*model.RelationshipSnapshot, error)

// AlertLoader performs the live read of an account's inbox
type AlertLoader func(ctx context.Context, accountID string) (*model.AlertSnapshot, error)

// Controller serves resolved state cache-first: the cached snapshot publishes
// synchronously for zero-latency first paint, the live read follows when
// connectivity allows, and cache writes are fire-and-forget so they never
// block a UI update. The cache is owned exclusively by this controller.
type Controller struct {
	snapshots  *SnapshotStore
	store      docstore.Store
	loadLive   RelationshipLoader
	loadAlerts AlertLoader
	logger     *zap.Logger
	writes     sync.WaitGroup
}

func NewController(
	snapshots *SnapshotStore,
	store docstore.Store,
	loadLive RelationshipLoader,
	loadAlerts AlertLoader,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		snapshots:  snapshots,
		store:      store,
		loadLive:   loadLive,
		loadAlerts: loadAlerts,
		logger:     logger,
	}
}

// LoadWithFallback publishes the relationship view cache-first.
//  1. кэшированный снимок публикуется сразу, если он есть и непуст
//  2. offline — кэш остаётся авторитетным, живого чтения нет
//  3. online — живое чтение, публикация и асинхронная перезапись кэша;
//     при ошибке живого чтения опубликованная картина не сбрасывается
func (c *Controller) LoadWithFallback(ctx context.Context, accountID string, publish func(*model.RelationshipSnapshot)) error {
	cached, err := c.snapshots.LoadRelationships(ctx, accountID)
	if err != nil {
		c.logger.Warn("Cache read failed",
			zap.String("account_id", accountID),
			zap.Error(err),
		)
	}
	if cached != nil && len(cached.Relationships) > 0 {
		publish(cached)
	}

	if !c.store.Online() {
		return nil
	}

	live, err := c.loadLive(ctx, accountID)
	if err != nil {
		// Последняя опубликованная картина (кэш или прошлое живое чтение)
		// остаётся на месте
		c.logger.Warn("Live read failed, keeping last view",
			zap.String("account_id", accountID),
			zap.Error(err),
		)
		return nil
	}

	publish(live)
	c.SaveRelationshipsAsync(live)
	return nil
}

// LoadAlertsWithFallback publishes the inbox view cache-first, same flow
func (c *Controller) LoadAlertsWithFallback(ctx context.Context, accountID string, publish func(*model.AlertSnapshot)) error {
	cached, err := c.snapshots.LoadAlerts(ctx, accountID)
	if err != nil {
		c.logger.Warn("Alert cache read failed",
			zap.String("account_id", accountID),
			zap.Error(err),
		)
	}
	if cached != nil && len(cached.Entries) > 0 {
		publish(cached)
	}

	if !c.store.Online() {
		return nil
	}

	live, err := c.loadAlerts(ctx, accountID)
	if err != nil {
		c.logger.Warn("Live alert read failed, keeping last view",
			zap.String("account_id", accountID),
			zap.Error(err),
		)
		return nil
	}

	publish(live)
	c.writes.Add(1)
	go func() {
		defer c.writes.Done()
		if err := c.snapshots.SaveAlerts(context.Background(), live); err != nil {
			c.logger.Warn("Alert cache write failed",
				zap.String("account_id", accountID),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// SaveRelationshipsAsync mirrors a successful live read into the cache
// without blocking the caller
func (c *Controller) SaveRelationshipsAsync(snapshot *model.RelationshipSnapshot) {
	c.writes.Add(1)
	go func() {
		defer c.writes.Done()
		if err := c.snapshots.SaveRelationships(context.Background(), snapshot); err != nil {
			c.logger.Warn("Cache write failed",
				zap.String("account_id", snapshot.AccountID),
				zap.Error(err),
			)
		}
	}()
}

// Drain waits for in-flight cache writes; для graceful shutdown и тестов
func (c *Controller) Drain() {
	c.writes.Wait()
}
