package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-telegram/bot"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kinlink/kinlink/internal/app"
	"github.com/kinlink/kinlink/internal/cache"
	"github.com/kinlink/kinlink/internal/config"
	"github.com/kinlink/kinlink/internal/docstore"
	"github.com/kinlink/kinlink/internal/model"
	"github.com/kinlink/kinlink/internal/push"
	"github.com/kinlink/kinlink/internal/realtime"
	"github.com/kinlink/kinlink/internal/repository"
	"github.com/kinlink/kinlink/internal/service"
	"github.com/kinlink/kinlink/internal/unread"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := app.NewLogger(cfg.Environment)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil {
		logger.Fatal("Failed to create connection pool", zap.Error(err))
	}
	defer pool.Close()

	migrator, err := app.NewMigrator(pool, cfg.MigrationsPath)
	if err != nil {
		logger.Fatal("Failed to create migrator", zap.Error(err))
	}
	if err := migrator.Run(ctx); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	migrator.Close()

	store := docstore.NewPostgres(ctx, pool, logger)
	defer store.Close()

	accountRepo := repository.NewAccountRepository(store)
	linkRepo := repository.NewLinkRepository(store)
	inboxRepo := repository.NewInboxRepository(store)
	convRepo := repository.NewConversationRepository(store)

	identity := service.NewIdentityService(accountRepo, logger)

	var dispatcher push.Dispatcher = push.NewLogDispatcher(logger)
	if cfg.TelegramToken != "" {
		b, err := bot.New(cfg.TelegramToken)
		if err != nil {
			logger.Fatal("Failed to create telegram bot", zap.Error(err))
		}
		dispatcher = push.NewTelegramDispatcher(b, accountRepo, logger)
	}

	notifier := service.NewNotificationService(inboxRepo, dispatcher, logger)
	defer notifier.Drain()

	// Канонический id нужен reconciler-у для второй подписки членства
	selfCanonical := identity.Resolve(ctx, cfg.AccountID, "", "")
	if !model.IsCanonicalID(selfCanonical) {
		selfCanonical = ""
	}

	reconciler := realtime.NewReconciler(store, cfg.AccountID, selfCanonical, logger)
	defer reconciler.Close()

	linkService := service.NewLinkService(
		store, linkRepo, accountRepo, convRepo, identity, notifier, reconciler, logger)

	snapshots, err := cache.NewSnapshotStore(cfg.CacheDBPath)
	if err != nil {
		logger.Fatal("Failed to open snapshot cache", zap.Error(err))
	}
	defer snapshots.Close()

	controller := cache.NewController(
		snapshots,
		store,
		linkService.Relationships,
		func(ctx context.Context, accountID string) (*model.AlertSnapshot, error) {
			inboxID := identity.Resolve(ctx, accountID, "", "")
			entries, err := notifier.Entries(ctx, inboxID)
			if err != nil {
				return nil, err
			}
			return &model.AlertSnapshot{AccountID: accountID, Entries: entries}, nil
		},
		logger,
	)
	defer controller.Drain()

	aggregator := unread.NewAggregator(store, cfg.AccountID, logger)
	defer aggregator.Close()

	aggregator.OnChange(func(totals unread.Totals) {
		logger.Debug("Unread recomputed", zap.Int("total", totals.Total))
	})

	// Слитый список связей ведёт набор диалогов и зеркалится в кэш
	reconciler.OnRelationships(func(records []model.LinkRecord) {
		convKeys := make([]string, 0, len(records))
		for i := range records {
			if !records[i].IsActive() {
				continue
			}
			convKeys = append(convKeys,
				model.ConversationKey(records[i].ParentInternalID, records[i].StudentInternalID))
		}
		aggregator.Track(convKeys)

		go func() {
			snap, err := linkService.Relationships(context.Background(), cfg.AccountID)
			if err != nil {
				logger.Warn("Snapshot refresh failed", zap.Error(err))
				return
			}
			controller.SaveRelationshipsAsync(snap)
		}()
	})

	reconciler.OnConnectivity(func(online bool) {
		logger.Info("Connectivity changed", zap.Bool("online", online))
	})

	reconciler.Start()

	// Первая отрисовка: кэш мгновенно, живое чтение следом
	if err := controller.LoadWithFallback(ctx, cfg.AccountID, func(snap *model.RelationshipSnapshot) {
		logger.Info("Relationship view",
			zap.Int("count", len(snap.Relationships)),
			zap.Time("cached_at", snap.CachedAt),
		)
	}); err != nil {
		logger.Warn("Initial load failed", zap.Error(err))
	}

	if err := controller.LoadAlertsWithFallback(ctx, cfg.AccountID, func(snap *model.AlertSnapshot) {
		logger.Info("Alert view", zap.Int("count", len(snap.Entries)))
	}); err != nil {
		logger.Warn("Initial alert load failed", zap.Error(err))
	}

	inboxID := cfg.AccountID
	if selfCanonical != "" {
		inboxID = selfCanonical
	}
	if unread, err := notifier.UnreadCount(ctx, inboxID); err != nil {
		logger.Warn("Failed to count unread alerts", zap.Error(err))
	} else {
		logger.Info("Unread alerts", zap.Int("count", unread))
	}

	logger.Sugar().Infow("Starting kinlink client",
		"environment", cfg.Environment,
		"account_id", cfg.AccountID)

	<-ctx.Done()
	logger.Info("Shutting down")
}
