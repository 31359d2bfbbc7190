package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/kinlink/kinlink/internal/model"
	"github.com/kinlink/kinlink/internal/push"
	"github.com/kinlink/kinlink/internal/repository"
	"go.uber.org/zap"
)

// NotificationService is the inbox fan-out engine: read-modify-write appends
// with id-based de-duplication, push dispatch strictly after the append and
// detached from the caller.
type NotificationService struct {
	inboxRepo  *repository.InboxRepository
	dispatcher push.Dispatcher
	logger     *zap.Logger
	pending    sync.WaitGroup
}

func NewNotificationService(
	inboxRepo *repository.InboxRepository,
	dispatcher push.Dispatcher,
	logger *zap.Logger,
) *NotificationService {
	return &NotificationService{
		inboxRepo:  inboxRepo,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// AppendInboxEntry appends one entry to the owner's inbox. A second write
// with the same entry id is silently skipped — retried operations and racing
// listeners must not duplicate entries. Push dispatch happens after the
// append on a detached goroutine and never surfaces to the caller.
func (s *NotificationService) AppendInboxEntry(ctx context.Context, ownerID, ownerRole string, entry model.InboxEntry) error {
	inbox, err := s.inboxRepo.Get(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("read inbox: %w", err)
	}

	if inbox.HasEntry(entry.ID) {
		s.logger.Debug("Duplicate inbox entry skipped",
			zap.String("owner", ownerID),
			zap.String("entry_id", entry.ID),
		)
		return nil
	}

	// Порядок записей — хронологический, новые всегда в конец
	inbox.Entries = append(inbox.Entries, entry)
	if err := s.inboxRepo.Put(ctx, inbox); err != nil {
		return fmt.Errorf("write inbox: %w", err)
	}

	// Self-notices не доходят до транспорта независимо от флага
	if !entry.SkipPush && !entry.IsSelfNotice() {
		s.pending.Add(1)
		go func() {
			defer s.pending.Done()
			// Отдельный контекст: доставка не должна отменяться вместе с операцией
			if err := s.dispatcher.Dispatch(context.Background(), entry, ownerID, ownerRole); err != nil {
				s.logger.Warn("Push dispatch failed",
					zap.String("owner", ownerID),
					zap.String("entry_id", entry.ID),
					zap.Error(err),
				)
			}
		}()
	}

	return nil
}

// Entries returns the owner's inbox entries in append order
func (s *NotificationService) Entries(ctx context.Context, ownerID string) ([]model.InboxEntry, error) {
	inbox, err := s.inboxRepo.Get(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}
	return inbox.Entries, nil
}

// UnreadCount returns the number of unread entries in the owner's inbox
func (s *NotificationService) UnreadCount(ctx context.Context, ownerID string) (int, error) {
	inbox, err := s.inboxRepo.Get(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("read inbox: %w", err)
	}
	return inbox.UnreadCount(), nil
}

// MarkEntryRead помечает запись прочитанной
func (s *NotificationService) MarkEntryRead(ctx context.Context, ownerID, entryID string) error {
	inbox, err := s.inboxRepo.Get(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("read inbox: %w", err)
	}

	changed := false
	for i := range inbox.Entries {
		if inbox.Entries[i].ID == entryID && inbox.Entries[i].IsUnread() {
			inbox.Entries[i].Status = model.EntryStatusRead
			changed = true
		}
	}
	if !changed {
		return nil
	}

	if err := s.inboxRepo.Put(ctx, inbox); err != nil {
		return fmt.Errorf("write inbox: %w", err)
	}
	return nil
}

// RemoveWhere удаляет записи, подходящие под match (scan-filter-rewrite),
// возвращает число удалённых
func (s *NotificationService) RemoveWhere(ctx context.Context, ownerID string, match func(*model.InboxEntry) bool) (int, error) {
	inbox, err := s.inboxRepo.Get(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("read inbox: %w", err)
	}

	kept := inbox.Entries[:0]
	removed := 0
	for i := range inbox.Entries {
		if match(&inbox.Entries[i]) {
			removed++
			continue
		}
		kept = append(kept, inbox.Entries[i])
	}
	if removed == 0 {
		return 0, nil
	}

	inbox.Entries = kept
	if err := s.inboxRepo.Put(ctx, inbox); err != nil {
		return 0, fmt.Errorf("write inbox: %w", err)
	}
	return removed, nil
}

// Drain waits for detached push dispatches to finish. Для graceful shutdown
// и детерминированных тестов.
func (s *NotificationService) Drain() {
	s.pending.Wait()
}
