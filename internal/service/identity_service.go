package service

import (
	"context"
	"sync"

	"github.com/kinlink/kinlink/internal/model"
	"github.com/kinlink/kinlink/internal/repository"
	"go.uber.org/zap"
)

// IdentityService resolves the durable canonical id of an account that may
// only be known by its internal id. Resolution never fails: each tier
// swallows its own lookup errors and the worst case returns the internal id
// itself, which callers must treat as degraded and re-resolve later.
type IdentityService struct {
	accountRepo *repository.AccountRepository
	logger      *zap.Logger

	mu    sync.Mutex
	cache map[string]string // internal id -> canonical id, только подтверждённые
}

func NewIdentityService(accountRepo *repository.AccountRepository, logger *zap.Logger) *IdentityService {
	return &IdentityService{
		accountRepo: accountRepo,
		logger:      logger,
		cache:       make(map[string]string),
	}
}

// Resolve walks the resolution ladder, first match wins:
//  1. id уже в каноничной форме — вернуть как есть
//  2. запись каталога по internal id
//  3. canonical id, вшитый в ключ связи
//  4. деградация: вернуть internal id
func (s *IdentityService) Resolve(ctx context.Context, internalID, roleHint, fallbackLinkKey string) string {
	if model.IsCanonicalID(internalID) {
		return internalID
	}

	s.mu.Lock()
	cached, ok := s.cache[internalID]
	s.mu.Unlock()
	if ok {
		return cached
	}

	account, err := s.accountRepo.GetByInternalID(ctx, internalID)
	if err != nil {
		// Ошибка каталога не фатальна — спускаемся на следующий ярус
		s.logger.Debug("Directory lookup failed, falling through",
			zap.String("internal_id", internalID),
			zap.Error(err),
		)
	}
	if account != nil && model.IsCanonicalID(account.CanonicalID) {
		s.remember(internalID, account.CanonicalID)
		return account.CanonicalID
	}

	if fallbackLinkKey != "" {
		if canonical := model.CanonicalIDFromLinkKey(fallbackLinkKey, roleHint); canonical != "" {
			s.remember(internalID, canonical)
			return canonical
		}
	}

	return internalID
}

// remember кэширует только подтверждённые каноничные id; деградированные
// результаты не кэшируются, чтобы следующий вызов попробовал снова
func (s *IdentityService) remember(internalID, canonicalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[internalID] = canonicalID
}
