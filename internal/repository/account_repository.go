package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kinlink/kinlink/internal/docstore"
	"github.com/kinlink/kinlink/internal/model"
)

// AccountRepository reads and writes directory records
type AccountRepository struct {
	store docstore.Store
}

func NewAccountRepository(store docstore.Store) *AccountRepository {
	return &AccountRepository{store: store}
}

// GetByInternalID получает запись каталога по internal id
func (r *AccountRepository) GetByInternalID(ctx context.Context, internalID string) (*model.Account, error) {
	doc, err := r.store.Get(ctx, docstore.AccountKey(internalID))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	var account model.Account
	if err := json.Unmarshal(doc.Data, &account); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}

	return &account, nil
}

// GetByCanonicalID получает запись каталога по canonical id через индекс
func (r *AccountRepository) GetByCanonicalID(ctx context.Context, canonicalID string) (*model.Account, error) {
	doc, err := r.store.Get(ctx, docstore.CanonicalIndexKey(canonicalID))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get canonical index: %w", err)
	}

	var ref struct {
		InternalID string `json:"internal_id"`
	}
	if err := json.Unmarshal(doc.Data, &ref); err != nil {
		return nil, fmt.Errorf("decode canonical index: %w", err)
	}

	return r.GetByInternalID(ctx, ref.InternalID)
}

// Put записывает аккаунт и поддерживает canonical-индекс
func (r *AccountRepository) Put(ctx context.Context, account *model.Account) error {
	data, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("encode account: %w", err)
	}

	if err := r.store.Put(ctx, docstore.AccountKey(account.InternalID), data); err != nil {
		return fmt.Errorf("put account: %w", err)
	}

	if account.CanonicalID != "" {
		ref, err := json.Marshal(map[string]string{"internal_id": account.InternalID})
		if err != nil {
			return fmt.Errorf("encode canonical index: %w", err)
		}
		if err := r.store.Put(ctx, docstore.CanonicalIndexKey(account.CanonicalID), ref); err != nil {
			return fmt.Errorf("put canonical index: %w", err)
		}
	}

	return nil
}
