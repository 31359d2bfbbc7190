package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kinlink/kinlink/internal/docstore"
	"github.com/kinlink/kinlink/internal/model"
)

// linkSet is the membership index document: link keys referencing one account id
type linkSet struct {
	Keys []string `json:"keys"`
}

// LinkRepository reads and writes relationship records and membership indexes
type LinkRepository struct {
	store docstore.Store
}

func NewLinkRepository(store docstore.Store) *LinkRepository {
	return &LinkRepository{store: store}
}

// Get получает запись связи по детерминированному ключу
func (r *LinkRepository) Get(ctx context.Context, key string) (*model.LinkRecord, error) {
	doc, err := r.store.Get(ctx, docstore.LinkKey(key))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get link: %w", err)
	}

	var record model.LinkRecord
	if err := json.Unmarshal(doc.Data, &record); err != nil {
		return nil, fmt.Errorf("decode link: %w", err)
	}

	return &record, nil
}

// Put записывает запись связи
func (r *LinkRepository) Put(ctx context.Context, record *model.LinkRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode link: %w", err)
	}

	if err := r.store.Put(ctx, docstore.LinkKey(record.Key), data); err != nil {
		return fmt.Errorf("put link: %w", err)
	}

	return nil
}

// Delete удаляет запись связи
func (r *LinkRepository) Delete(ctx context.Context, key string) error {
	if err := r.store.Delete(ctx, docstore.LinkKey(key)); err != nil {
		return fmt.Errorf("delete link: %w", err)
	}
	return nil
}

// LinkSet returns the link keys indexed under one account id
func (r *LinkRepository) LinkSet(ctx context.Context, accountID string) ([]string, error) {
	doc, err := r.store.Get(ctx, docstore.LinkSetKey(accountID))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get link set: %w", err)
	}

	var set linkSet
	if err := json.Unmarshal(doc.Data, &set); err != nil {
		return nil, fmt.Errorf("decode link set: %w", err)
	}

	return set.Keys, nil
}

// AddToLinkSet добавляет ключ связи в индекс аккаунта, без дубликатов
func (r *LinkRepository) AddToLinkSet(ctx context.Context, accountID, linkKey string) error {
	keys, err := r.LinkSet(ctx, accountID)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if k == linkKey {
			return nil
		}
	}

	return r.putLinkSet(ctx, accountID, append(keys, linkKey))
}

// RemoveFromLinkSet убирает ключ связи из индекса аккаунта
func (r *LinkRepository) RemoveFromLinkSet(ctx context.Context, accountID, linkKey string) error {
	keys, err := r.LinkSet(ctx, accountID)
	if err != nil {
		return err
	}

	filtered := keys[:0]
	for _, k := range keys {
		if k != linkKey {
			filtered = append(filtered, k)
		}
	}
	if len(filtered) == len(keys) {
		return nil
	}

	if len(filtered) == 0 {
		if err := r.store.Delete(ctx, docstore.LinkSetKey(accountID)); err != nil {
			return fmt.Errorf("delete link set: %w", err)
		}
		return nil
	}

	return r.putLinkSet(ctx, accountID, filtered)
}

func (r *LinkRepository) putLinkSet(ctx context.Context, accountID string, keys []string) error {
	data, err := json.Marshal(linkSet{Keys: keys})
	if err != nil {
		return fmt.Errorf("encode link set: %w", err)
	}

	if err := r.store.Put(ctx, docstore.LinkSetKey(accountID), data); err != nil {
		return fmt.Errorf("put link set: %w", err)
	}

	return nil
}
