package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kinlink/kinlink/internal/docstore"
	"github.com/kinlink/kinlink/internal/model"
)

// InboxRepository reads and writes inbox documents. The read-modify-write
// cycle and id de-duplication live in the notification service; this layer
// only moves whole documents.
type InboxRepository struct {
	store docstore.Store
}

func NewInboxRepository(store docstore.Store) *InboxRepository {
	return &InboxRepository{store: store}
}

// Get получает inbox владельца; отсутствующий документ — пустой inbox
func (r *InboxRepository) Get(ctx context.Context, ownerID string) (*model.Inbox, error) {
	doc, err := r.store.Get(ctx, docstore.InboxKey(ownerID))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return &model.Inbox{OwnerID: ownerID}, nil
		}
		return nil, fmt.Errorf("get inbox: %w", err)
	}

	var inbox model.Inbox
	if err := json.Unmarshal(doc.Data, &inbox); err != nil {
		return nil, fmt.Errorf("decode inbox: %w", err)
	}
	inbox.OwnerID = ownerID

	return &inbox, nil
}

// Put записывает inbox целиком
func (r *InboxRepository) Put(ctx context.Context, inbox *model.Inbox) error {
	data, err := json.Marshal(inbox)
	if err != nil {
		return fmt.Errorf("encode inbox: %w", err)
	}

	if err := r.store.Put(ctx, docstore.InboxKey(inbox.OwnerID), data); err != nil {
		return fmt.Errorf("put inbox: %w", err)
	}

	return nil
}
