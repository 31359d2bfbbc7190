package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kinlink/kinlink/internal/docstore"
	"github.com/kinlink/kinlink/internal/model"
)

// ConversationRepository reads and writes conversation state, its sponsor
// index, and per-account read receipts
type ConversationRepository struct {
	store docstore.Store
}

func NewConversationRepository(store docstore.Store) *ConversationRepository {
	return &ConversationRepository{store: store}
}

// Get получает диалог по ключу
func (r *ConversationRepository) Get(ctx context.Context, key string) (*model.Conversation, error) {
	doc, err := r.store.Get(ctx, docstore.ConversationKey(key))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	var conv model.Conversation
	if err := json.Unmarshal(doc.Data, &conv); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}

	return &conv, nil
}

// Put записывает диалог и поддерживает sponsor-индекс
func (r *ConversationRepository) Put(ctx context.Context, conv *model.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}

	if err := r.store.Put(ctx, docstore.ConversationKey(conv.Key), data); err != nil {
		return fmt.Errorf("put conversation: %w", err)
	}

	if conv.SponsorLinkKey != "" {
		if err := r.addSponsored(ctx, conv.SponsorLinkKey, conv.Key); err != nil {
			return err
		}
	}

	return nil
}

// Delete удаляет диалог и квитанции обоих участников
func (r *ConversationRepository) Delete(ctx context.Context, conv *model.Conversation) error {
	if err := r.store.Delete(ctx, docstore.ConversationKey(conv.Key)); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}

	for _, participant := range []string{conv.ParticipantA, conv.ParticipantB} {
		if participant == "" {
			continue
		}
		if err := r.store.Delete(ctx, docstore.ReceiptKey(participant, conv.Key)); err != nil {
			return fmt.Errorf("delete receipt: %w", err)
		}
	}

	return nil
}

// Touch обновляет отметку последней активности диалога; отправитель обязан
// быть одним из участников
func (r *ConversationRepository) Touch(ctx context.Context, key, senderID string, atMs int64) error {
	conv, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("touch conversation: %w", model.ErrLinkNotFound)
	}
	if !conv.HasParticipant(senderID) {
		return fmt.Errorf("touch conversation %s: %w", key, model.ErrNotAuthorized)
	}

	conv.LastActivityAtMs = atMs
	conv.LastSenderID = senderID
	return r.Put(ctx, conv)
}

// SponsoredKeys returns conversation keys that exist only because of a link
func (r *ConversationRepository) SponsoredKeys(ctx context.Context, linkKey string) ([]string, error) {
	doc, err := r.store.Get(ctx, docstore.SponsorIndexKey(linkKey))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get sponsor index: %w", err)
	}

	var idx struct {
		Keys []string `json:"keys"`
	}
	if err := json.Unmarshal(doc.Data, &idx); err != nil {
		return nil, fmt.Errorf("decode sponsor index: %w", err)
	}

	return idx.Keys, nil
}

// DeleteSponsorIndex удаляет sponsor-индекс каскадно со связью
func (r *ConversationRepository) DeleteSponsorIndex(ctx context.Context, linkKey string) error {
	if err := r.store.Delete(ctx, docstore.SponsorIndexKey(linkKey)); err != nil {
		return fmt.Errorf("delete sponsor index: %w", err)
	}
	return nil
}

// GetReceipt получает квитанцию чтения; отсутствующая — нулевая
func (r *ConversationRepository) GetReceipt(ctx context.Context, accountID, convKey string) (*model.ReadReceipt, error) {
	doc, err := r.store.Get(ctx, docstore.ReceiptKey(accountID, convKey))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return &model.ReadReceipt{AccountID: accountID, ConversationKey: convKey}, nil
		}
		return nil, fmt.Errorf("get receipt: %w", err)
	}

	var receipt model.ReadReceipt
	if err := json.Unmarshal(doc.Data, &receipt); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}

	return &receipt, nil
}

// PutReceipt записывает квитанцию чтения. Монотонность: устаревшая запись
// никогда не сдвигает отметку назад.
func (r *ConversationRepository) PutReceipt(ctx context.Context, receipt *model.ReadReceipt) error {
	current, err := r.GetReceipt(ctx, receipt.AccountID, receipt.ConversationKey)
	if err != nil {
		return err
	}
	if current.LastReadAtMs >= receipt.LastReadAtMs {
		return nil
	}

	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}

	key := docstore.ReceiptKey(receipt.AccountID, receipt.ConversationKey)
	if err := r.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put receipt: %w", err)
	}

	return nil
}

func (r *ConversationRepository) addSponsored(ctx context.Context, linkKey, convKey string) error {
	keys, err := r.SponsoredKeys(ctx, linkKey)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if k == convKey {
			return nil
		}
	}

	data, err := json.Marshal(map[string][]string{"keys": append(keys, convKey)})
	if err != nil {
		return fmt.Errorf("encode sponsor index: %w", err)
	}

	if err := r.store.Put(ctx, docstore.SponsorIndexKey(linkKey), data); err != nil {
		return fmt.Errorf("put sponsor index: %w", err)
	}

	return nil
}
