package push

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"
	"github.com/kinlink/kinlink/internal/model"
	"go.uber.org/zap"
)

// ChatResolver maps a canonical id to the recipient's Telegram chat.
// Реализуется репозиторием каталога.
type ChatResolver interface {
	GetByCanonicalID(ctx context.Context, canonicalID string) (*model.Account, error)
}

// TelegramDispatcher delivers inbox entries as Telegram messages
type TelegramDispatcher struct {
	bot      *bot.Bot
	accounts ChatResolver
	logger   *zap.Logger
}

func NewTelegramDispatcher(b *bot.Bot, accounts ChatResolver, logger *zap.Logger) *TelegramDispatcher {
	return &TelegramDispatcher{
		bot:      b,
		accounts: accounts,
		logger:   logger,
	}
}

// Dispatch отправляет сообщение в чат получателя
func (d *TelegramDispatcher) Dispatch(ctx context.Context, entry model.InboxEntry, recipientCanonicalID, recipientRole string) error {
	account, err := d.accounts.GetByCanonicalID(ctx, recipientCanonicalID)
	if err != nil {
		return fmt.Errorf("resolve recipient chat: %w", err)
	}

	if account == nil || account.TelegramChatID == 0 {
		// Получатель ещё не привязал чат — доставить некуда
		d.logger.Debug("No chat for recipient, push skipped",
			zap.String("recipient", recipientCanonicalID),
		)
		return nil
	}

	_, err = d.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: account.TelegramChatID,
		Text:   entry.Title + "\n\n" + entry.Message,
	})
	if err != nil {
		return fmt.Errorf("send push message: %w", err)
	}

	return nil
}
