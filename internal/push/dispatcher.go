package push

import (
	"context"

	"github.com/kinlink/kinlink/internal/model"
	"go.uber.org/zap"
)

// Dispatcher delivers one inbox entry to the recipient's device. Calls are
// fire-and-forget from the fan-out engine: failures are logged there and
// never reach the operation that produced the entry. Entries flagged
// SkipPush, and self-notices by type, are filtered out before a
// dispatcher is reached.
type Dispatcher interface {
	Dispatch(ctx context.Context, entry model.InboxEntry, recipientCanonicalID, recipientRole string) error
}

// LogDispatcher is the dev/test dispatcher: пишет в лог вместо доставки
type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

// Dispatch логирует уведомление
func (d *LogDispatcher) Dispatch(ctx context.Context, entry model.InboxEntry, recipientCanonicalID, recipientRole string) error {
	d.logger.Info("Push dispatch",
		zap.String("entry_id", entry.ID),
		zap.String("type", entry.Type),
		zap.String("recipient", recipientCanonicalID),
		zap.String("role", recipientRole),
	)
	return nil
}
