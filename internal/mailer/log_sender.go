package mailer

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogSender only logs the message. Used for local development.
type LogSender struct {
	log *zap.Logger
}

func NewLogSender(log *zap.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := "local-" + uuid.NewString()
	s.log.Info("📧 Email (log driver)",
		zap.String("message_id", id),
		zap.String("from", msg.From),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("body_bytes", len(msg.HTMLBody)))
	return id, nil
}

var _ Sender = (*LogSender)(nil)
