// Package mailer hands rendered messages to the mail provider.
package mailer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/config"
)

// Message is one outbound email for one recipient.
type Message struct {
	From     string
	To       string
	Subject  string
	HTMLBody string
	Tags     map[string]string
}

// Sender submits a message and returns the provider message id.
// A rejection by the provider is reported as *ProviderError; any other error
// is a local fault (network, credentials, cancelled context).
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// ProviderError is a structured rejection returned by the mail API.
type ProviderError struct {
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider rejected message: %s: %s", e.Code, e.Message)
}

// AsProviderError unwraps err into a *ProviderError when it carries one.
func AsProviderError(err error) (*ProviderError, bool) {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// New builds the configured sender wrapped in the provider rate limit.
func New(ctx context.Context, cfg config.Mail, log *zap.Logger) (Sender, error) {
	var next Sender
	switch cfg.Driver {
	case config.MailDriverLog:
		next = NewLogSender(log)
	case config.MailDriverSES:
		ses, err := NewSESSender(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		next = ses
	default:
		return nil, fmt.Errorf("unsupported mail driver %q", cfg.Driver)
	}
	return NewRateLimitedSender(next, cfg.RatePerSecond), nil
}
