package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/service"
	"github.com/unclebandit/campaign-mailer/internal/webhook"
)

// SNS caps Message at 256 KiB; the envelope and JSON escaping need room on top.
const maxNotificationBytes = 1 << 20

type Authenticator interface {
	Authenticate(ctx context.Context, body []byte) (*webhook.Envelope, error)
}

type Reconciler interface {
	Handle(ctx context.Context, env *webhook.Envelope) (service.Outcome, error)
}

// Deduper remembers processed SNS message ids. *cache.Client satisfies it.
type Deduper interface {
	Seen(ctx context.Context, key string) bool
	MarkOnce(ctx context.Context, key string, ttl time.Duration) bool
}

// WebhookHandler receives SNS deliveries of SES events. Nothing is written
// unless the notification authenticates.
type WebhookHandler struct {
	Auth       Authenticator
	Reconciler Reconciler
	Dedupe     Deduper
	DedupeTTL  time.Duration
	Metrics    *metrics.Metrics
	Log        *zap.Logger
}

func (h *WebhookHandler) HandleSES(w http.ResponseWriter, r *http.Request) {
	// SNS posts JSON as text/plain, so the content type is not checked
	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBytes+1))
	if err != nil {
		h.respond(w, http.StatusBadRequest, "malformed", "malformed notification")
		return
	}
	if len(body) > maxNotificationBytes {
		h.Log.Warn("⚠️ Notification too large", zap.Int("limit", maxNotificationBytes))
		h.respond(w, http.StatusRequestEntityTooLarge, "too_large", "notification too large")
		return
	}

	env, err := h.Auth.Authenticate(r.Context(), body)
	if err != nil {
		if errors.Is(err, webhook.ErrMalformed) {
			h.Log.Warn("⚠️ Malformed notification", zap.Error(err))
			h.respond(w, http.StatusBadRequest, "malformed", "malformed notification")
			return
		}
		h.Log.Warn("🔒 Notification rejected", zap.Error(err))
		h.respond(w, http.StatusForbidden, "rejected", "signature verification failed")
		return
	}

	// marked only after a successful Handle
	key := ""
	if h.Dedupe != nil && env.ID() != "" {
		key = "sns:" + env.ID()
		if h.Dedupe.Seen(r.Context(), key) {
			h.Log.Info("🔁 Notification already processed", zap.String("sns_message_id", env.ID()))
			h.respond(w, http.StatusOK, "duplicate", "duplicate")
			return
		}
	}

	outcome, err := h.Reconciler.Handle(r.Context(), env)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrMalformed):
			h.respond(w, http.StatusBadRequest, "malformed", "malformed notification")
		case errors.Is(err, webhook.ErrRejected):
			h.Log.Warn("🔒 Notification rejected", zap.String("type", env.TypeName()), zap.Error(err))
			h.respond(w, http.StatusForbidden, "rejected", "notification rejected")
		default:
			h.Log.Error("❌ Failed to process notification",
				zap.String("type", env.TypeName()),
				zap.String("sns_message_id", env.ID()),
				zap.Error(err))
			h.respond(w, http.StatusInternalServerError, "error", "internal server error")
		}
		return
	}

	if key != "" {
		h.Dedupe.MarkOnce(context.WithoutCancel(r.Context()), key, h.DedupeTTL)
	}
	h.respond(w, http.StatusOK, string(outcome), string(outcome))
}

func (h *WebhookHandler) respond(w http.ResponseWriter, status int, result, message string) {
	h.Metrics.WebhookRequest(result)
	if status >= 400 {
		writeError(w, status, message)
		return
	}
	writeJSON(w, status, map[string]string{"status": message})
}
