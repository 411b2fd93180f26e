package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/repository"
	"github.com/unclebandit/campaign-mailer/internal/webhook"
)

// SubscriptionConfirmer completes an SNS subscription handshake.
type SubscriptionConfirmer interface {
	Confirm(ctx context.Context, subscribeURL string) error
}

// Outcome says what the reconciler did with a notification.
type Outcome string

const (
	OutcomeRecorded     Outcome = "recorded"
	OutcomeReplayed     Outcome = "replayed"
	OutcomeUnattributed Outcome = "unattributed"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeConfirmed    Outcome = "confirmed"
	OutcomeUnsubscribed Outcome = "unsubscribed"
)

var sesEventTypes = map[string]model.EventType{
	"Delivery":  model.EventDelivered,
	"Bounce":    model.EventBounced,
	"Open":      model.EventOpened,
	"Click":     model.EventClicked,
	"Complaint": model.EventComplaint,
	"Reject":    model.EventRejected,
}

type sesTimestamp struct {
	Timestamp string `json:"timestamp"`
}

// sesEvent is the part of an SES event publishing record the reconciler reads.
type sesEvent struct {
	EventType        string `json:"eventType"`
	NotificationType string `json:"notificationType"`
	Mail             struct {
		MessageID string `json:"messageId"`
		Timestamp string `json:"timestamp"`
	} `json:"mail"`
	Delivery  *sesTimestamp `json:"delivery"`
	Bounce    *sesTimestamp `json:"bounce"`
	Open      *sesTimestamp `json:"open"`
	Click     *sesTimestamp `json:"click"`
	Complaint *sesTimestamp `json:"complaint"`
	Reject    *sesTimestamp `json:"reject"`
}

func (e *sesEvent) kind() string {
	if e.EventType != "" {
		return e.EventType
	}
	return e.NotificationType
}

func (e *sesEvent) timestamp(now time.Time) time.Time {
	var specific *sesTimestamp
	switch e.kind() {
	case "Delivery":
		specific = e.Delivery
	case "Bounce":
		specific = e.Bounce
	case "Open":
		specific = e.Open
	case "Click":
		specific = e.Click
	case "Complaint":
		specific = e.Complaint
	case "Reject":
		specific = e.Reject
	}
	if specific != nil {
		if t, err := time.Parse(time.RFC3339, specific.Timestamp); err == nil {
			return t.UTC()
		}
	}
	if t, err := time.Parse(time.RFC3339, e.Mail.Timestamp); err == nil {
		return t.UTC()
	}
	return now
}

// Reconciler applies authenticated provider notifications to the ledger.
type Reconciler struct {
	Ledger    repository.LedgerRepositoryInterface
	Contacts  repository.ContactRepositoryInterface
	Confirmer SubscriptionConfirmer
	Metrics   *metrics.Metrics
	Log       *zap.Logger

	Now func() time.Time
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Handle routes an authenticated envelope by type.
func (r *Reconciler) Handle(ctx context.Context, env *webhook.Envelope) (Outcome, error) {
	switch env.TypeName() {
	case webhook.TypeNotification:
		return r.HandleNotification(ctx, env)
	case webhook.TypeSubscriptionConfirmation:
		return r.ConfirmSubscription(ctx, env)
	case webhook.TypeUnsubscribeConfirmation:
		r.Log.Info("📭 Unsubscribe confirmation acknowledged",
			zap.String("topic_arn", derefString(env.TopicArn)),
			zap.String("sns_message_id", env.ID()))
		return OutcomeUnsubscribed, nil
	default:
		return OutcomeIgnored, fmt.Errorf("%w: unsupported type %q", webhook.ErrRejected, env.TypeName())
	}
}

// HandleNotification records one SES event against the ledger entry of the
// message it refers to. Unknown event types and unattributable message ids
// are dropped without error.
func (r *Reconciler) HandleNotification(ctx context.Context, env *webhook.Envelope) (Outcome, error) {
	raw := json.RawMessage(derefString(env.Message))
	var event sesEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return OutcomeIgnored, fmt.Errorf("%w: %v", webhook.ErrMalformed, err)
	}

	log := r.Log.With(
		zap.String("ses_event_type", event.kind()),
		zap.String("provider_message_id", event.Mail.MessageID))

	eventType, ok := sesEventTypes[event.kind()]
	if !ok {
		log.Info("ℹ️ Ignoring unhandled SES event type")
		return OutcomeIgnored, nil
	}
	if event.Mail.MessageID == "" {
		log.Warn("⚠️ SES event has no message id")
		return OutcomeIgnored, nil
	}

	origin, err := r.Ledger.LatestByMessageID(ctx, event.Mail.MessageID)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("failed to look up message %s: %w", event.Mail.MessageID, err)
	}
	if origin == nil {
		log.Warn("⚠️ No ledger entry for message id, dropping event")
		return OutcomeUnattributed, nil
	}

	details, err := json.Marshal(map[string]json.RawMessage{"ses_event": raw})
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("failed to encode event details: %w", err)
	}

	messageID := event.Mail.MessageID
	entry := &model.LedgerEntry{
		CampaignID:        origin.CampaignID,
		ContactID:         origin.ContactID,
		ProviderMessageID: &messageID,
		EventType:         eventType,
		EventTimestamp:    event.timestamp(r.now()),
		Details:           details,
		DispatchRunID:     origin.DispatchRunID,
	}
	inserted, err := r.Ledger.UpsertEvent(ctx, entry)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("failed to record %s event: %w", eventType, err)
	}

	// suppression is one-way; replays re-apply it in case an earlier write failed
	if eventType.Suppresses() {
		if err := r.Contacts.Suppress(ctx, origin.ContactID); err != nil {
			return OutcomeIgnored, fmt.Errorf("failed to suppress contact %d: %w", origin.ContactID, err)
		}
		log.Info("🚫 Contact suppressed", zap.Int("contact_id", origin.ContactID), zap.String("event_type", string(eventType)))
	}

	r.Metrics.ReconciledEvent(string(eventType))
	log.Info("📥 SES event recorded",
		zap.Int("campaign_id", origin.CampaignID),
		zap.Int("contact_id", origin.ContactID),
		zap.String("event_type", string(eventType)),
		zap.Bool("inserted", inserted))

	if !inserted {
		return OutcomeReplayed, nil
	}
	return OutcomeRecorded, nil
}

// ConfirmSubscription visits the envelope's SubscribeURL.
func (r *Reconciler) ConfirmSubscription(ctx context.Context, env *webhook.Envelope) (Outcome, error) {
	topic := derefString(env.TopicArn)
	if err := r.Confirmer.Confirm(ctx, derefString(env.SubscribeURL)); err != nil {
		r.Log.Error("❌ Subscription confirmation failed", zap.String("topic_arn", topic), zap.Error(err))
		return OutcomeIgnored, err
	}
	r.Log.Info("✅ Subscription confirmed", zap.String("topic_arn", topic))
	return OutcomeConfirmed, nil
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
