// internal/model/ledger_entry.go
package model

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventSent                 EventType = "sent"
	EventDelivered            EventType = "delivered"
	EventBounced              EventType = "bounced"
	EventOpened               EventType = "opened"
	EventClicked              EventType = "clicked"
	EventComplaint            EventType = "complaint"
	EventRejected             EventType = "rejected"
	EventFailedToSend         EventType = "failed_to_send"
	EventFailedToSendProvider EventType = "failed_to_send_provider"
)

// IsSendAttempt reports whether the event records a dispatch attempt rather
// than a provider-reported lifecycle event.
func (e EventType) IsSendAttempt() bool {
	return e == EventSent || e == EventFailedToSend || e == EventFailedToSendProvider
}

// Suppresses reports whether the event must flip the contact's allow_email off.
func (e EventType) Suppresses() bool {
	return e == EventBounced || e == EventComplaint
}

// LedgerEntry is one row of campaign_analytics.
type LedgerEntry struct {
	ID                int             `db:"id" json:"id"`
	CampaignID        int             `db:"campaign_id" json:"campaign_id"`
	ContactID         int             `db:"contact_id" json:"contact_id"`
	ProviderMessageID *string         `db:"provider_message_id" json:"provider_message_id,omitempty"`
	EventType         EventType       `db:"event_type" json:"event_type"`
	EventTimestamp    time.Time       `db:"event_timestamp" json:"event_timestamp"`
	Details           json.RawMessage `db:"details" json:"details,omitempty"`
	DispatchRunID     *string         `db:"dispatch_run_id" json:"dispatch_run_id,omitempty"`
}
