// internal/model/campaign.go
package model

import (
	"encoding/json"
	"time"
)

type CampaignStatus string

const (
	StatusDraft          CampaignStatus = "draft"
	StatusQueued         CampaignStatus = "queued"
	StatusScheduled      CampaignStatus = "scheduled"
	StatusSending        CampaignStatus = "sending"
	StatusSent           CampaignStatus = "sent"
	StatusSentWithErrors CampaignStatus = "sent_with_errors"
	StatusFailed         CampaignStatus = "failed"
)

// In reports whether s is one of the given statuses.
func (s CampaignStatus) In(statuses ...CampaignStatus) bool {
	for _, candidate := range statuses {
		if s == candidate {
			return true
		}
	}
	return false
}

type Campaign struct {
	ID             int             `db:"id" json:"id"`
	OwnerID        int             `db:"owner_id" json:"owner_id"`
	Name           string          `db:"name" json:"name"`
	TemplateID     *int            `db:"template_id" json:"template_id,omitempty"`
	RecipientGroup json.RawMessage `db:"recipient_group" json:"recipient_group"`
	Status         CampaignStatus  `db:"status" json:"status"`
	ScheduledAt    *time.Time      `db:"scheduled_at" json:"scheduled_at,omitempty"`
	ScheduleToken  *string         `db:"schedule_token" json:"-"`
	SentAt         *time.Time      `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      *time.Time      `db:"updated_at" json:"updated_at,omitempty"`
}
