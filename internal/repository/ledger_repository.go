package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

// LedgerRepositoryInterface is the campaign_analytics store. Send attempts are
// appended once per recipient per run; provider events are upserted on
// (campaign, contact, provider message id, event type).
type LedgerRepositoryInterface interface {
	RecordAttempt(ctx context.Context, entry *model.LedgerEntry) error
	LatestByMessageID(ctx context.Context, messageID string) (*model.LedgerEntry, error)
	UpsertEvent(ctx context.Context, entry *model.LedgerEntry) (bool, error)
	CountContactsByEvent(ctx context.Context, campaignID int) (map[model.EventType]int, error)
}

type LedgerRepository struct {
	DB *sql.DB
}

// RecordAttempt inserts a sent / failed_to_send* entry and sets entry.ID
func (r *LedgerRepository) RecordAttempt(ctx context.Context, entry *model.LedgerEntry) error {
	if !entry.EventType.IsSendAttempt() {
		return fmt.Errorf("%q is not a send attempt", entry.EventType)
	}
	query := `
        INSERT INTO campaign_analytics
        (campaign_id, contact_id, provider_message_id, event_type, event_timestamp, details, dispatch_run_id)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query,
		entry.CampaignID,
		entry.ContactID,
		entry.ProviderMessageID,
		entry.EventType,
		entry.EventTimestamp,
		jsonParam(entry.Details),
		entry.DispatchRunID,
	).Scan(&entry.ID)
}

// LatestByMessageID returns the most recently created entry carrying the
// provider message id, or nil when there is none.
func (r *LedgerRepository) LatestByMessageID(ctx context.Context, messageID string) (*model.LedgerEntry, error) {
	query := `
        SELECT id, campaign_id, contact_id, provider_message_id, event_type, event_timestamp, details, dispatch_run_id
        FROM campaign_analytics
        WHERE provider_message_id = $1
        ORDER BY id DESC
        LIMIT 1
    `
	var (
		e       model.LedgerEntry
		details []byte
		runID   sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, query, messageID).Scan(
		&e.ID,
		&e.CampaignID,
		&e.ContactID,
		&e.ProviderMessageID,
		&e.EventType,
		&e.EventTimestamp,
		&details,
		&runID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	e.Details = details
	if runID.Valid {
		e.DispatchRunID = &runID.String
	}
	return &e, nil
}

// UpsertEvent creates or refreshes a provider event. The returned bool is true
// when a new row was inserted.
func (r *LedgerRepository) UpsertEvent(ctx context.Context, entry *model.LedgerEntry) (bool, error) {
	if entry.EventType.IsSendAttempt() {
		return false, fmt.Errorf("%q is written by dispatch runs only", entry.EventType)
	}
	query := `
        INSERT INTO campaign_analytics
        (campaign_id, contact_id, provider_message_id, event_type, event_timestamp, details, dispatch_run_id)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (campaign_id, contact_id, provider_message_id, event_type)
            WHERE provider_message_id IS NOT NULL
        DO UPDATE SET event_timestamp = EXCLUDED.event_timestamp, details = EXCLUDED.details
        RETURNING id, (xmax = 0) AS inserted
    `
	var inserted bool
	err := r.DB.QueryRowContext(ctx, query,
		entry.CampaignID,
		entry.ContactID,
		entry.ProviderMessageID,
		entry.EventType,
		entry.EventTimestamp,
		jsonParam(entry.Details),
		entry.DispatchRunID,
	).Scan(&entry.ID, &inserted)
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// CountContactsByEvent returns, per event type, how many distinct contacts of
// the campaign have at least one entry of that type.
func (r *LedgerRepository) CountContactsByEvent(ctx context.Context, campaignID int) (map[model.EventType]int, error) {
	query := `
        SELECT event_type, COUNT(DISTINCT contact_id)
        FROM campaign_analytics
        WHERE campaign_id = $1
        GROUP BY event_type
    `
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[model.EventType]int{}
	for rows.Next() {
		var (
			eventType model.EventType
			n         int
		)
		if err := rows.Scan(&eventType, &n); err != nil {
			return nil, err
		}
		counts[eventType] = n
	}
	return counts, rows.Err()
}

// jsonParam hands JSONB values to lib/pq as text; raw []byte would be sent as bytea.
func jsonParam(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

var _ LedgerRepositoryInterface = (*LedgerRepository)(nil)
