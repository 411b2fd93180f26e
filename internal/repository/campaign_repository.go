package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

// CampaignRepositoryInterface exposes campaign reads and the status
// transitions. Every transition is a compare-and-swap on the current status
// and reports false when another writer got there first.
type CampaignRepositoryInterface interface {
	GetByID(ctx context.Context, id int) (*model.Campaign, error)
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error)

	// Control actions
	Queue(ctx context.Context, id int, from model.CampaignStatus) (bool, error)
	Schedule(ctx context.Context, id int, from model.CampaignStatus, at time.Time, token string) (bool, error)
	CancelSchedule(ctx context.Context, id int, token *string) (bool, error)
	ReleaseScheduled(ctx context.Context, id int, token *string) (bool, error)
	CompareAndSetStatus(ctx context.Context, id int, from, to model.CampaignStatus) (bool, error)

	// Dispatch run checkpoints
	ClaimForSending(ctx context.Context, id int, sentAt time.Time) (bool, error)
	FinishRun(ctx context.Context, id int, status model.CampaignStatus) (bool, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, owner_id, name, template_id, recipient_group, status,
        scheduled_at, schedule_token, sent_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var (
		c          model.Campaign
		templateID sql.NullInt64
		group      []byte
		token      sql.NullString
	)
	err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &templateID, &group, &c.Status,
		&c.ScheduledAt, &token, &c.SentAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if templateID.Valid {
		id := int(templateID.Int64)
		c.TemplateID = &id
	}
	if token.Valid {
		c.ScheduleToken = &token.String
	}
	c.RecipientGroup = group
	return &c, nil
}

// ====================== Reads ======================

func (r *CampaignRepository) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + `
        FROM campaigns
        WHERE status=$1 AND scheduled_at <= $2
        ORDER BY scheduled_at ASC
        LIMIT $3`
	rows, err := r.DB.QueryContext(ctx, query, model.StatusScheduled, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// ====================== Transitions ======================

func (r *CampaignRepository) Queue(ctx context.Context, id int, from model.CampaignStatus) (bool, error) {
	query := `
        UPDATE campaigns
        SET status=$1, scheduled_at=NULL, schedule_token=NULL, updated_at=NOW()
        WHERE id=$2 AND status=$3
    `
	return r.exec(ctx, query, model.StatusQueued, id, from)
}

func (r *CampaignRepository) Schedule(ctx context.Context, id int, from model.CampaignStatus, at time.Time, token string) (bool, error) {
	query := `
        UPDATE campaigns
        SET status=$1, scheduled_at=$2, schedule_token=$3, updated_at=NOW()
        WHERE id=$4 AND status=$5
    `
	return r.exec(ctx, query, model.StatusScheduled, at, token, id, from)
}

func (r *CampaignRepository) CancelSchedule(ctx context.Context, id int, token *string) (bool, error) {
	query := `
        UPDATE campaigns
        SET status=$1, scheduled_at=NULL, schedule_token=NULL, updated_at=NOW()
        WHERE id=$2 AND status=$3 AND schedule_token IS NOT DISTINCT FROM $4
    `
	return r.exec(ctx, query, model.StatusDraft, id, model.StatusScheduled, token)
}

// ReleaseScheduled moves a due campaign into the queue. The token check makes
// a revoked trigger a no-op.
func (r *CampaignRepository) ReleaseScheduled(ctx context.Context, id int, token *string) (bool, error) {
	query := `
        UPDATE campaigns
        SET status=$1, schedule_token=NULL, updated_at=NOW()
        WHERE id=$2 AND status=$3 AND schedule_token IS NOT DISTINCT FROM $4
    `
	return r.exec(ctx, query, model.StatusQueued, id, model.StatusScheduled, token)
}

func (r *CampaignRepository) CompareAndSetStatus(ctx context.Context, id int, from, to model.CampaignStatus) (bool, error) {
	query := `UPDATE campaigns SET status=$1, updated_at=NOW() WHERE id=$2 AND status=$3`
	return r.exec(ctx, query, to, id, from)
}

func (r *CampaignRepository) ClaimForSending(ctx context.Context, id int, sentAt time.Time) (bool, error) {
	query := `
        UPDATE campaigns
        SET status=$1, sent_at=$2, updated_at=NOW()
        WHERE id=$3 AND status=$4
    `
	return r.exec(ctx, query, model.StatusSending, sentAt, id, model.StatusQueued)
}

func (r *CampaignRepository) FinishRun(ctx context.Context, id int, status model.CampaignStatus) (bool, error) {
	return r.CompareAndSetStatus(ctx, id, model.StatusSending, status)
}

func (r *CampaignRepository) exec(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
