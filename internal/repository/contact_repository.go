package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

// ContactRepositoryInterface defines methods used by service
type ContactRepositoryInterface interface {
	GetByID(ctx context.Context, id int) (*model.Contact, error)
	ListMailable(ctx context.Context, ownerID int) ([]model.Contact, error)
	ListMailableByIDs(ctx context.Context, ownerID int, ids []int) ([]model.Contact, error)
	Suppress(ctx context.Context, id int) error
}

// ContactRepository is the concrete implementation
type ContactRepository struct {
	DB *sql.DB
}

const contactColumns = `id, owner_id, email, first_name, last_name, custom_fields, allow_email, created_at`

func scanContact(row rowScanner) (*model.Contact, error) {
	var (
		c      model.Contact
		fields []byte
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Email, &c.FirstName, &c.LastName, &fields, &c.AllowEmail, &c.CreatedAt); err != nil {
		return nil, err
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &c.CustomFields); err != nil {
			return nil, fmt.Errorf("contact %d custom_fields: %w", c.ID, err)
		}
	}
	return &c, nil
}

// GetByID fetches a contact by ID regardless of its suppression flag
func (r *ContactRepository) GetByID(ctx context.Context, id int) (*model.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE id = $1`
	c, err := scanContact(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewContactNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

// ListMailable returns the owner's contacts that still accept email, ordered by id
func (r *ContactRepository) ListMailable(ctx context.Context, ownerID int) ([]model.Contact, error) {
	query := `
        SELECT ` + contactColumns + `
        FROM contacts
        WHERE owner_id = $1 AND allow_email
        ORDER BY id
    `
	return r.list(ctx, query, ownerID)
}

// ListMailableByIDs restricts ListMailable to the given ids. Unknown ids and
// ids owned by someone else are silently skipped.
func (r *ContactRepository) ListMailableByIDs(ctx context.Context, ownerID int, ids []int) ([]model.Contact, error) {
	if len(ids) == 0 {
		return []model.Contact{}, nil
	}
	query := `
        SELECT ` + contactColumns + `
        FROM contacts
        WHERE owner_id = $1 AND allow_email AND id = ANY($2)
        ORDER BY id
    `
	return r.list(ctx, query, ownerID, pq.Array(ids))
}

// Suppress turns allow_email off. It never turns it back on.
func (r *ContactRepository) Suppress(ctx context.Context, id int) error {
	query := `UPDATE contacts SET allow_email = FALSE WHERE id = $1 AND allow_email`
	_, err := r.DB.ExecContext(ctx, query, id)
	return err
}

func (r *ContactRepository) list(ctx context.Context, query string, args ...any) ([]model.Contact, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []model.Contact{}
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}

var _ ContactRepositoryInterface = (*ContactRepository)(nil)
