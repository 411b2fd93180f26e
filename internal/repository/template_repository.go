package repository

import (
	"context"
	"database/sql"
	"errors"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

type TemplateRepositoryInterface interface {
	GetByID(ctx context.Context, id int) (*model.Template, error)
}

type TemplateRepository struct {
	DB *sql.DB
}

func (r *TemplateRepository) GetByID(ctx context.Context, id int) (*model.Template, error) {
	query := `
        SELECT id, owner_id, name, subject, body_html, created_at
        FROM templates
        WHERE id = $1
    `
	var t model.Template
	err := r.DB.QueryRowContext(ctx, query, id).Scan(&t.ID, &t.OwnerID, &t.Name, &t.Subject, &t.BodyHTML, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewTemplateNotFound(id)
		}
		return nil, err
	}
	return &t, nil
}

var _ TemplateRepositoryInterface = (*TemplateRepository)(nil)
