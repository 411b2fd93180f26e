// internal/model/contact.go
package model

import "time"

type Contact struct {
	ID           int            `db:"id" json:"id"`
	OwnerID      int            `db:"owner_id" json:"owner_id"`
	Email        string         `db:"email" json:"email"`
	FirstName    *string        `db:"first_name" json:"first_name,omitempty"`
	LastName     *string        `db:"last_name" json:"last_name,omitempty"`
	CustomFields map[string]any `db:"custom_fields" json:"custom_fields,omitempty"`
	AllowEmail   bool           `db:"allow_email" json:"allow_email"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}
