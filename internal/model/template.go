// internal/model/template.go
package model

import "time"

type Template struct {
	ID        int       `db:"id" json:"id"`
	OwnerID   int       `db:"owner_id" json:"owner_id"`
	Name      string    `db:"name" json:"name"`
	Subject   string    `db:"subject" json:"subject"`
	BodyHTML  string    `db:"body_html" json:"body_html"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
