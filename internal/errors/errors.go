// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// ErrCampaignNotFound is returned when a campaign id does not resolve to a row.
type ErrCampaignNotFound struct {
	CampaignID int
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

type ErrContactNotFound struct {
	ContactID int
}

func (e *ErrContactNotFound) Error() string {
	return fmt.Sprintf("contact with ID %d not found", e.ContactID)
}

func NewContactNotFound(id int) error {
	return &ErrContactNotFound{ContactID: id}
}

type ErrTemplateNotFound struct {
	TemplateID int
}

func (e *ErrTemplateNotFound) Error() string {
	return fmt.Sprintf("template with ID %d not found", e.TemplateID)
}

func NewTemplateNotFound(id int) error {
	return &ErrTemplateNotFound{TemplateID: id}
}

// ErrInvalidTransition reports a control action that the campaign's current
// status does not permit. It is also returned when a compare-and-swap on the
// status loses against a concurrent writer.
type ErrInvalidTransition struct {
	CampaignID int
	From       string
	Action     string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("campaign %d in status %q cannot %s", e.CampaignID, e.From, e.Action)
}

func NewInvalidTransition(id int, from, action string) error {
	return &ErrInvalidTransition{CampaignID: id, From: from, Action: action}
}

// ErrMalformedRecipientGroup is a fatal input error for a recipient-group
// descriptor that does not match any accepted shape.
type ErrMalformedRecipientGroup struct {
	Reason string
}

func (e *ErrMalformedRecipientGroup) Error() string {
	return "malformed recipient group: " + e.Reason
}

func NewMalformedRecipientGroup(format string, args ...any) error {
	return &ErrMalformedRecipientGroup{Reason: fmt.Sprintf(format, args...)}
}

var (
	ErrMissingTemplate = errors.New("campaign must have an associated email template")
	ErrInvalidSchedule = errors.New("scheduled time must be in the future")
	ErrNoRecipients    = errors.New("no recipients found for campaign")
	ErrInvalidTemplate = errors.New("template does not compile")
)

// IsInputError reports whether err is a caller-correctable validation failure.
func IsInputError(err error) bool {
	var transition *ErrInvalidTransition
	var malformed *ErrMalformedRecipientGroup
	return errors.As(err, &transition) ||
		errors.As(err, &malformed) ||
		errors.Is(err, ErrMissingTemplate) ||
		errors.Is(err, ErrInvalidSchedule) ||
		errors.Is(err, ErrNoRecipients) ||
		errors.Is(err, ErrInvalidTemplate)
}

// IsNotFound reports whether err wraps any of the not-found types.
func IsNotFound(err error) bool {
	var campaign *ErrCampaignNotFound
	var contact *ErrContactNotFound
	var template *ErrTemplateNotFound
	return errors.As(err, &campaign) || errors.As(err, &contact) || errors.As(err, &template)
}
