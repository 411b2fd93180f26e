// Package webhook authenticates SNS-delivered provider notifications.
package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeNotification             = "Notification"
	TypeSubscriptionConfirmation = "SubscriptionConfirmation"
	TypeUnsubscribeConfirmation  = "UnsubscribeConfirmation"
)

var (
	// ErrMalformed is a body that cannot be parsed. Reported as 400.
	ErrMalformed = errors.New("malformed notification")
	// ErrRejected is a notification that failed authentication. Reported as 403.
	ErrRejected = errors.New("notification rejected")
)

func rejectf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}

// Envelope is the SNS HTTP payload. Absent and null fields stay nil so the
// canonical string can tell them apart from empty strings.
type Envelope struct {
	Type             *string `json:"Type"`
	MessageID        *string `json:"MessageId"`
	TopicArn         *string `json:"TopicArn"`
	Subject          *string `json:"Subject"`
	Message          *string `json:"Message"`
	Timestamp        *string `json:"Timestamp"`
	SignatureVersion *string `json:"SignatureVersion"`
	Signature        *string `json:"Signature"`
	SigningCertURL   *string `json:"SigningCertURL"`
	SubscribeURL     *string `json:"SubscribeURL"`
	Token            *string `json:"Token"`
	UnsubscribeURL   *string `json:"UnsubscribeURL"`
}

// ParseEnvelope decodes the body. For notifications the nested Message must
// itself be a JSON object.
func ParseEnvelope(body []byte) (*Envelope, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrMalformed)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if env.TypeName() == TypeNotification {
		msg := bytes.TrimSpace([]byte(value(env.Message)))
		if len(msg) == 0 || msg[0] != '{' || !json.Valid(msg) {
			return nil, fmt.Errorf("%w: Message is not a JSON object", ErrMalformed)
		}
	}
	return &env, nil
}

func (e *Envelope) TypeName() string { return value(e.Type) }

// ID returns the SNS MessageId, or "" when absent.
func (e *Envelope) ID() string { return value(e.MessageID) }

func (e *Envelope) field(name string) *string {
	switch name {
	case "Message":
		return e.Message
	case "MessageId":
		return e.MessageID
	case "Subject":
		return e.Subject
	case "SubscribeURL":
		return e.SubscribeURL
	case "Timestamp":
		return e.Timestamp
	case "Token":
		return e.Token
	case "TopicArn":
		return e.TopicArn
	case "Type":
		return e.Type
	default:
		return nil
	}
}

func value(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
