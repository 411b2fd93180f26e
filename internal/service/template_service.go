// internal/service/template_service.go
package service

import (
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/valyala/fasttemplate"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

const (
	tagStart = "{{"
	tagEnd   = "}}"

	customFieldsPrefix = "custom_fields."
)

// RecipientContext is the flattened view of a contact a template can read.
// Missing names are empty strings.
type RecipientContext struct {
	FirstName    string
	LastName     string
	Email        string
	CustomFields map[string]any
}

// NewRecipientContext flattens a contact into a render context.
func NewRecipientContext(c model.Contact) RecipientContext {
	rc := RecipientContext{Email: c.Email, CustomFields: c.CustomFields}
	if c.FirstName != nil {
		rc.FirstName = *c.FirstName
	}
	if c.LastName != nil {
		rc.LastName = *c.LastName
	}
	return rc
}

func (rc RecipientContext) lookup(tag string) string {
	switch key := strings.TrimSpace(tag); {
	case key == "first_name":
		return rc.FirstName
	case key == "last_name":
		return rc.LastName
	case key == "email":
		return rc.Email
	case strings.HasPrefix(key, customFieldsPrefix):
		v, ok := rc.CustomFields[strings.TrimPrefix(key, customFieldsPrefix)]
		if !ok || v == nil {
			return ""
		}
		switch v := v.(type) {
		case string:
			return v
		case map[string]any, []any:
			// only scalars are substitutable
			return ""
		default:
			return fmt.Sprint(v)
		}
	default:
		return ""
	}
}

// RenderedMessage is a subject and HTML body bound to one recipient.
type RenderedMessage struct {
	Subject  string `json:"subject"`
	HTMLBody string `json:"html_body"`
}

// TemplateRenderer is a compiled subject/body pair. Compile once per run and
// call Render concurrently for independent recipients.
type TemplateRenderer struct {
	subject *fasttemplate.Template
	body    *fasttemplate.Template
}

// CompileTemplate parses the template's subject and body. An unterminated tag
// is an error.
func CompileTemplate(t *model.Template) (*TemplateRenderer, error) {
	subject, err := fasttemplate.NewTemplate(t.Subject, tagStart, tagEnd)
	if err != nil {
		return nil, fmt.Errorf("template %d subject: %w", t.ID, err)
	}
	body, err := fasttemplate.NewTemplate(t.BodyHTML, tagStart, tagEnd)
	if err != nil {
		return nil, fmt.Errorf("template %d body: %w", t.ID, err)
	}
	return &TemplateRenderer{subject: subject, body: body}, nil
}

// Render binds rc into the template. Unknown placeholders render empty;
// values substituted into the body are HTML-escaped.
func (r *TemplateRenderer) Render(rc RecipientContext) (RenderedMessage, error) {
	subject, err := r.subject.ExecuteFuncStringWithErr(func(w io.Writer, tag string) (int, error) {
		return w.Write([]byte(rc.lookup(tag)))
	})
	if err != nil {
		return RenderedMessage{}, fmt.Errorf("render subject: %w", err)
	}

	body, err := r.body.ExecuteFuncStringWithErr(func(w io.Writer, tag string) (int, error) {
		return w.Write([]byte(html.EscapeString(rc.lookup(tag))))
	})
	if err != nil {
		return RenderedMessage{}, fmt.Errorf("render body: %w", err)
	}

	return RenderedMessage{Subject: strings.TrimSpace(subject), HTMLBody: body}, nil
}
