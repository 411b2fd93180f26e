package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/mailer"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
	"github.com/unclebandit/campaign-mailer/internal/service"
)

// MockCampaignRepo is an in-memory campaigns table with the same
// compare-and-swap semantics as the SQL repository.
type MockCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[int]*model.Campaign
}

func NewMockCampaignRepo(campaigns ...*model.Campaign) *MockCampaignRepo {
	m := &MockCampaignRepo{campaigns: make(map[int]*model.Campaign)}
	for _, c := range campaigns {
		cp := *c
		m.campaigns[c.ID] = &cp
	}
	return m
}

// Snapshot returns a copy of the stored row.
func (m *MockCampaignRepo) Snapshot(id int) model.Campaign {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.campaigns[id]
}

func (m *MockCampaignRepo) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (m *MockCampaignRepo) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*model.Campaign
	for _, c := range m.campaigns {
		if c.Status == model.StatusScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			cp := *c
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(*due[j].ScheduledAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MockCampaignRepo) cas(id int, match func(*model.Campaign) bool, apply func(*model.Campaign)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || !match(c) {
		return false, nil
	}
	apply(c)
	return true, nil
}

func sameToken(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (m *MockCampaignRepo) Queue(ctx context.Context, id int, from model.CampaignStatus) (bool, error) {
	return m.cas(id,
		func(c *model.Campaign) bool { return c.Status == from },
		func(c *model.Campaign) {
			c.Status = model.StatusQueued
			c.ScheduledAt = nil
			c.ScheduleToken = nil
		})
}

func (m *MockCampaignRepo) Schedule(ctx context.Context, id int, from model.CampaignStatus, at time.Time, token string) (bool, error) {
	return m.cas(id,
		func(c *model.Campaign) bool { return c.Status == from },
		func(c *model.Campaign) {
			c.Status = model.StatusScheduled
			c.ScheduledAt = &at
			c.ScheduleToken = &token
		})
}

func (m *MockCampaignRepo) CancelSchedule(ctx context.Context, id int, token *string) (bool, error) {
	return m.cas(id,
		func(c *model.Campaign) bool {
			return c.Status == model.StatusScheduled && sameToken(c.ScheduleToken, token)
		},
		func(c *model.Campaign) {
			c.Status = model.StatusDraft
			c.ScheduledAt = nil
			c.ScheduleToken = nil
		})
}

func (m *MockCampaignRepo) ReleaseScheduled(ctx context.Context, id int, token *string) (bool, error) {
	return m.cas(id,
		func(c *model.Campaign) bool {
			return c.Status == model.StatusScheduled && sameToken(c.ScheduleToken, token)
		},
		func(c *model.Campaign) {
			c.Status = model.StatusQueued
			c.ScheduleToken = nil
		})
}

func (m *MockCampaignRepo) CompareAndSetStatus(ctx context.Context, id int, from, to model.CampaignStatus) (bool, error) {
	return m.cas(id,
		func(c *model.Campaign) bool { return c.Status == from },
		func(c *model.Campaign) { c.Status = to })
}

func (m *MockCampaignRepo) ClaimForSending(ctx context.Context, id int, sentAt time.Time) (bool, error) {
	return m.cas(id,
		func(c *model.Campaign) bool { return c.Status == model.StatusQueued },
		func(c *model.Campaign) {
			c.Status = model.StatusSending
			c.SentAt = &sentAt
		})
}

func (m *MockCampaignRepo) FinishRun(ctx context.Context, id int, status model.CampaignStatus) (bool, error) {
	return m.CompareAndSetStatus(ctx, id, model.StatusSending, status)
}

// MockContactRepo is an in-memory contacts table.
type MockContactRepo struct {
	mu         sync.Mutex
	contacts   map[int]*model.Contact
	suppressed []int
}

func NewMockContactRepo(contacts ...model.Contact) *MockContactRepo {
	m := &MockContactRepo{contacts: make(map[int]*model.Contact)}
	for _, c := range contacts {
		cp := c
		m.contacts[c.ID] = &cp
	}
	return m
}

func (m *MockContactRepo) AllowEmail(id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contacts[id].AllowEmail
}

func (m *MockContactRepo) GetByID(ctx context.Context, id int) (*model.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok {
		return nil, appErrors.NewContactNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (m *MockContactRepo) ListMailable(ctx context.Context, ownerID int) ([]model.Contact, error) {
	return m.list(func(c *model.Contact) bool { return c.OwnerID == ownerID }), nil
}

func (m *MockContactRepo) ListMailableByIDs(ctx context.Context, ownerID int, ids []int) ([]model.Contact, error) {
	want := make(map[int]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return m.list(func(c *model.Contact) bool { return c.OwnerID == ownerID && want[c.ID] }), nil
}

func (m *MockContactRepo) list(match func(*model.Contact) bool) []model.Contact {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Contact{}
	for _, c := range m.contacts {
		if c.AllowEmail && match(c) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MockContactRepo) Suppress(ctx context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.contacts[id]; ok {
		c.AllowEmail = false
	}
	m.suppressed = append(m.suppressed, id)
	return nil
}

type MockTemplateRepo struct {
	templates map[int]*model.Template
}

func NewMockTemplateRepo(templates ...*model.Template) *MockTemplateRepo {
	m := &MockTemplateRepo{templates: make(map[int]*model.Template)}
	for _, t := range templates {
		m.templates[t.ID] = t
	}
	return m
}

func (m *MockTemplateRepo) GetByID(ctx context.Context, id int) (*model.Template, error) {
	t, ok := m.templates[id]
	if !ok {
		return nil, appErrors.NewTemplateNotFound(id)
	}
	cp := *t
	return &cp, nil
}

// MockLedgerRepo keeps campaign_analytics rows in insertion order. Provider
// events are unique on (campaign, contact, message id, event type).
type MockLedgerRepo struct {
	mu        sync.Mutex
	entries   []model.LedgerEntry
	RecordErr error
}

func (m *MockLedgerRepo) Entries() []model.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.LedgerEntry(nil), m.entries...)
}

func (m *MockLedgerRepo) ByType(t model.EventType) []model.LedgerEntry {
	var out []model.LedgerEntry
	for _, e := range m.Entries() {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

func (m *MockLedgerRepo) RecordAttempt(ctx context.Context, entry *model.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RecordErr != nil {
		return m.RecordErr
	}
	entry.ID = len(m.entries) + 1
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *MockLedgerRepo) LatestByMessageID(ctx context.Context, messageID string) (*model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.ProviderMessageID != nil && *e.ProviderMessageID == messageID {
			return &e, nil
		}
	}
	return nil, nil
}

func (m *MockLedgerRepo) UpsertEvent(ctx context.Context, entry *model.LedgerEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		e := &m.entries[i]
		if e.CampaignID == entry.CampaignID && e.ContactID == entry.ContactID &&
			sameToken(e.ProviderMessageID, entry.ProviderMessageID) && e.EventType == entry.EventType {
			e.EventTimestamp = entry.EventTimestamp
			e.Details = entry.Details
			entry.ID = e.ID
			return false, nil
		}
	}
	entry.ID = len(m.entries) + 1
	m.entries = append(m.entries, *entry)
	return true, nil
}

func (m *MockLedgerRepo) CountContactsByEvent(ctx context.Context, campaignID int) (map[model.EventType]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[model.EventType]map[int]bool{}
	for _, e := range m.entries {
		if e.CampaignID != campaignID {
			continue
		}
		if seen[e.EventType] == nil {
			seen[e.EventType] = map[int]bool{}
		}
		seen[e.EventType][e.ContactID] = true
	}
	counts := make(map[model.EventType]int, len(seen))
	for t, contacts := range seen {
		counts[t] = len(contacts)
	}
	return counts, nil
}

// MockSender returns sequential message ids. Failures are keyed by recipient.
type MockSender struct {
	mu       sync.Mutex
	sent     []mailer.Message
	Failures map[string]error
	Panics   map[string]bool
	seq      int64
}

func (m *MockSender) Send(ctx context.Context, msg mailer.Message) (string, error) {
	if m.Panics[msg.To] {
		panic("sender exploded")
	}
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	if err := m.Failures[msg.To]; err != nil {
		return "", err
	}
	return fmt.Sprintf("ses-%04d", atomic.AddInt64(&m.seq, 1)), nil
}

func (m *MockSender) Sent() []mailer.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mailer.Message(nil), m.sent...)
}

// MockQueue records published dispatch jobs.
type MockQueue struct {
	mu         sync.Mutex
	jobs       []queue.DispatchJob
	PublishErr error
}

func (m *MockQueue) Publish(ctx context.Context, topic string, payload any) error {
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, payload.(queue.DispatchJob))
	return nil
}

func (m *MockQueue) Subscribe(topic string, handler queue.Handler) error { return nil }

func (m *MockQueue) Jobs() []queue.DispatchJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]queue.DispatchJob(nil), m.jobs...)
}

type armed struct {
	CampaignID int
	At         time.Time
}

// MockTrigger records armed and revoked schedule tokens.
type MockTrigger struct {
	mu      sync.Mutex
	armed   map[string]armed
	revoked []string
}

func NewMockTrigger() *MockTrigger {
	return &MockTrigger{armed: make(map[string]armed)}
}

func (m *MockTrigger) Schedule(campaignID int, token string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed[token] = armed{CampaignID: campaignID, At: at}
}

func (m *MockTrigger) Revoke(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.armed, token)
	m.revoked = append(m.revoked, token)
}

type MockConfirmer struct {
	URLs []string
	Err  error
}

func (m *MockConfirmer) Confirm(ctx context.Context, subscribeURL string) error {
	m.URLs = append(m.URLs, subscribeURL)
	return m.Err
}

type MockRunner struct {
	Summary *service.RunSummary
	Err     error
	Calls   []int
}

func (m *MockRunner) Run(ctx context.Context, campaignID int) (*service.RunSummary, error) {
	m.Calls = append(m.Calls, campaignID)
	return m.Summary, m.Err
}

type MockReporter struct {
	mu       sync.Mutex
	Captured []error
}

func (m *MockReporter) CaptureException(err error) *sentry.EventID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Captured = append(m.Captured, err)
	id := sentry.EventID(fmt.Sprintf("%032d", len(m.Captured)))
	return &id
}

var (
	_ repository.CampaignRepositoryInterface = (*MockCampaignRepo)(nil)
	_ repository.ContactRepositoryInterface  = (*MockContactRepo)(nil)
	_ repository.TemplateRepositoryInterface = (*MockTemplateRepo)(nil)
	_ repository.LedgerRepositoryInterface   = (*MockLedgerRepo)(nil)
	_ service.CampaignRunner                 = (*MockRunner)(nil)
	_ service.ErrorReporter                  = (*MockReporter)(nil)
)

// ====================== Fixtures ======================

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func group(t *testing.T, g model.RecipientGroup) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(g)
	if err != nil {
		t.Fatalf("marshal recipient group: %v", err)
	}
	return raw
}

func welcomeTemplate() *model.Template {
	return &model.Template{
		ID:       10,
		OwnerID:  1,
		Name:     "welcome",
		Subject:  "  Hello {{first_name}}  ",
		BodyHTML: "<p>Hi {{ first_name }} {{last_name}}, your plan is {{custom_fields.plan}}.</p>",
	}
}

func twoContacts() []model.Contact {
	return []model.Contact{
		{ID: 1, OwnerID: 1, Email: "ada@example.com", FirstName: strPtr("Ada"), LastName: strPtr("Lovelace"), CustomFields: map[string]any{"plan": "pro"}, AllowEmail: true},
		{ID: 2, OwnerID: 1, Email: "alan@example.com", FirstName: strPtr("Alan"), AllowEmail: true},
	}
}
