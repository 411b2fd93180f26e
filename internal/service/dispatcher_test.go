package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/mailer"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/service"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type dispatchFixture struct {
	campaigns *MockCampaignRepo
	contacts  *MockContactRepo
	ledger    *MockLedgerRepo
	sender    *MockSender
	metrics   *metrics.Metrics
	d         *service.Dispatcher
}

func newDispatchFixture(t *testing.T, campaign *model.Campaign, contacts ...model.Contact) *dispatchFixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	f := &dispatchFixture{
		campaigns: NewMockCampaignRepo(campaign),
		contacts:  NewMockContactRepo(contacts...),
		ledger:    &MockLedgerRepo{},
		sender:    &MockSender{},
		metrics:   metrics.NewWithRegistry(reg, reg),
	}
	f.d = &service.Dispatcher{
		Campaigns:   f.campaigns,
		Templates:   NewMockTemplateRepo(welcomeTemplate()),
		Ledger:      f.ledger,
		Resolver:    &service.RecipientResolver{Contacts: f.contacts},
		Sender:      f.sender,
		From:        "news@example.com",
		Concurrency: 4,
		Metrics:     f.metrics,
		Log:         zap.NewNop(),
		Now:         func() time.Time { return fixedNow },
		NewRunID:    func() string { return "run-1" },
	}
	return f
}

func queuedCampaign(t *testing.T, g model.RecipientGroup) *model.Campaign {
	t.Helper()
	return &model.Campaign{
		ID:             7,
		OwnerID:        1,
		Name:           "Spring launch",
		TemplateID:     intPtr(10),
		RecipientGroup: group(t, g),
		Status:         model.StatusQueued,
	}
}

func TestDispatcher_AllRecipientsSucceed(t *testing.T) {
	f := newDispatchFixture(t, queuedCampaign(t, model.AllContacts()), twoContacts()...)

	summary, err := f.d.Run(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, model.StatusSent, summary.Status)
	assert.Equal(t, 2, summary.Recipients)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Zero(t, summary.Failed)

	stored := f.campaigns.Snapshot(7)
	assert.Equal(t, model.StatusSent, stored.Status)
	require.NotNil(t, stored.SentAt)
	assert.Equal(t, fixedNow, *stored.SentAt)

	sent := f.ledger.ByType(model.EventSent)
	require.Len(t, sent, 2)
	assert.NotEqual(t, *sent[0].ProviderMessageID, *sent[1].ProviderMessageID)
	for _, e := range sent {
		assert.Equal(t, 7, e.CampaignID)
		assert.Equal(t, "run-1", *e.DispatchRunID)
		assert.Equal(t, fixedNow, e.EventTimestamp)
	}
}

func TestDispatcher_ProviderRejectsOneRecipient(t *testing.T) {
	f := newDispatchFixture(t, queuedCampaign(t, model.AllContacts()), twoContacts()...)
	f.sender.Failures = map[string]error{
		"ada@example.com": &mailer.ProviderError{Code: "MessageRejected", Message: "Email address is not verified."},
	}

	summary, err := f.d.Run(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSentWithErrors, summary.Status)
	assert.Equal(t, model.StatusSentWithErrors, f.campaigns.Snapshot(7).Status)

	failed := f.ledger.ByType(model.EventFailedToSendProvider)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].ContactID)
	assert.Nil(t, failed[0].ProviderMessageID)

	var details map[string]string
	require.NoError(t, json.Unmarshal(failed[0].Details, &details))
	assert.Equal(t, "MessageRejected", details["code"])
	assert.Equal(t, "Email address is not verified.", details["error"])

	sent := f.ledger.ByType(model.EventSent)
	require.Len(t, sent, 1)
	assert.Equal(t, 2, sent[0].ContactID)
}

func TestDispatcher_TerminalStatusFollowsTally(t *testing.T) {
	providerErr := &mailer.ProviderError{Code: "Throttling", Message: "Maximum sending rate exceeded."}
	localErr := errors.New("dial tcp: connection refused")

	tests := []struct {
		name     string
		failures map[string]error
		want     model.CampaignStatus
	}{
		{name: "none fail", want: model.StatusSent},
		{name: "one provider failure", failures: map[string]error{"ada@example.com": providerErr}, want: model.StatusSentWithErrors},
		{name: "one local failure", failures: map[string]error{"alan@example.com": localErr}, want: model.StatusSentWithErrors},
		{name: "all fail", failures: map[string]error{"ada@example.com": providerErr, "alan@example.com": localErr}, want: model.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDispatchFixture(t, queuedCampaign(t, model.AllContacts()), twoContacts()...)
			f.sender.Failures = tt.failures

			summary, err := f.d.Run(context.Background(), 7)
			require.NoError(t, err)
			assert.Equal(t, tt.want, summary.Status)
			assert.Equal(t, tt.want, f.campaigns.Snapshot(7).Status)
			assert.Equal(t, summary.Recipients, summary.Succeeded+summary.Failed)

			// exactly one attempt entry per resolved recipient
			attempts := 0
			for _, e := range f.ledger.Entries() {
				if e.EventType.IsSendAttempt() {
					attempts++
				}
			}
			assert.Equal(t, summary.Recipients, attempts)
			assert.Len(t, f.ledger.ByType(model.EventFailedToSend), countLocal(tt.failures))
		})
	}
}

func countLocal(failures map[string]error) int {
	n := 0
	for _, err := range failures {
		if _, ok := mailer.AsProviderError(err); !ok {
			n++
		}
	}
	return n
}

func TestDispatcher_NoContactsFailsWithoutEntries(t *testing.T) {
	f := newDispatchFixture(t, queuedCampaign(t, model.AllContacts()))

	summary, err := f.d.Run(context.Background(), 7)
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrNoRecipients)
	require.NotNil(t, summary)
	assert.Equal(t, model.StatusFailed, summary.Status)
	assert.Equal(t, model.StatusFailed, f.campaigns.Snapshot(7).Status)
	assert.Empty(t, f.ledger.Entries())
	assert.Empty(t, f.sender.Sent())
}

func TestDispatcher_MalformedRecipientGroupIsFatal(t *testing.T) {
	c := queuedCampaign(t, model.AllContacts())
	c.RecipientGroup = json.RawMessage(`{"type":"specific_ids","ids":"not-a-list"}`)
	f := newDispatchFixture(t, c, twoContacts()...)

	summary, err := f.d.Run(context.Background(), 7)

	var malformed *appErrors.ErrMalformedRecipientGroup
	require.ErrorAs(t, err, &malformed)
	assert.NotErrorIs(t, err, appErrors.ErrNoRecipients)
	assert.Equal(t, model.StatusFailed, summary.Status)
	assert.Equal(t, model.StatusFailed, f.campaigns.Snapshot(7).Status)
	assert.Empty(t, f.sender.Sent())
	assert.Empty(t, f.ledger.Entries())
}

func TestDispatcher_MissingTemplate(t *testing.T) {
	for name, templateID := range map[string]*int{"no template": nil, "deleted template": intPtr(99)} {
		t.Run(name, func(t *testing.T) {
			c := queuedCampaign(t, model.AllContacts())
			c.TemplateID = templateID
			f := newDispatchFixture(t, c, twoContacts()...)

			summary, err := f.d.Run(context.Background(), 7)
			assert.ErrorIs(t, err, appErrors.ErrMissingTemplate)
			assert.Equal(t, model.StatusFailed, summary.Status)
			assert.Equal(t, model.StatusFailed, f.campaigns.Snapshot(7).Status)
			assert.Empty(t, f.ledger.Entries())
		})
	}
}

func TestDispatcher_CampaignNotFound(t *testing.T) {
	f := newDispatchFixture(t, queuedCampaign(t, model.AllContacts()))

	summary, err := f.d.Run(context.Background(), 404)
	assert.Nil(t, summary)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestDispatcher_ClaimRequiresQueued(t *testing.T) {
	for _, status := range []model.CampaignStatus{model.StatusDraft, model.StatusScheduled, model.StatusSending, model.StatusSent} {
		t.Run(string(status), func(t *testing.T) {
			c := queuedCampaign(t, model.AllContacts())
			c.Status = status
			f := newDispatchFixture(t, c, twoContacts()...)

			summary, err := f.d.Run(context.Background(), 7)
			assert.Nil(t, summary)

			var transition *appErrors.ErrInvalidTransition
			require.ErrorAs(t, err, &transition)
			assert.Equal(t, status, f.campaigns.Snapshot(7).Status)
			assert.Empty(t, f.sender.Sent())
		})
	}
}

func TestDispatcher_ConcurrentRunsSendOnce(t *testing.T) {
	f := newDispatchFixture(t, queuedCampaign(t, model.AllContacts()), twoContacts()...)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if summary, _ := f.d.Run(context.Background(), 7); summary != nil {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, claimed)
	assert.Len(t, f.sender.Sent(), 2)
	assert.Len(t, f.ledger.Entries(), 2)
}

func TestDispatcher_RendersPerRecipient(t *testing.T) {
	f := newDispatchFixture(t, queuedCampaign(t, model.SpecificIDs(2, 1, 2)), twoContacts()...)

	_, err := f.d.Run(context.Background(), 7)
	require.NoError(t, err)

	byRecipient := map[string]mailer.Message{}
	for _, m := range f.sender.Sent() {
		byRecipient[m.To] = m
	}
	require.Len(t, byRecipient, 2)

	ada := byRecipient["ada@example.com"]
	assert.Equal(t, "news@example.com", ada.From)
	assert.Equal(t, "Hello Ada", ada.Subject)
	assert.Equal(t, "<p>Hi Ada Lovelace, your plan is pro.</p>", ada.HTMLBody)
	assert.Equal(t, map[string]string{"campaign_id": "7", "dispatch_run_id": "run-1"}, ada.Tags)

	alan := byRecipient["alan@example.com"]
	assert.Equal(t, "<p>Hi Alan , your plan is .</p>", alan.HTMLBody)
}

func TestDispatcher_SkipsSuppressedContacts(t *testing.T) {
	contacts := twoContacts()
	contacts[1].AllowEmail = false
	f := newDispatchFixture(t, queuedCampaign(t, model.AllContacts()), contacts...)

	summary, err := f.d.Run(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Recipients)
	require.Len(t, f.sender.Sent(), 1)
	assert.Equal(t, "ada@example.com", f.sender.Sent()[0].To)
}

func TestDispatcher_UncompilableTemplateFailsEachRecipient(t *testing.T) {
	f := newDispatchFixture(t, queuedCampaign(t, model.AllContacts()), twoContacts()...)
	f.d.Templates = NewMockTemplateRepo(&model.Template{ID: 10, OwnerID: 1, Subject: "Hi {{first_name", BodyHTML: "<p></p>"})

	summary, err := f.d.Run(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, summary.Status)
	assert.Len(t, f.ledger.ByType(model.EventFailedToSend), 2)
	assert.Empty(t, f.sender.Sent())
}

func TestDispatcher_RecipientPanicIsIsolated(t *testing.T) {
	f := newDispatchFixture(t, queuedCampaign(t, model.AllContacts()), twoContacts()...)
	f.sender.Panics = map[string]bool{"alan@example.com": true}

	summary, err := f.d.Run(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSentWithErrors, summary.Status)

	failed := f.ledger.ByType(model.EventFailedToSend)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].ContactID)
}

func TestDispatcher_LedgerWriteFailureDoesNotAbortRun(t *testing.T) {
	f := newDispatchFixture(t, queuedCampaign(t, model.AllContacts()), twoContacts()...)
	f.ledger.RecordErr = errors.New("connection reset by peer")

	summary, err := f.d.Run(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, summary.Status)
	assert.Len(t, f.sender.Sent(), 2)
}

func TestDispatcher_RerunIsAFreshLayer(t *testing.T) {
	f := newDispatchFixture(t, queuedCampaign(t, model.AllContacts()), twoContacts()...)
	f.sender.Failures = map[string]error{"ada@example.com": &mailer.ProviderError{Code: "Throttling", Message: "slow down"}}

	_, err := f.d.Run(context.Background(), 7)
	require.NoError(t, err)

	// a manual send-now moves sent_with_errors back to queued
	ok, err := f.campaigns.Queue(context.Background(), 7, model.StatusSentWithErrors)
	require.NoError(t, err)
	require.True(t, ok)

	f.sender.Failures = nil
	f.d.NewRunID = func() string { return "run-2" }
	summary, err := f.d.Run(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, summary.Status)

	entries := f.ledger.Entries()
	require.Len(t, entries, 4)
	assert.Len(t, f.ledger.ByType(model.EventFailedToSendProvider), 1)
	runs := map[string]int{}
	for _, e := range entries {
		runs[*e.DispatchRunID]++
	}
	assert.Equal(t, map[string]int{"run-1": 2, "run-2": 2}, runs)
}

func TestDispatcher_RecordsMetrics(t *testing.T) {
	f := newDispatchFixture(t, queuedCampaign(t, model.AllContacts()), twoContacts()...)
	f.sender.Failures = map[string]error{"ada@example.com": &mailer.ProviderError{Code: "MessageRejected", Message: "no"}}

	_, err := f.d.Run(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DispatchRuns.WithLabelValues("sent_with_errors")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RecipientSends.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RecipientSends.WithLabelValues("failed_to_send_provider")))
}
