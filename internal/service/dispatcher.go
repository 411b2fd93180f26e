package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/mailer"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

// RunSummary is the outcome of one dispatch run.
type RunSummary struct {
	CampaignID int                  `json:"campaign_id"`
	RunID      string               `json:"run_id"`
	Recipients int                  `json:"recipients"`
	Succeeded  int                  `json:"succeeded"`
	Failed     int                  `json:"failed"`
	Status     model.CampaignStatus `json:"status"`
}

// recipientResult is the per-recipient outcome: either a provider message id
// or an error classified into a failure event type.
type recipientResult struct {
	contactID int
	eventType model.EventType
	messageID string
	subject   string
	err       error
}

func (r recipientResult) succeeded() bool {
	return r.eventType == model.EventSent
}

// Dispatcher executes dispatch runs.
type Dispatcher struct {
	Campaigns   repository.CampaignRepositoryInterface
	Templates   repository.TemplateRepositoryInterface
	Ledger      repository.LedgerRepositoryInterface
	Resolver    *RecipientResolver
	Sender      mailer.Sender
	From        string
	Concurrency int
	Metrics     *metrics.Metrics
	Log         *zap.Logger

	Now      func() time.Time
	NewRunID func() string
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d *Dispatcher) newRunID() string {
	if d.NewRunID != nil {
		return d.NewRunID()
	}
	return uuid.NewString()
}

// Run sends the campaign to every resolved recipient.
//
// A missing campaign or a lost claim returns a nil summary and leaves the row
// untouched. Once the campaign is claimed the summary is always non-nil and
// the campaign ends in a terminal status, even when an error is returned.
func (d *Dispatcher) Run(ctx context.Context, campaignID int) (summary *RunSummary, err error) {
	campaign, err := d.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	claimed, err := d.Campaigns.ClaimForSending(ctx, campaignID, d.now())
	if err != nil {
		return nil, fmt.Errorf("failed to claim campaign %d: %w", campaignID, err)
	}
	if !claimed {
		return nil, appErrors.NewInvalidTransition(campaignID, string(campaign.Status), "start a dispatch run")
	}

	summary = &RunSummary{CampaignID: campaignID, RunID: d.newRunID(), Status: model.StatusFailed}
	log := d.Log.With(zap.Int("campaign_id", campaignID), zap.String("run_id", summary.RunID))
	log.Info("📤 Dispatch run started")

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("dispatch run panicked: %v", rec)
			summary.Status = model.StatusFailed
			d.finish(ctx, log, summary)
		}
	}()

	if err := d.send(ctx, log, campaign, summary); err != nil {
		summary.Status = model.StatusFailed
		d.finish(ctx, log, summary)
		return summary, err
	}

	d.finish(ctx, log, summary)
	return summary, nil
}

func (d *Dispatcher) send(ctx context.Context, log *zap.Logger, campaign *model.Campaign, summary *RunSummary) error {
	if campaign.TemplateID == nil {
		log.Warn("⚠️ Campaign has no template")
		return appErrors.ErrMissingTemplate
	}
	tpl, err := d.Templates.GetByID(ctx, *campaign.TemplateID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			log.Warn("⚠️ Campaign template is gone", zap.Error(err))
			return fmt.Errorf("%w: %v", appErrors.ErrMissingTemplate, err)
		}
		return fmt.Errorf("failed to load template: %w", err)
	}

	recipients, err := d.Resolver.Resolve(ctx, campaign)
	if err != nil {
		log.Warn("⚠️ Recipient resolution failed", zap.Error(err))
		return err
	}
	summary.Recipients = len(recipients)

	// a template that does not compile fails every recipient individually
	renderer, compileErr := CompileTemplate(tpl)
	if compileErr != nil {
		log.Warn("⚠️ Template does not compile", zap.Error(compileErr))
	}

	results := make([]recipientResult, len(recipients))
	var g errgroup.Group
	g.SetLimit(max(1, d.Concurrency))
	for i, contact := range recipients {
		g.Go(func() error {
			results[i] = d.sendOne(ctx, campaign, summary.RunID, contact, renderer, compileErr)
			d.record(ctx, log, campaign.ID, summary.RunID, results[i])
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		d.Metrics.RecipientSend(string(r.eventType))
		if r.succeeded() {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}
	summary.Status = terminalStatus(summary.Succeeded, summary.Failed)
	return nil
}

func terminalStatus(succeeded, failed int) model.CampaignStatus {
	switch {
	case succeeded > 0 && failed > 0:
		return model.StatusSentWithErrors
	case succeeded > 0:
		return model.StatusSent
	default:
		return model.StatusFailed
	}
}

func (d *Dispatcher) sendOne(ctx context.Context, campaign *model.Campaign, runID string, contact model.Contact, renderer *TemplateRenderer, compileErr error) (res recipientResult) {
	res = recipientResult{contactID: contact.ID, eventType: model.EventFailedToSend}
	defer func() {
		if rec := recover(); rec != nil {
			res.eventType = model.EventFailedToSend
			res.err = fmt.Errorf("recipient panicked: %v", rec)
		}
	}()

	if compileErr != nil {
		res.err = compileErr
		return res
	}

	msg, err := renderer.Render(NewRecipientContext(contact))
	if err != nil {
		res.err = err
		return res
	}
	res.subject = msg.Subject

	messageID, err := d.Sender.Send(ctx, mailer.Message{
		From:     d.From,
		To:       contact.Email,
		Subject:  msg.Subject,
		HTMLBody: msg.HTMLBody,
		Tags: map[string]string{
			"campaign_id":     strconv.Itoa(campaign.ID),
			"dispatch_run_id": runID,
		},
	})
	if err != nil {
		if _, ok := mailer.AsProviderError(err); ok {
			res.eventType = model.EventFailedToSendProvider
		}
		res.err = err
		return res
	}

	res.eventType = model.EventSent
	res.messageID = messageID
	return res
}

// record writes the attempt to the ledger. A failed write is logged; the
// recipient's tally follows the send outcome.
func (d *Dispatcher) record(ctx context.Context, log *zap.Logger, campaignID int, runID string, r recipientResult) {
	entry := &model.LedgerEntry{
		CampaignID:     campaignID,
		ContactID:      r.contactID,
		EventType:      r.eventType,
		EventTimestamp: d.now(),
		Details:        attemptDetails(r),
		DispatchRunID:  &runID,
	}
	if r.messageID != "" {
		entry.ProviderMessageID = &r.messageID
	}

	if r.err != nil {
		log.Warn("⚠️ Send failed",
			zap.Int("contact_id", r.contactID),
			zap.String("event_type", string(r.eventType)),
			zap.Error(r.err))
	}

	if err := d.Ledger.RecordAttempt(context.WithoutCancel(ctx), entry); err != nil {
		log.Error("❌ Failed to record ledger entry",
			zap.Int("contact_id", r.contactID),
			zap.String("event_type", string(r.eventType)),
			zap.Error(err))
	}
}

func attemptDetails(r recipientResult) json.RawMessage {
	details := map[string]string{}
	if r.subject != "" {
		details["subject"] = r.subject
	}
	if r.err != nil {
		details["error"] = r.err.Error()
		var perr *mailer.ProviderError
		if errors.As(r.err, &perr) {
			details["error"] = perr.Message
			details["code"] = perr.Code
		}
	}
	raw, _ := json.Marshal(details)
	return raw
}

// finish writes the terminal status. It only applies while the row is still
// in sending.
func (d *Dispatcher) finish(ctx context.Context, log *zap.Logger, summary *RunSummary) {
	ok, err := d.Campaigns.FinishRun(context.WithoutCancel(ctx), summary.CampaignID, summary.Status)
	switch {
	case err != nil:
		log.Error("❌ Failed to write terminal status", zap.String("status", string(summary.Status)), zap.Error(err))
	case !ok:
		log.Warn("⚠️ Campaign left sending before the run finished", zap.String("status", string(summary.Status)))
	default:
		log.Info("✅ Dispatch run finished",
			zap.String("status", string(summary.Status)),
			zap.Int("recipients", summary.Recipients),
			zap.Int("succeeded", summary.Succeeded),
			zap.Int("failed", summary.Failed))
	}
	d.Metrics.DispatchRun(string(summary.Status))
}
