// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

// dueBatchSize caps how many overdue campaigns one sweep releases.
const dueBatchSize = 100

// ScheduleTrigger arms and revokes timed releases.
type ScheduleTrigger interface {
	Schedule(campaignID int, token string, at time.Time)
	Revoke(token string)
}

// CampaignService implements the campaign control actions and read models.
// It never runs a dispatch itself; it only queues one.
type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	ContactRepo  repository.ContactRepositoryInterface
	TemplateRepo repository.TemplateRepositoryInterface
	LedgerRepo   repository.LedgerRepositoryInterface
	Queue        queue.Queue
	Topic        string
	Scheduler    ScheduleTrigger
	Log          *zap.Logger

	Now      func() time.Time
	NewToken func() string
}

// CampaignStats are distinct-contact totals and percentages on sent.
type CampaignStats struct {
	CampaignID         int     `json:"campaign_id"`
	CampaignName       string  `json:"campaign_name"`
	TotalSent          int     `json:"total_sent"`
	TotalDelivered     int     `json:"total_delivered"`
	TotalOpened        int     `json:"total_opened"`
	TotalClicked       int     `json:"total_clicked"`
	TotalBounced       int     `json:"total_bounced"`
	DeliveryRateOnSent float64 `json:"delivery_rate_on_sent"`
	OpenRateOnSent     float64 `json:"open_rate_on_sent"`
	ClickRateOnSent    float64 `json:"click_rate_on_sent"`
	ClickRateOnOpened  float64 `json:"click_rate_on_opened"`
	BounceRateOnSent   float64 `json:"bounce_rate_on_sent"`
	Message            string  `json:"message,omitempty"`
}

type CampaignDetails struct {
	*model.Campaign
	Stats map[model.EventType]int `json:"stats"`
}

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *CampaignService) newToken() string {
	if s.NewToken != nil {
		return s.NewToken()
	}
	return uuid.NewString()
}

func (s *CampaignService) enqueue(ctx context.Context, campaignID int) error {
	topic := s.Topic
	if topic == "" {
		topic = queue.TopicCampaignDispatch
	}
	return s.Queue.Publish(ctx, topic, queue.DispatchJob{CampaignID: campaignID})
}

func (s *CampaignService) revoke(token *string) {
	if s.Scheduler != nil && token != nil {
		s.Scheduler.Revoke(*token)
	}
}

func (s *CampaignService) arm(campaignID int, token string, at time.Time) {
	if s.Scheduler != nil {
		s.Scheduler.Schedule(campaignID, token, at)
	}
}

// ====================== Control actions ======================

// SendNow queues a dispatch run and returns without waiting for it.
func (s *CampaignService) SendNow(ctx context.Context, campaignID int) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	if !c.Status.In(model.StatusDraft, model.StatusFailed, model.StatusSentWithErrors, model.StatusScheduled) {
		return nil, appErrors.NewInvalidTransition(campaignID, string(c.Status), "be sent now")
	}
	if c.TemplateID == nil {
		return nil, appErrors.ErrMissingTemplate
	}

	ok, err := s.CampaignRepo.Queue(ctx, campaignID, c.Status)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, appErrors.NewInvalidTransition(campaignID, string(c.Status), "be sent now")
	}
	s.revoke(c.ScheduleToken)

	if err := s.enqueue(ctx, campaignID); err != nil {
		s.restore(ctx, c)
		return nil, fmt.Errorf("failed to enqueue dispatch: %w", err)
	}

	s.Log.Info("📨 Campaign queued", zap.Int("campaign_id", campaignID), zap.String("from", string(c.Status)))

	queued := *c
	queued.Status = model.StatusQueued
	queued.ScheduledAt = nil
	queued.ScheduleToken = nil
	return &queued, nil
}

// restore puts a campaign back where it was before a failed enqueue.
func (s *CampaignService) restore(ctx context.Context, prior *model.Campaign) {
	ctx = context.WithoutCancel(ctx)

	var (
		ok  bool
		err error
	)
	if prior.Status == model.StatusScheduled && prior.ScheduledAt != nil {
		token := s.newToken()
		ok, err = s.CampaignRepo.Schedule(ctx, prior.ID, model.StatusQueued, *prior.ScheduledAt, token)
		if ok {
			s.arm(prior.ID, token, *prior.ScheduledAt)
		}
	} else {
		ok, err = s.CampaignRepo.CompareAndSetStatus(ctx, prior.ID, model.StatusQueued, prior.Status)
	}

	if err != nil || !ok {
		s.Log.Error("❌ Failed to restore campaign status after enqueue failure",
			zap.Int("campaign_id", prior.ID),
			zap.String("status", string(prior.Status)),
			zap.Error(err))
	}
}

// Schedule arranges for a dispatch at the given future time.
func (s *CampaignService) Schedule(ctx context.Context, campaignID int, at time.Time) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	if !c.Status.In(model.StatusDraft, model.StatusFailed) {
		return nil, appErrors.NewInvalidTransition(campaignID, string(c.Status), "be scheduled")
	}
	if c.TemplateID == nil {
		return nil, appErrors.ErrMissingTemplate
	}
	if !at.After(s.now()) {
		return nil, appErrors.ErrInvalidSchedule
	}

	at = at.UTC()
	token := s.newToken()
	ok, err := s.CampaignRepo.Schedule(ctx, campaignID, c.Status, at, token)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, appErrors.NewInvalidTransition(campaignID, string(c.Status), "be scheduled")
	}
	s.arm(campaignID, token, at)

	s.Log.Info("🗓️ Campaign scheduled", zap.Int("campaign_id", campaignID), zap.Time("scheduled_at", at))

	scheduled := *c
	scheduled.Status = model.StatusScheduled
	scheduled.ScheduledAt = &at
	scheduled.ScheduleToken = &token
	return &scheduled, nil
}

// CancelSchedule reverts a scheduled campaign to draft and revokes its trigger.
func (s *CampaignService) CancelSchedule(ctx context.Context, campaignID int) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	if c.Status != model.StatusScheduled {
		return nil, appErrors.NewInvalidTransition(campaignID, string(c.Status), "cancel its schedule")
	}

	ok, err := s.CampaignRepo.CancelSchedule(ctx, campaignID, c.ScheduleToken)
	if err != nil {
		return nil, err
	}
	if !ok {
		// released or rescheduled since we read it
		return nil, appErrors.NewInvalidTransition(campaignID, string(c.Status), "cancel its schedule")
	}
	s.revoke(c.ScheduleToken)

	s.Log.Info("🛑 Campaign schedule cancelled", zap.Int("campaign_id", campaignID))

	draft := *c
	draft.Status = model.StatusDraft
	draft.ScheduledAt = nil
	draft.ScheduleToken = nil
	return &draft, nil
}

// ====================== Scheduled releases ======================

// ReleaseScheduled is the timer callback. A stale token is a no-op.
func (s *CampaignService) ReleaseScheduled(ctx context.Context, campaignID int, token string) error {
	_, err := s.release(ctx, campaignID, &token)
	return err
}

// ReleaseDue queues every scheduled campaign whose time has passed.
func (s *CampaignService) ReleaseDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.CampaignRepo.ListDueScheduled(ctx, now, dueBatchSize)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, c := range due {
		ok, err := s.release(ctx, c.ID, c.ScheduleToken)
		if err != nil {
			s.Log.Error("❌ Failed to release overdue campaign", zap.Int("campaign_id", c.ID), zap.Error(err))
			continue
		}
		if ok {
			s.revoke(c.ScheduleToken)
			released++
		}
	}
	return released, nil
}

func (s *CampaignService) release(ctx context.Context, campaignID int, token *string) (bool, error) {
	ok, err := s.CampaignRepo.ReleaseScheduled(ctx, campaignID, token)
	if err != nil {
		return false, err
	}
	if !ok {
		s.Log.Debug("Schedule trigger no longer current", zap.Int("campaign_id", campaignID))
		return false, nil
	}

	if err := s.enqueue(ctx, campaignID); err != nil {
		// back to scheduled without a token; the sweeper retries it
		if _, rerr := s.CampaignRepo.CompareAndSetStatus(context.WithoutCancel(ctx), campaignID, model.StatusQueued, model.StatusScheduled); rerr != nil {
			s.Log.Error("❌ Failed to restore scheduled status", zap.Int("campaign_id", campaignID), zap.Error(rerr))
		}
		return false, fmt.Errorf("failed to enqueue dispatch: %w", err)
	}

	s.Log.Info("📨 Scheduled campaign released", zap.Int("campaign_id", campaignID))
	return true, nil
}

// ====================== Read models ======================

func (s *CampaignService) GetCampaignDetails(ctx context.Context, campaignID int) (*CampaignDetails, error) {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	counts, err := s.LedgerRepo.CountContactsByEvent(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return &CampaignDetails{Campaign: c, Stats: counts}, nil
}

func (s *CampaignService) Stats(ctx context.Context, campaignID int) (*CampaignStats, error) {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	counts, err := s.LedgerRepo.CountContactsByEvent(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	stats := &CampaignStats{
		CampaignID:     c.ID,
		CampaignName:   c.Name,
		TotalSent:      counts[model.EventSent],
		TotalDelivered: counts[model.EventDelivered],
		TotalOpened:    counts[model.EventOpened],
		TotalClicked:   counts[model.EventClicked],
		TotalBounced:   counts[model.EventBounced],
	}
	if stats.TotalSent == 0 {
		stats.Message = "No emails recorded as sent for this campaign."
		return stats, nil
	}

	stats.DeliveryRateOnSent = percent(stats.TotalDelivered, stats.TotalSent)
	stats.OpenRateOnSent = percent(stats.TotalOpened, stats.TotalSent)
	stats.ClickRateOnSent = percent(stats.TotalClicked, stats.TotalSent)
	stats.ClickRateOnOpened = percent(stats.TotalClicked, stats.TotalOpened)
	stats.BounceRateOnSent = percent(stats.TotalBounced, stats.TotalSent)
	return stats, nil
}

func percent(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(whole)*100*100) / 100
}

// RenderPreview renders the campaign's template for one of the owner's contacts.
func (s *CampaignService) RenderPreview(ctx context.Context, campaignID, contactID int) (*RenderedMessage, error) {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.TemplateID == nil {
		return nil, appErrors.ErrMissingTemplate
	}

	contact, err := s.ContactRepo.GetByID(ctx, contactID)
	if err != nil {
		return nil, err
	}
	if contact.OwnerID != c.OwnerID {
		return nil, appErrors.NewContactNotFound(contactID)
	}

	tpl, err := s.TemplateRepo.GetByID(ctx, *c.TemplateID)
	if err != nil {
		return nil, err
	}

	renderer, err := CompileTemplate(tpl)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", appErrors.ErrInvalidTemplate, err)
	}
	msg, err := renderer.Render(NewRecipientContext(*contact))
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
