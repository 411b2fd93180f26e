// Package scheduler fires scheduled campaign releases. Each schedule arms an
// in-process timer keyed by its revocation token; a cron sweep catches
// campaigns whose timers were lost to a restart.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Releaser moves due campaigns into the dispatch queue.
type Releaser interface {
	ReleaseScheduled(ctx context.Context, campaignID int, token string) error
	ReleaseDue(ctx context.Context, now time.Time) (int, error)
}

type Scheduler struct {
	mu       sync.Mutex
	timers   map[string]*time.Timer
	releaser Releaser
	ctx      context.Context

	cron      *cron.Cron
	sweepSpec string
	log       *zap.Logger
	now       func() time.Time
}

func New(sweepSpec string, log *zap.Logger) *Scheduler {
	return &Scheduler{
		timers:    make(map[string]*time.Timer),
		cron:      cron.New(),
		sweepSpec: sweepSpec,
		log:       log,
		now:       time.Now,
	}
}

// Start registers the sweep job, runs one sweep immediately and starts cron.
// Timers armed before Start fire only once Start has been called.
func (s *Scheduler) Start(ctx context.Context, releaser Releaser) error {
	s.mu.Lock()
	s.releaser = releaser
	s.ctx = ctx
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(s.sweepSpec, func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("invalid sweep spec %q: %w", s.sweepSpec, err)
	}

	s.sweep(ctx)
	s.cron.Start()
	s.log.Info("🕐 Scheduler started", zap.String("sweep", s.sweepSpec))
	return nil
}

// Stop halts the sweeper and every pending timer.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	for token, t := range s.timers {
		t.Stop()
		delete(s.timers, token)
	}
}

// Schedule arms a one-shot trigger for the campaign at the given time.
func (s *Scheduler) Schedule(campaignID int, token string, at time.Time) {
	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[token]; ok {
		old.Stop()
	}
	s.timers[token] = time.AfterFunc(delay, func() { s.fire(campaignID, token) })
	s.log.Debug("Armed schedule trigger",
		zap.Int("campaign_id", campaignID),
		zap.Time("at", at))
}

// Revoke disarms the trigger for token. Unknown tokens are ignored.
func (s *Scheduler) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[token]; ok {
		t.Stop()
		delete(s.timers, token)
	}
}

// Pending reports how many timers are armed.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) fire(campaignID int, token string) {
	s.mu.Lock()
	if _, ok := s.timers[token]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.timers, token)
	releaser, ctx := s.releaser, s.ctx
	s.mu.Unlock()

	if releaser == nil {
		// the sweeper picks it up after Start
		return
	}
	if err := releaser.ReleaseScheduled(ctx, campaignID, token); err != nil {
		s.log.Error("❌ Failed to release scheduled campaign",
			zap.Int("campaign_id", campaignID),
			zap.Error(err))
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	s.mu.Lock()
	releaser := s.releaser
	s.mu.Unlock()
	if releaser == nil {
		return
	}

	released, err := releaser.ReleaseDue(ctx, s.now())
	if err != nil {
		s.log.Error("❌ Schedule sweep failed", zap.Error(err))
		return
	}
	if released > 0 {
		s.log.Info("✅ Released overdue campaigns", zap.Int("count", released))
	}
}
