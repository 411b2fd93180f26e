package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/queue"
)

// CampaignRunner executes one dispatch run.
type CampaignRunner interface {
	Run(ctx context.Context, campaignID int) (*RunSummary, error)
}

// ErrorReporter forwards unexpected failures to an error monitor.
// *sentry.Hub satisfies it.
type ErrorReporter interface {
	CaptureException(err error) *sentry.EventID
}

// Worker consumes dispatch jobs from the queue.
type Worker struct {
	Runner   CampaignRunner
	Reporter ErrorReporter
	Log      *zap.Logger
}

func NewWorker(runner CampaignRunner, reporter ErrorReporter, log *zap.Logger) *Worker {
	return &Worker{Runner: runner, Reporter: reporter, Log: log}
}

// Handle is a queue.Handler for queue.TopicCampaignDispatch.
//
// Once a run has claimed the campaign it always reaches a terminal status, so
// any error it returns is permanent. Errors before the claim are retried
// unless they are input errors or a missing campaign.
func (w *Worker) Handle(ctx context.Context, body []byte) error {
	var job queue.DispatchJob
	if err := json.Unmarshal(body, &job); err != nil {
		w.Log.Error("❌ Invalid dispatch job", zap.ByteString("body", body), zap.Error(err))
		return queue.Permanent(fmt.Errorf("invalid dispatch job: %w", err))
	}

	log := w.Log.With(zap.Int("campaign_id", job.CampaignID))
	summary, err := w.Runner.Run(ctx, job.CampaignID)
	if err == nil {
		log.Info("✅ Dispatch job done",
			zap.String("run_id", summary.RunID),
			zap.String("status", string(summary.Status)))
		return nil
	}

	switch {
	case summary != nil:
		if !appErrors.IsInputError(err) {
			w.report(err)
		}
		log.Error("❌ Dispatch run failed",
			zap.String("run_id", summary.RunID),
			zap.String("status", string(summary.Status)),
			zap.Error(err))
		return queue.Permanent(err)
	case appErrors.IsNotFound(err), appErrors.IsInputError(err):
		log.Warn("⚠️ Dispatch job skipped", zap.Error(err))
		return queue.Permanent(err)
	default:
		w.report(err)
		return err
	}
}

func (w *Worker) report(err error) {
	if w.Reporter != nil {
		w.Reporter.CaptureException(err)
	}
}
