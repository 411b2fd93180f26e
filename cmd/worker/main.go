// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/db"
	"github.com/unclebandit/campaign-mailer/internal/logger"
	"github.com/unclebandit/campaign-mailer/internal/mailer"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
	"github.com/unclebandit/campaign-mailer/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.ServiceEnvironment)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("❌ Worker stopped", zap.Error(err))
	}
}

// checkDriver rejects the in-memory queue, whose jobs never leave the
// publishing server process.
func checkDriver(cfg config.Queue) error {
	if cfg.Driver != config.QueueDriverAMQP {
		return fmt.Errorf("worker requires QUEUE_DRIVER=%s, got %q", config.QueueDriverAMQP, cfg.Driver)
	}
	return nil
}

type pinger interface {
	PingContext(ctx context.Context) error
}

// opsRouter serves the worker's health check and dispatch metrics.
func opsRouter(m *metrics.Metrics, db pinger) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", m.Handler())
	return r
}

func run(cfg *config.Config, log *zap.Logger) error {
	if err := checkDriver(cfg.Queue); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.ServiceEnvironment,
			AttachStacktrace: true,
		}); err != nil {
			log.Warn("⚠️ Failed to initialize Sentry", zap.Error(err))
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	conn, err := db.Open(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	sender, err := mailer.New(ctx, cfg.Mail, log)
	if err != nil {
		return err
	}

	m := metrics.New()
	ops := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           opsRouter(m, conn),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("📈 Metrics listener running", zap.String("addr", ops.Addr))
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("❌ Metrics listener stopped", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ops.Shutdown(shutdownCtx)
	}()

	dispatcher := &service.Dispatcher{
		Campaigns:   &repository.CampaignRepository{DB: conn},
		Templates:   &repository.TemplateRepository{DB: conn},
		Ledger:      &repository.LedgerRepository{DB: conn},
		Resolver:    &service.RecipientResolver{Contacts: &repository.ContactRepository{DB: conn}},
		Sender:      sender,
		From:        cfg.Mail.FromAddress,
		Concurrency: cfg.Mail.Concurrency,
		Metrics:     m,
		Log:         log,
	}

	broker, err := queue.Open(cfg.Queue, log)
	if err != nil {
		return err
	}

	worker := service.NewWorker(dispatcher, sentry.CurrentHub(), log)
	if err := broker.Subscribe(cfg.Queue.Name, worker.Handle); err != nil {
		broker.Close()
		return err
	}
	log.Info("👷 Worker running, waiting for dispatch jobs", zap.String("queue", cfg.Queue.Name))

	<-ctx.Done()
	log.Info("🛑 Shutting down worker")

	// closing the channel ends the consumer loop after the current delivery
	err = broker.Close()
	broker.Wait()
	return err
}
