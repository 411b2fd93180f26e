// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/cache"
	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/controller"
	"github.com/unclebandit/campaign-mailer/internal/db"
	"github.com/unclebandit/campaign-mailer/internal/handler"
	"github.com/unclebandit/campaign-mailer/internal/logger"
	"github.com/unclebandit/campaign-mailer/internal/mailer"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
	"github.com/unclebandit/campaign-mailer/internal/scheduler"
	"github.com/unclebandit/campaign-mailer/internal/service"
	"github.com/unclebandit/campaign-mailer/internal/webhook"
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
		log.Fatal("❌ Server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
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
			log.Info("✅ Sentry initialized")
			defer sentry.Flush(2 * time.Second)
		}
	}

	conn, err := db.Open(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	m := metrics.New()

	campaignRepo := &repository.CampaignRepository{DB: conn}
	contactRepo := &repository.ContactRepository{DB: conn}
	templateRepo := &repository.TemplateRepository{DB: conn}
	ledgerRepo := &repository.LedgerRepository{DB: conn}

	broker, err := queue.Open(cfg.Queue, log)
	if err != nil {
		return err
	}
	defer broker.Close()

	sender, err := mailer.New(ctx, cfg.Mail, log)
	if err != nil {
		return err
	}

	sched := scheduler.New(cfg.Scheduler.SweepSpec, log)
	campaignService := &service.CampaignService{
		CampaignRepo: campaignRepo,
		ContactRepo:  contactRepo,
		TemplateRepo: templateRepo,
		LedgerRepo:   ledgerRepo,
		Queue:        broker,
		Topic:        cfg.Queue.Name,
		Scheduler:    sched,
		Log:          log,
	}

	// with the amqp driver runs are consumed by cmd/worker
	if cfg.Queue.Driver == config.QueueDriverMemory {
		dispatcher := &service.Dispatcher{
			Campaigns:   campaignRepo,
			Templates:   templateRepo,
			Ledger:      ledgerRepo,
			Resolver:    &service.RecipientResolver{Contacts: contactRepo},
			Sender:      sender,
			From:        cfg.Mail.FromAddress,
			Concurrency: cfg.Mail.Concurrency,
			Metrics:     m,
			Log:         log,
		}
		worker := service.NewWorker(dispatcher, sentry.CurrentHub(), log)
		if err := broker.Subscribe(cfg.Queue.Name, worker.Handle); err != nil {
			return err
		}
	}

	if err := sched.Start(ctx, campaignService); err != nil {
		return err
	}
	defer sched.Stop()

	webhookHandler := &handler.WebhookHandler{
		Auth: webhook.NewAuthenticator(webhook.Config{
			NotificationDomain: cfg.Webhook.NotificationDomain,
			ServicePrefix:      cfg.Webhook.ServicePrefix,
			CertExtension:      cfg.Webhook.CertExtension,
			AllowedTopicARN:    cfg.Webhook.AllowedTopicARN,
		}, webhook.NewCertCache(
			cfg.Webhook.CertCacheSize,
			cfg.Webhook.CertCacheTTL,
			webhook.NewHTTPCertFetcher(cfg.Webhook.CertFetchTimeout),
			m,
		), log),
		Reconciler: &service.Reconciler{
			Ledger:    ledgerRepo,
			Contacts:  contactRepo,
			Confirmer: webhook.NewConfirmer(cfg.Webhook.ConfirmTimeout, cfg.Webhook.NotificationDomain),
			Metrics:   m,
			Log:       log,
		},
		DedupeTTL: cfg.Webhook.DedupeTTL,
		Metrics:   m,
		Log:       log,
	}

	if cfg.RedisURL != "" {
		redisClient, err := cache.NewClient(ctx, cfg.RedisURL, log)
		if err != nil {
			log.Warn("⚠️ Redis unavailable, webhook dedupe disabled", zap.Error(err))
		} else {
			defer redisClient.Close()
			webhookHandler.Dedupe = redisClient
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := conn.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", m.Handler())

	controller.NewCampaignController(campaignService, log).Routes(r)
	r.Get("/campaigns/{id}", handler.NewCampaignHandler(campaignService, log).GetCampaignHandlerWithStats)
	r.Post("/webhooks/ses", webhookHandler.HandleSES)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("🚀 Server running", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("🛑 Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("❌ HTTP shutdown failed", zap.Error(err))
	}

	sched.Stop()
	if cfg.Queue.Driver == config.QueueDriverMemory {
		broker.Wait()
	}
	return nil
}
