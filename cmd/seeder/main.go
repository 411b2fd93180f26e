// cmd/seeder/main.go
package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/db"
	"github.com/unclebandit/campaign-mailer/internal/logger"
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

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("❌ Database unavailable", zap.Error(err))
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn); err != nil {
		log.Fatal("❌ Migration failed", zap.Error(err))
	}
	if err := db.Seed(ctx, conn, log); err != nil {
		log.Fatal("❌ Seeding failed", zap.Error(err))
	}
	log.Info("✅ Database seeding completed successfully")
}
