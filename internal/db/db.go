// internal/db/db.go
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/config"
)

//go:embed schema.sql
var schema string

//go:embed seed/*.sql
var seeds embed.FS

// Open connects to postgres and verifies the connection.
func Open(ctx context.Context, cfg config.Database, log *zap.Logger) (*sql.DB, error) {
	log.Info("Connecting to database",
		zap.String("host", cfg.Host),
		zap.String("name", cfg.Name),
		zap.String("user", cfg.User))

	conn, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("Connected to database")
	return conn, nil
}

// Migrate applies the idempotent schema.
func Migrate(ctx context.Context, conn *sql.DB) error {
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Seed executes every embedded seed file in name order.
func Seed(ctx context.Context, conn *sql.DB, log *zap.Logger) error {
	files, err := fs.Glob(seeds, "seed/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := seeds.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}
		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to execute %s: %w", file, err)
		}
		log.Info("Seeded", zap.String("file", file))
	}
	return nil
}
