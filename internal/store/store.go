// Package store persists the engine's durable state in PostgreSQL: users,
// guilds, roles, channels, notification settings and presence preferences.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"github.com/frolleks/edgewire/internal/config"
)

// Store wraps the database connection
type Store struct {
	*sql.DB
	logger *zap.Logger
}

// New creates a new database connection with connection pooling
func New(cfg *config.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	// Build connection string
	dsn := cfg.GetDSN()

	// Open database connection
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// Configure connection pool
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// The database may still be starting up when we are; retry the first
	// ping with exponential backoff before giving up.
	ping := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return sqlDB.PingContext(ctx)
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second

	err = backoff.RetryNotify(ping, policy, func(err error, next time.Duration) {
		logger.Warn("database not reachable yet, retrying",
			zap.Error(err),
			zap.Duration("next_attempt_in", next),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("host", cfg.Host),
		zap.String("port", cfg.Port),
		zap.String("database", cfg.Name),
	)

	return &Store{
		DB:     sqlDB,
		logger: logger,
	}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	s.logger.Info("closing database connection")
	return s.DB.Close()
}

// Health checks the database health
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}
