package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/frolleks/edgewire/internal/config"
	"github.com/frolleks/edgewire/internal/store"
)

// SetupTestStore starts a PostgreSQL container, runs migrations and returns
// a connected store.
//
// Usage:
//
//	s, cleanup, err := testutil.SetupTestStore(ctx)
//	require.NoError(t, err)
//	defer cleanup()
func SetupTestStore(ctx context.Context) (*store.Store, func(), error) {
	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	host, err := pgContainer.Host(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get container host: %w", err)
	}

	mappedPort, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get mapped port: %w", err)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	cfg := &config.DatabaseConfig{
		Host:         host,
		Port:         mappedPort.Port(),
		User:         "testuser",
		Password:     "testpass",
		Name:         "testdb",
		SSLMode:      "disable",
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	s, err := store.New(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := s.RunMigrations(); err != nil {
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	cleanup := func() {
		if err := s.Close(); err != nil {
			logger.Error("failed to close store", zap.Error(err))
		}
		if err := pgContainer.Terminate(ctx); err != nil {
			logger.Error("failed to terminate container", zap.Error(err))
		}
	}

	return s, cleanup, nil
}

// TruncateTables removes all data from all tables except schema_migrations.
// Useful for cleaning up between tests without recreating the container.
func TruncateTables(ctx context.Context, s *store.Store) error {
	tables := []string{
		"presence_preferences",
		"notification_settings",
		"channel_overwrites",
		"channel_recipients",
		"channels",
		"member_roles",
		"guild_members",
		"roles",
		"guilds",
		"users",
	}

	for _, table := range tables {
		if _, err := s.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			return fmt.Errorf("failed to truncate table %s: %w", table, err)
		}
	}

	return nil
}
