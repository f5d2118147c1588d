// Package app wires configuration into the queue's runtime collaborators.
package app

import (
	"context"
	"durableq/internal/backoff"
	"durableq/internal/config"
	"durableq/internal/metrics"
	"durableq/internal/repository"
	"durableq/internal/service"
	"durableq/internal/wakeup"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// App holds the shared pieces both the worker and the API build on
type App struct {
	Repo     repository.JobRepository
	Notifier wakeup.Notifier
	Metrics  *metrics.Metrics
	Queue    *service.Queue

	rdb *redis.Client
}

// New opens the configured store and wake-up channel and builds a Queue over them
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	repo, err := OpenRepository(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	a := &App{
		Repo:     repo,
		Notifier: wakeup.Nop{},
		Metrics:  metrics.NewMetrics(),
	}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			repo.Close()
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		a.rdb = redis.NewClient(opts)
		notifier := wakeup.NewRedis(a.rdb, cfg.Redis.Channel)
		if err := notifier.Connect(ctx); err != nil {
			a.Close()
			return nil, err
		}
		a.Notifier = notifier
	}

	a.Queue = service.NewQueue(repo, QueueConfig(cfg.Queue), a.Metrics, a.Notifier)
	return a, nil
}

// Close releases the store and the redis client
func (a *App) Close() {
	if err := a.Repo.Close(); err != nil {
		log.Error().Err(err).Msg("error closing repository")
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			log.Error().Err(err).Msg("error closing redis client")
		}
	}
}

// OpenRepository opens the job store selected by cfg.Driver, migrating it first when asked to
func OpenRepository(ctx context.Context, cfg config.Database) (repository.JobRepository, error) {
	switch cfg.Driver {
	case "sqlite":
		// The SQLite store always migrates on open.
		repo, err := repository.NewSQLiteRepository(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize repository: %w", err)
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("using sqlite job store")
		return repo, nil
	case "postgres":
		if cfg.AutoMigrate {
			if err := repository.MigratePostgres(cfg.URL); err != nil {
				return nil, err
			}
		}
		repo, err := repository.NewPostgresRepository(ctx, cfg.URL, cfg.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize repository: %w", err)
		}
		log.Info().Int32("max_conns", cfg.MaxConns).Msg("using postgres job store")
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// Migrate applies schema migrations without opening a long-lived store
func Migrate(cfg config.Database) error {
	switch cfg.Driver {
	case "sqlite":
		return repository.MigrateSQLite(cfg.SQLitePath)
	case "postgres":
		return repository.MigratePostgres(cfg.URL)
	default:
		return fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// QueueConfig maps the queue settings onto service.QueueConfig
func QueueConfig(cfg config.Queue) service.QueueConfig {
	return service.QueueConfig{
		Lease:       cfg.Lease,
		MaxFailures: cfg.MaxFailures,
		Backoff:     backoff.ExponentialWithJitter{Initial: cfg.RetryBase, Max: cfg.RetryMax},
	}
}

// DispatcherConfig maps the worker settings onto service.DispatcherConfig
func DispatcherConfig(cfg config.Worker) service.DispatcherConfig {
	return service.DispatcherConfig{
		Concurrency:     cfg.Concurrency,
		BatchSize:       cfg.BatchSize,
		PollInterval:    cfg.PollInterval,
		ErrorBackoff:    cfg.ErrorBackoff,
		HandlerTimeout:  cfg.HandlerTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
}
