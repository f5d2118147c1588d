// Package testutil provides store and broker fixtures for tests.
// Postgres and Redis fixtures start throwaway containers and are used by
// tests built with the integration tag.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"durableq/internal/repository"
)

// NewSQLiteRepository returns a repository on a fresh database file in t's temp dir.
func NewSQLiteRepository(t *testing.T, opts ...repository.SQLiteOption) *repository.SQLiteRepository {
	t.Helper()

	repo, err := repository.NewSQLiteRepository(filepath.Join(t.TempDir(), "jobs.db"), opts...)
	if err != nil {
		t.Fatalf("open sqlite repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

// PostgresURL starts a Postgres container with migrations applied and returns its URL.
func PostgresURL(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("durableq_test"),
		tcpostgres.WithUsername("durableq"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := ctr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	url, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	if err := repository.MigratePostgres(url); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return url
}

// NewPostgresRepository opens a repository on a migrated Postgres container.
func NewPostgresRepository(t *testing.T) *repository.PostgresRepository {
	t.Helper()
	return OpenPostgresRepository(t, PostgresURL(t))
}

// OpenPostgresRepository opens an additional pool on url, closed on cleanup.
func OpenPostgresRepository(t *testing.T, url string) *repository.PostgresRepository {
	t.Helper()

	repo, err := repository.NewPostgresRepository(context.Background(), url, 8)
	if err != nil {
		t.Fatalf("open postgres repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

// NewRedisClient starts a Redis container and returns a connected client.
func NewRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	ctr, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := ctr.Terminate(ctx); err != nil {
			t.Logf("terminate redis container: %v", err)
		}
	})

	url, err := ctr.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}

	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	return client
}
