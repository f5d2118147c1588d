package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Database Database
	Worker   Worker
	Queue    Queue
	Redis    Redis
	SMTP     SMTP
	Objects  Objects
	API      API
	Log      Log
}

type Database struct {
	Driver      string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	URL         string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"jobs.db"`
	MaxConns    int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`
}

type Worker struct {
	Concurrency     int           `env:"WORKER_CONCURRENCY" envDefault:"8"`
	BatchSize       int           `env:"WORKER_BATCH_SIZE" envDefault:"8"`
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"50ms"`
	ErrorBackoff    time.Duration `env:"ERROR_BACKOFF" envDefault:"500ms"`
	HandlerTimeout  time.Duration `env:"HANDLER_TIMEOUT" envDefault:"2m"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

type Queue struct {
	Lease       time.Duration `env:"LEASE_DURATION" envDefault:"10m"`
	MaxFailures int           `env:"MAX_FAILURES" envDefault:"5"`
	RetryBase   time.Duration `env:"RETRY_BASE" envDefault:"1s"`
	RetryMax    time.Duration `env:"RETRY_MAX" envDefault:"1h"`
}

type Redis struct {
	// URL enables cross-process wake-ups when set.
	URL     string `env:"REDIS_URL"`
	Channel string `env:"WAKEUP_CHANNEL" envDefault:"durableq:wakeup"`
}

type SMTP struct {
	Host          string  `env:"SMTP_HOST" envDefault:"localhost"`
	Port          int     `env:"SMTP_PORT" envDefault:"1025"`
	From          string  `env:"SMTP_FROM" envDefault:"no-reply@localhost"`
	FromName      string  `env:"SMTP_FROM_NAME"`
	Username      string  `env:"SMTP_USERNAME"`
	Password      string  `env:"SMTP_PASSWORD"`
	TLS           bool    `env:"SMTP_TLS" envDefault:"false"`
	RatePerSecond float64 `env:"MAIL_RATE_PER_SECOND" envDefault:"10"`
}

type Objects struct {
	Dir string `env:"OBJECT_STORE_DIR" envDefault:"objects"`
}

type API struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads an optional .env file, then the process environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings the queue cannot run safely with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown DATABASE_DRIVER %q", c.Database.Driver)
	}

	if c.Worker.Concurrency < 1 {
		return errors.New("WORKER_CONCURRENCY must be at least 1")
	}
	if c.Worker.BatchSize < 1 {
		return errors.New("WORKER_BATCH_SIZE must be at least 1")
	}
	if c.Queue.MaxFailures < 1 {
		return errors.New("MAX_FAILURES must be at least 1")
	}
	// A lease shorter than a slow handler would let a second worker pick the job up mid-run.
	if c.Queue.Lease <= 2*c.Worker.HandlerTimeout {
		return fmt.Errorf("LEASE_DURATION (%s) must exceed twice HANDLER_TIMEOUT (%s)", c.Queue.Lease, c.Worker.HandlerTimeout)
	}
	if c.SMTP.RatePerSecond <= 0 {
		return errors.New("MAIL_RATE_PER_SECOND must be positive")
	}
	return nil
}
