package main

import (
	"context"
	"durableq/internal/app"
	"durableq/internal/config"
	"durableq/internal/logging"
	"durableq/internal/mail"
	"durableq/internal/objectstore"
	"durableq/internal/registry"
	"durableq/internal/render"
	"durableq/internal/service"
	"durableq/internal/tasks"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Fatal().Msgf("failed to execute command, err: %v", err.Error())
	}
}

func rootCmd() *cobra.Command {
	var concurrency int

	var command = &cobra.Command{
		Use:          "worker",
		Short:        "Claim and run queued jobs",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if concurrency > 0 {
				cfg.Worker.Concurrency = concurrency
			}
			return runWorker(cmd.Context(), cfg)
		},
	}

	command.Flags().IntVarP(&concurrency, "concurrency", "c", 0, "Number of executors, overrides WORKER_CONCURRENCY")
	command.AddCommand(migrateCmd())
	return command
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return app.Migrate(cfg.Database)
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runWorker(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	renderer, err := render.New()
	if err != nil {
		return err
	}
	objects, err := objectstore.NewFS(cfg.Objects.Dir)
	if err != nil {
		return err
	}

	burst := max(1, int(math.Ceil(cfg.SMTP.RatePerSecond)))
	mailer := mail.NewThrottled(mail.NewSMTPSender(mail.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		From:     cfg.SMTP.From,
		FromName: cfg.SMTP.FromName,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		TLS:      cfg.SMTP.TLS,
	}), cfg.SMTP.RatePerSecond, burst)

	reg := registry.New()
	handlers := &tasks.Handlers{
		Mailer:   mailer,
		Renderer: renderer,
		Objects:  objects,
		Pusher:   a.Queue,
	}
	handlers.Register(reg)

	dispatcher := service.NewDispatcher(a.Queue, reg, a.Metrics, app.DispatcherConfig(cfg.Worker), a.Notifier)

	log.Info().Str("driver", cfg.Database.Driver).Msg("worker started, polling for jobs")
	if err := dispatcher.Run(ctx); err != nil {
		return fmt.Errorf("worker error: %w", err)
	}

	log.Info().Interface("metrics", a.Metrics.GetSnapshot()).Msg("worker stopped")
	return nil
}
