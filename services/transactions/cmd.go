package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "transactions",
		Short:         "Rental and purchase lifecycle service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSweepCmd())
	rootCmd.AddCommand(newMigrateCmd())
	return rootCmd
}

// withApplication carrega a configuração e monta a aplicação para um subcomando
func withApplication(run func(ctx context.Context, app *application) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app, err := buildApplication(ctx, cfg, logger)
		if err != nil {
			logger.Error("❌ Failed to initialize application", zap.Error(err))
			return err
		}
		defer app.Close(context.Background())

		return run(ctx, app)
	}
}

func loadRuntime() (Config, *zap.Logger, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return Config{}, nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return Config{}, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger.With(zap.String("service", cfg.ServiceName)), nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the periodic sweeper",
		RunE: withApplication(func(ctx context.Context, app *application) error {
			return app.serve(ctx)
		}),
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run a single sweep tick and exit",
		RunE: withApplication(func(ctx context.Context, app *application) error {
			report, ran, err := app.scheduler.RunOnce(ctx)
			if err != nil {
				return err
			}
			if !ran {
				return nil
			}
			for _, task := range report.Tasks {
				fmt.Fprintf(os.Stdout, "%-30s affected=%d duration=%s", task.Name, task.Affected, task.Duration)
				if task.Err != nil {
					fmt.Fprintf(os.Stdout, " error=%v", task.Err)
				}
				fmt.Fprintln(os.Stdout)
			}
			if report.Aborted {
				return fmt.Errorf("sweep tick aborted")
			}
			return nil
		}),
	}
}

func newMigrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return runMigrations(cfg.DatabaseURL(), logger)
		},
	})

	var steps int
	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return rollbackMigrations(cfg.DatabaseURL(), steps, logger)
		},
	}
	downCmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back, 0 rolls back all")
	migrateCmd.AddCommand(downCmd)

	return migrateCmd
}
