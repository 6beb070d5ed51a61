package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Eyemetric/gate_service/internal/config"
	"github.com/Eyemetric/gate_service/internal/db"
	"github.com/Eyemetric/gate_service/internal/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "gate-service",
	Short: "Gate coordinator for the parking entry/exit stations",
	Long: `gate-service correlates face and plate captures into crossings,
verifies them against the OCR and face matching services, keeps the
parking slot counter and drives the gate.

Examples:
  gate-service serve --config gate.toml
  gate-service migrate up`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator, HTTP API and TCP ingress",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app, err := initApp(ctx, cfg)
		if err != nil {
			return err
		}
		return app.Run(ctx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the Postgres schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPool(cmd.Context(), func(m migrator) error {
			if err := m.up(); err != nil {
				return err
			}
			logger.Logger.Infow("migrations applied")
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPool(cmd.Context(), func(m migrator) error {
			return m.down()
		})
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPool(cmd.Context(), func(m migrator) error {
			v, dirty, err := m.version()
			if err != nil {
				return err
			}
			fmt.Printf("version %d (dirty=%t)\n", v, dirty)
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (toml, yaml or json)")

	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Initialize(cfg.Log.JSON, cfg.Log.Level); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

type migrator struct {
	up      func() error
	down    func() error
	version func() (uint, bool, error)
}

func withPool(ctx context.Context, fn func(migrator) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := db.Open(ctx, cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(migrator{
		up:      func() error { return db.MigrateUp(pool) },
		down:    func() error { return db.MigrateDown(pool) },
		version: func() (uint, bool, error) { return db.MigrateVersion(pool) },
	})
}

func main() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
