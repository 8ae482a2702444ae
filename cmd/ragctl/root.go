package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/knoguchi/hybridrag/internal/app"
	"github.com/knoguchi/hybridrag/internal/config"
	"github.com/knoguchi/hybridrag/internal/corpus"
	"github.com/knoguchi/hybridrag/internal/repository/postgres"
	"github.com/knoguchi/hybridrag/internal/repository/sqlite"
)

var (
	// Global flags
	jsonOutput bool
	logLevel   string
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

var rootCmd = &cobra.Command{
	Use:   "ragctl",
	Short: "Operate the hybrid retrieval service",
	Long: `ragctl manages the data behind the retrieval service.

Configuration comes from the same environment variables (and .env file)
as the server: DATABASE_URL, STATS_BACKEND, QDRANT_GRPC_URL, OLLAMA_URL...`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Logs go to stderr so command output stays parseable.
		var l slog.Level
		if err := l.UnmarshalText([]byte(logLevel)); err != nil {
			l = slog.LevelWarn
		}
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(retrieveCmd)
	rootCmd.AddCommand(syncVectorsCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(cacheCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openDB connects to PostgreSQL and applies the schema.
func openDB(ctx context.Context, cfg *config.Config) (*postgres.DB, error) {
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// openStatsStore opens only the configured statistics store.
func openStatsStore(ctx context.Context, cfg *config.Config) (corpus.Store, func(), error) {
	if cfg.StatsBackend == "sqlite" {
		repo, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { repo.Close() }, nil
	}
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return postgres.NewStatsRepo(db), db.Close, nil
}

func buildApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg, app.InstanceID())
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
