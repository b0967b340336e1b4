// Package main provides the docpipe CLI entrypoint.
package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/spherical-ai/docpipe/internal/cache"
	"github.com/spherical-ai/docpipe/internal/config"
	"github.com/spherical-ai/docpipe/internal/coverage"
	"github.com/spherical-ai/docpipe/internal/locator"
	"github.com/spherical-ai/docpipe/internal/notify"
	"github.com/spherical-ai/docpipe/internal/observability"
	"github.com/spherical-ai/docpipe/internal/outputs"
	"github.com/spherical-ai/docpipe/internal/storage"
)

var (
	// Global flags
	cfgFile    string
	outputJSON bool
	noColor    bool

	// Configuration and logger
	cfg    *config.Config
	logger *observability.Logger
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "docpipe",
	Short: "Document pipeline CLI for requesting outputs and operating the job queue",
	Long: `docpipe manages the document processing pipeline from the command line.

Use this tool to:
- Request derived outputs (summaries, deep explanations) for a document
- Inspect extraction coverage and output status
- Locate the page where a topic is discussed
- List, inspect, and retry jobs
- Re-request outputs for a whole owner after a prompt or pipeline change
- Apply database migrations

All commands support --json for automation.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logFormat := "console"
		if outputJSON {
			logFormat = "json"
		}

		logger = observability.NewLogger(observability.LogConfig{
			Level:       cfg.Observability.LogLevel,
			Format:      logFormat,
			ServiceName: "docpipe-cli",
		})

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: uses env vars)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newRequestCmd())
	rootCmd.AddCommand(newLocateCmd())
	rootCmd.AddCommand(newJobsCmd())
	rootCmd.AddCommand(newReprocessCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDatabase() (*sql.DB, error) {
	db, err := storage.Open(cfg.Database.Driver, cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// newService builds the output orchestrator over a direct database
// connection. Notifications go out over Redis when it is configured so
// watchers connected to the API still see CLI-triggered changes.
func newService(repos *storage.Repositories) *outputs.Service {
	return outputs.NewService(
		repos,
		coverage.NewReconciler(repos.Pages),
		locator.New(repos.Pages),
		notify.NewNotifier(newPublisher(), logger),
		nil,
		logger,
	)
}

func newPublisher() notify.Publisher {
	if !cfg.Redis.Enabled {
		return nil
	}
	client, err := cache.NewRedisClient(cache.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Prefix:   cfg.Redis.KeyPrefix,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable, skipping notifications")
		return nil
	}
	return client
}

// callerFor returns the caller identity for service commands. An empty owner
// means the CLI acts as a trusted operator.
func callerFor(owner string) outputs.Caller {
	if owner == "" {
		return outputs.Caller{ID: "cli", Service: true}
	}
	return outputs.Caller{ID: owner}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("docpipe 0.3.0")
		},
	}
}
