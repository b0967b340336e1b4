package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/spherical-ai/docpipe/internal/config"
	"github.com/spherical-ai/docpipe/internal/storage"
)

// newMigrateCmd creates the migrate subcommand.
func newMigrateCmd() *cobra.Command {
	var statusOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			db, err := openDatabase()
			if err != nil {
				return err
			}
			defer db.Close()

			dir := config.ResolveRelativePath(cfgFile, cfg.Migrations.Dir)
			mgr := storage.NewMigrationManager(db, cfg.Database.Driver, dir)
			status, err := mgr.Status(ctx)
			if err != nil {
				return fmt.Errorf("migration status: %w", err)
			}

			if statusOnly {
				if outputJSON {
					return json.NewEncoder(os.Stdout).Encode(status)
				}
				ui := NewUI(false, noColor)
				ui.KeyValue("Applied", len(status.Applied))
				ui.KeyValue("Pending", len(status.Pending))
				for _, version := range status.Pending {
					ui.Info("pending: %s", version)
				}
				return nil
			}

			ui := NewUI(outputJSON, noColor)
			if len(status.Pending) == 0 {
				ui.Success("Database is up to date (%d applied)", len(status.Applied))
				if outputJSON {
					return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{"applied": []string{}})
				}
				return nil
			}

			var bar *progressbar.ProgressBar
			if !outputJSON && IsTerminal() {
				bar = progressbar.NewOptions(len(status.Pending),
					progressbar.OptionSetWidth(50),
					progressbar.OptionSetDescription("migrating"),
					progressbar.OptionSetTheme(progressbar.Theme{
						Saucer:        "█",
						SaucerHead:    "█",
						SaucerPadding: "░",
						BarStart:      "│",
						BarEnd:        "│",
					}),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionShowCount(),
					progressbar.OptionOnCompletion(func() {
						fmt.Fprint(os.Stderr, "\n")
					}),
				)
			}

			applied := make([]string, 0, len(status.Pending))
			for _, version := range status.Pending {
				if err := mgr.Apply(ctx, version); err != nil {
					return fmt.Errorf("apply migration %s: %w", version, err)
				}
				applied = append(applied, version)
				if bar != nil {
					_ = bar.Add(1)
				}
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{"applied": applied})
			}
			ui.Success("Applied %d migration(s)", len(applied))
			return nil
		},
	}

	cmd.Flags().BoolVar(&statusOnly, "status", false, "show migration status without applying")

	return cmd
}
