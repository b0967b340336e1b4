package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/spherical-ai/docpipe/internal/locator"
	"github.com/spherical-ai/docpipe/internal/storage"
)

// newLocateCmd creates the locate subcommand.
func newLocateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "locate <document-id> <topic>",
		Short: "Find the page where a topic is discussed",
		Long: `Locate searches the extracted text for a topic: first as an exact
phrase, then keyword by keyword. It prints the lowest matching page
index, or reports that the topic was not found.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			documentID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid document id: %w", err)
			}
			topic := args[1]
			ctx := context.Background()

			db, err := openDatabase()
			if err != nil {
				return err
			}
			defer db.Close()
			repos := storage.NewRepositories(db, cfg.Database.Driver)

			page, found, err := locator.New(repos.Pages).FindPage(ctx, documentID, topic)
			if err != nil {
				return fmt.Errorf("locate: %w", err)
			}

			if outputJSON {
				result := map[string]interface{}{"pageIndex": nil}
				if found {
					result["pageIndex"] = page
				}
				return json.NewEncoder(os.Stdout).Encode(result)
			}

			ui := NewUI(false, noColor)
			if found {
				ui.Success("Topic %q appears on page %d", topic, page)
			} else {
				ui.Warning("Topic %q was not found in the extracted text", topic)
			}
			return nil
		},
	}
}
