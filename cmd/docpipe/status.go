package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/spherical-ai/docpipe/internal/coverage"
	"github.com/spherical-ai/docpipe/internal/storage"
)

// newStatusCmd creates the status subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <document-id>",
		Short: "Show coverage, outputs, and recent jobs for a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			documentID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid document id: %w", err)
			}
			ctx := context.Background()

			db, err := openDatabase()
			if err != nil {
				return err
			}
			defer db.Close()
			repos := storage.NewRepositories(db, cfg.Database.Driver)

			doc, err := repos.Documents.GetByID(ctx, documentID)
			if err != nil {
				return fmt.Errorf("load document: %w", err)
			}

			snap, err := coverage.NewReconciler(repos.Pages).ForDocument(ctx, documentID, doc.PageCount)
			if err != nil {
				return fmt.Errorf("coverage: %w", err)
			}

			outs, err := repos.Outputs.ListByDocument(ctx, documentID)
			if err != nil {
				return fmt.Errorf("list outputs: %w", err)
			}

			jobs, err := repos.Jobs.List(ctx, storage.JobFilter{DocumentID: documentID, Limit: 10})
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"document": doc,
					"coverage": snap,
					"ready":    snap.Ready(),
					"outputs":  outs,
					"jobs":     jobs,
				})
			}

			ui := NewUI(false, noColor)
			ui.KeyValue("Document", doc.Name)
			ui.KeyValue("Owner", doc.OwnerID)
			ui.KeyValue("Coverage", fmt.Sprintf("%d/%d pages (%.0f%%)", snap.DonePages, snap.PageCount, snap.Ratio*100))
			if snap.Ready() {
				ui.Success("Extraction ready")
			} else {
				ui.Warning("Extraction incomplete, generation is deferred until pages arrive")
			}

			ui.Newline()
			rows := make([][]string, 0, len(outs))
			for _, out := range outs {
				jobID := "-"
				if out.JobID != nil {
					jobID = shortID(out.JobID.String())
				}
				detail := ""
				if out.Error != nil {
					detail = *out.Error
				}
				rows = append(rows, []string{
					string(out.OutputType),
					string(out.Status),
					jobID,
					FormatDuration(time.Since(out.UpdatedAt)) + " ago",
					detail,
				})
			}
			ui.Table([]string{"TYPE", "STATUS", "JOB", "UPDATED", "ERROR"}, rows)

			ui.Newline()
			jobRows := make([][]string, 0, len(jobs))
			for _, job := range jobs {
				jobRows = append(jobRows, []string{
					shortID(job.ID.String()),
					string(job.JobType),
					string(job.Status),
					fmt.Sprintf("%d/%d", job.Attempt, job.MaxAttempts),
					job.NextRunAt.Local().Format("15:04:05"),
				})
			}
			ui.Table([]string{"JOB", "TYPE", "STATUS", "ATTEMPT", "NEXT RUN"}, jobRows)

			return nil
		},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
