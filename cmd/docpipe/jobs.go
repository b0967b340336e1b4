package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/spherical-ai/docpipe/internal/storage"
)

// newJobsCmd creates the jobs subcommand group.
func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage the job queue",
	}
	cmd.AddCommand(newJobsListCmd())
	cmd.AddCommand(newJobsHistoryCmd())
	cmd.AddCommand(newJobsRetryCmd())
	return cmd
}

func newJobsListCmd() *cobra.Command {
	var (
		document string
		jobType  string
		status   string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			filter := storage.JobFilter{
				JobType: storage.JobType(jobType),
				Status:  storage.JobStatus(status),
				Limit:   limit,
			}
			if document != "" {
				documentID, err := uuid.Parse(document)
				if err != nil {
					return fmt.Errorf("invalid document id: %w", err)
				}
				filter.DocumentID = documentID
			}

			db, err := openDatabase()
			if err != nil {
				return err
			}
			defer db.Close()
			repos := storage.NewRepositories(db, cfg.Database.Driver)

			jobs, err := repos.Jobs.List(ctx, filter)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(jobs)
			}

			ui := NewUI(false, noColor)
			rows := make([][]string, 0, len(jobs))
			for _, job := range jobs {
				lease := "-"
				if job.LeaseOwner != nil {
					lease = *job.LeaseOwner
				}
				lastError := ""
				if job.LastError != nil {
					lastError = truncate(*job.LastError, 48)
				}
				rows = append(rows, []string{
					shortID(job.ID.String()),
					string(job.JobType),
					string(job.Status),
					fmt.Sprintf("%d/%d", job.Attempt, job.MaxAttempts),
					job.NextRunAt.Local().Format("Jan 02 15:04:05"),
					lease,
					lastError,
				})
			}
			ui.Table([]string{"JOB", "TYPE", "STATUS", "ATTEMPT", "NEXT RUN", "LEASE", "LAST ERROR"}, rows)
			ui.Info("%d job(s)", len(jobs))
			return nil
		},
	}

	cmd.Flags().StringVar(&document, "document", "", "filter by document id")
	cmd.Flags().StringVar(&jobType, "type", "", "filter by job type")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (queued, processing, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")

	return cmd
}

func newJobsHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <job-id>",
		Short: "Show the audit trail for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id: %w", err)
			}
			ctx := context.Background()

			db, err := openDatabase()
			if err != nil {
				return err
			}
			defer db.Close()
			repos := storage.NewRepositories(db, cfg.Database.Driver)

			job, err := repos.Jobs.GetByID(ctx, jobID)
			if err != nil {
				return fmt.Errorf("load job: %w", err)
			}
			events, err := repos.Events.ListByJob(ctx, jobID)
			if err != nil {
				return fmt.Errorf("list events: %w", err)
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"job":    job,
					"events": events,
				})
			}

			ui := NewUI(false, noColor)
			ui.KeyValue("Job", job.ID)
			ui.KeyValue("Type", job.JobType)
			ui.KeyValue("Status", job.Status)
			ui.KeyValue("Document", job.DocumentID)
			ui.KeyValue("Attempt", fmt.Sprintf("%d/%d", job.Attempt, job.MaxAttempts))
			if job.LastError != nil {
				ui.KeyValue("Last error", *job.LastError)
			}

			ui.Newline()
			rows := make([][]string, 0, len(events))
			for _, ev := range events {
				owner := "-"
				if ev.Owner != nil {
					owner = *ev.Owner
				}
				detail := ""
				if ev.Detail != nil {
					detail = truncate(*ev.Detail, 64)
				}
				rows = append(rows, []string{
					string(ev.Event),
					owner,
					ev.OccurredAt.Local().Format(time.RFC3339),
					detail,
				})
			}
			ui.Table([]string{"EVENT", "OWNER", "AT", "DETAIL"}, rows)
			return nil
		},
	}
}

func newJobsRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Requeue a failed job with its attempt counter reset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id: %w", err)
			}
			ctx := context.Background()

			db, err := openDatabase()
			if err != nil {
				return err
			}
			defer db.Close()
			repos := storage.NewRepositories(db, cfg.Database.Driver)

			if err := repos.Jobs.Requeue(ctx, jobID); err != nil {
				if errors.Is(err, storage.ErrConflict) {
					return fmt.Errorf("job %s is not in a failed state", shortID(jobID.String()))
				}
				return fmt.Errorf("retry job: %w", err)
			}

			ui := NewUI(outputJSON, noColor)
			ui.Success("Job %s requeued", shortID(jobID.String()))
			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(map[string]string{
					"jobId":  jobID.String(),
					"status": "queued",
				})
			}
			return nil
		},
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
