package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/spherical-ai/docpipe/internal/outputs"
	"github.com/spherical-ai/docpipe/internal/storage"
)

// newRequestCmd creates the request subcommand.
func newRequestCmd() *cobra.Command {
	var (
		outputType string
		options    string
		requestID  string
		owner      string
		watch      bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "request <document-id>",
		Short: "Request a derived output for a document",
		Long: `Request enqueues generation of an output type for a document. If the
document's text has not been extracted yet, an extraction job is enqueued
first and generation waits until coverage is ready.

With --watch the command polls the output row until it completes or fails.
Passing the same --request-id twice returns the original job instead of
generating again.`,
		Args: cobra.ExactArgs(1),
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
			svc := newService(repos)

			req := outputs.Request{
				DocumentID: documentID,
				OutputType: storage.OutputType(outputType),
			}
			if options != "" {
				if !json.Valid([]byte(options)) {
					return fmt.Errorf("--options must be valid JSON")
				}
				req.Options = json.RawMessage(options)
			}
			if requestID != "" {
				id, err := uuid.Parse(requestID)
				if err != nil {
					return fmt.Errorf("invalid request id: %w", err)
				}
				req.RequestID = id
			}

			receipt, err := svc.RequestOutput(ctx, callerFor(owner), req)
			if err != nil {
				return err
			}

			ui := NewUI(outputJSON, noColor)
			ui.Success("Requested %s for document %s", outputType, shortID(documentID.String()))
			ui.KeyValue("Output", receipt.OutputID)
			ui.KeyValue("Job", receipt.JobID)
			ui.KeyValue("Request", receipt.RequestID)

			if !watch {
				if outputJSON {
					return json.NewEncoder(os.Stdout).Encode(receipt)
				}
				return nil
			}

			out, err := watchOutput(ctx, repos, req, receipt.RequestID, timeout)
			if err != nil {
				return err
			}
			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(out)
			}

			ui.Newline()
			if out.Status == storage.OutputStatusFailed {
				msg := "generation failed"
				if out.Error != nil {
					msg = *out.Error
				}
				ui.Error("%s", msg)
				return errors.New(msg)
			}
			ui.Success("Output completed")
			fmt.Println(string(out.Content))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputType, "type", "t", "summary", "output type (summary, deep_explanation)")
	cmd.Flags().StringVar(&options, "options", "", "options JSON forwarded to generation")
	cmd.Flags().StringVar(&requestID, "request-id", "", "idempotency id for safe retries")
	cmd.Flags().StringVar(&owner, "owner", "", "act as this owner instead of the trusted operator")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "wait until the output completes or fails")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "maximum time to wait with --watch")

	return cmd
}

// watchOutput polls the output row until the watched request finishes. A
// worker must be running for the job to make progress.
func watchOutput(ctx context.Context, repos *storage.Repositories, req outputs.Request, requestID uuid.UUID, timeout time.Duration) (*storage.DocumentOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var spin *spinner.Spinner
	if !outputJSON && IsTerminal() {
		spin = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		spin.Suffix = " waiting for generation"
		spin.Writer = os.Stderr
		spin.Start()
		defer spin.Stop()
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		out, err := repos.Outputs.Get(ctx, req.DocumentID, req.OutputType)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("poll output: %w", err)
		}
		if out != nil {
			if out.RequestID != requestID {
				return nil, errors.New("superseded by a newer request for this output")
			}
			if out.Status == storage.OutputStatusCompleted || out.Status == storage.OutputStatusFailed {
				return out, nil
			}
			if spin != nil {
				spin.Suffix = fmt.Sprintf(" %s, waiting for generation", out.Status)
			}
		}

		select {
		case <-ctx.Done():
			return nil, errors.New("timed out waiting for the output, check worker logs")
		case <-ticker.C:
		}
	}
}
