package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/spherical-ai/docpipe/internal/outputs"
	"github.com/spherical-ai/docpipe/internal/storage"
)

// newReprocessCmd creates the reprocess subcommand.
func newReprocessCmd() *cobra.Command {
	var (
		owner      string
		outputType string
		limit      int
		parallel   int
	)

	cmd := &cobra.Command{
		Use:   "reprocess",
		Short: "Re-request an output type for every document of an owner",
		Long: `Reprocess walks an owner's documents and requests a fresh generation of
one output type for each. Use it after a prompt or pipeline change to
refresh stale outputs. Each request gets a new request id, so existing
rows are reset and regenerated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				return fmt.Errorf("--owner is required")
			}
			ctx := context.Background()

			db, err := openDatabase()
			if err != nil {
				return err
			}
			defer db.Close()
			repos := storage.NewRepositories(db, cfg.Database.Driver)
			svc := newService(repos)

			docs, err := repos.Documents.ListByOwner(ctx, owner, limit)
			if err != nil {
				return fmt.Errorf("list documents: %w", err)
			}
			if len(docs) == 0 {
				NewUI(outputJSON, noColor).Warning("No documents found for owner %s", owner)
				return nil
			}

			var progress *mpb.Progress
			var bar *mpb.Bar
			if !outputJSON && IsTerminal() {
				progress = mpb.New(mpb.WithWidth(64))
				name := "reprocess"
				bar = progress.AddBar(int64(len(docs)),
					mpb.PrependDecorators(
						decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DSyncSpaceR}),
						decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
					),
					mpb.AppendDecorators(
						decor.Percentage(decor.WC{W: 5}),
						decor.Elapsed(decor.ET_STYLE_GO, decor.WC{W: 12}),
					),
				)
			}

			if parallel <= 0 {
				parallel = 1
			}

			var requested, failed atomic.Int64
			work := make(chan *storage.Document)
			var wg sync.WaitGroup
			for i := 0; i < parallel; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for doc := range work {
						_, err := svc.RequestOutput(ctx, outputs.Caller{ID: "cli", Service: true}, outputs.Request{
							DocumentID: doc.ID,
							OutputType: storage.OutputType(outputType),
						})
						if err != nil {
							failed.Add(1)
							logger.Warn().
								Err(err).
								Str("document_id", doc.ID.String()).
								Msg("Reprocess request failed")
						} else {
							requested.Add(1)
						}
						if bar != nil {
							bar.Increment()
						}
					}
				}()
			}
			for _, doc := range docs {
				work <- doc
			}
			close(work)
			wg.Wait()
			if progress != nil {
				progress.Wait()
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"owner":     owner,
					"type":      outputType,
					"documents": len(docs),
					"requested": requested.Load(),
					"failed":    failed.Load(),
				})
			}

			ui := NewUI(false, noColor)
			ui.Success("Requested %s for %d document(s)", outputType, requested.Load())
			if failed.Load() > 0 {
				ui.Warning("%d request(s) failed, re-run or check the logs", failed.Load())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owner whose documents to reprocess (required)")
	cmd.Flags().StringVarP(&outputType, "type", "t", "summary", "output type to regenerate")
	cmd.Flags().IntVar(&limit, "limit", 500, "maximum documents to touch")
	cmd.Flags().IntVar(&parallel, "parallel", 4, "concurrent requests")

	return cmd
}
