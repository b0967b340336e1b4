// Package coverage reconciles a document's authoritative page count and
// completion ratio from two possibly-conflicting signals: the page count
// stored in document metadata (often wrong for some office formats) and the
// pages extraction has actually recorded. Keeping the heuristic behind one
// function keeps it consistent across call sites and independently testable.
package coverage

import (
	"context"

	"github.com/google/uuid"
)

// ReadyRatio is the completion ratio at which extraction counts as ready
// for output generation.
const ReadyRatio = 0.95

// Snapshot is the derived coverage view for a document. Recomputed on every
// read, never stored.
type Snapshot struct {
	PageCount int     `json:"pageCount"`
	DonePages int     `json:"donePages"`
	Ratio     float64 `json:"ratio"`
}

// Ready reports whether extraction is complete enough to generate output.
// A document with no resolvable pages is never ready, so extraction always
// gets triggered for it.
func (s Snapshot) Ready() bool {
	if s.PageCount <= 0 {
		return false
	}
	return s.Ratio >= ReadyRatio || s.DonePages >= s.PageCount
}

// PageStats is the slice of page bookkeeping the reconciler reads.
type PageStats interface {
	DonePages(ctx context.Context, documentID uuid.UUID) (int, error)
	MaxPageIndex(ctx context.Context, documentID uuid.UUID) (int, error)
}

// Reconciler computes coverage snapshots from stored page records.
type Reconciler struct {
	pages PageStats
}

// NewReconciler creates a new coverage reconciler.
func NewReconciler(pages PageStats) *Reconciler {
	return &Reconciler{pages: pages}
}

// ForDocument computes the coverage snapshot for a document given its
// metadata page count.
func (r *Reconciler) ForDocument(ctx context.Context, documentID uuid.UUID, metadataPageCount int) (Snapshot, error) {
	done, err := r.pages.DonePages(ctx, documentID)
	if err != nil {
		return Snapshot{}, err
	}
	extractedMax, err := r.pages.MaxPageIndex(ctx, documentID)
	if err != nil {
		return Snapshot{}, err
	}
	return Compute(metadataPageCount, extractedMax, done), nil
}

// Compute builds a snapshot from raw signals. Ratio is donePages over the
// resolved page count, clamped to [0,1].
func Compute(metadataCount, extractedMax, donePages int) Snapshot {
	if metadataCount < 0 {
		metadataCount = 0
	}
	if extractedMax < 0 {
		extractedMax = 0
	}
	if donePages < 0 {
		donePages = 0
	}

	pageCount := ResolvePageCount(metadataCount, extractedMax)

	var ratio float64
	if pageCount > 0 {
		ratio = float64(donePages) / float64(pageCount)
	}
	if ratio > 1 {
		ratio = 1
	}

	return Snapshot{PageCount: pageCount, DonePages: donePages, Ratio: ratio}
}

// ResolvePageCount picks the authoritative page count. Rules apply in order:
//
//  1. Metadata <= 2 while extraction found more: metadata is a known-bad
//     placeholder, trust extracted.
//  2. Extraction barely started (<= 2 pages): trust metadata.
//  3. Extraction found far more pages than metadata claims: trust extracted.
//  4. Implausibly large metadata (> 1000 and far beyond extracted): trust
//     extracted.
//  5. Otherwise trust metadata.
func ResolvePageCount(metadataCount, extractedMax int) int {
	switch {
	case metadataCount <= 2 && extractedMax > metadataCount:
		return extractedMax
	case extractedMax <= 2:
		return metadataCount
	case extractedMax > 2*metadataCount+2:
		return extractedMax
	case metadataCount > 1000 && metadataCount > 3*extractedMax+50:
		return extractedMax
	default:
		return metadataCount
	}
}
