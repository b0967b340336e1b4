package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PageRepository stores extracted pages and their blocks. All writes are
// upserts keyed by page index so a reclaimed extraction job re-running no
// worse than overwrites its own earlier output.
type PageRepository struct {
	db DB
}

// NewPageRepository creates a new page repository.
func NewPageRepository(db DB) *PageRepository {
	return &PageRepository{db: db}
}

// UpsertPage writes a page's extraction record, replacing any previous record
// for the same (document, page index).
func (r *PageRepository) UpsertPage(ctx context.Context, page *DocumentPage) error {
	page.UpdatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO document_pages (document_id, page_index, status, method, text_length, error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (document_id, page_index) DO UPDATE SET
			status = excluded.status,
			method = excluded.method,
			text_length = excluded.text_length,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		page.DocumentID, page.PageIndex, page.Status, page.Method, page.TextLength, page.Error, page.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert page %d of document %s: %w", page.PageIndex, page.DocumentID, err)
	}
	return nil
}

// ReplaceBlocks rewrites the block set for one page. Delete-then-insert keeps
// re-runs idempotent without tracking block-level diffs.
func (r *PageRepository) ReplaceBlocks(ctx context.Context, documentID uuid.UUID, pageIndex int, blocks []*PageBlock) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM page_blocks WHERE document_id = $1 AND page_index = $2`,
		documentID, pageIndex)
	if err != nil {
		return fmt.Errorf("clear blocks for page %d of document %s: %w", pageIndex, documentID, err)
	}

	for _, block := range blocks {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO page_blocks (document_id, page_index, block_index, block_type, text, data, confidence)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			documentID, pageIndex, block.BlockIndex, block.BlockType, block.Text, block.Data, block.Confidence)
		if err != nil {
			return fmt.Errorf("insert block %d for page %d of document %s: %w", block.BlockIndex, pageIndex, documentID, err)
		}
	}
	return nil
}

// DonePages counts successfully extracted pages for a document.
func (r *PageRepository) DonePages(ctx context.Context, documentID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM document_pages WHERE document_id = $1 AND status = $2`,
		documentID, PageStatusDone).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count done pages for document %s: %w", documentID, err)
	}
	return count, nil
}

// MaxPageIndex returns the highest page index recorded for a document, or 0
// when nothing has been extracted yet. Page indexes are 1-based, so this is
// the page count actually observed by extraction.
func (r *PageRepository) MaxPageIndex(ctx context.Context, documentID uuid.UUID) (int, error) {
	var max int
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(page_index), 0) FROM document_pages WHERE document_id = $1`,
		documentID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max page index for document %s: %w", documentID, err)
	}
	return max, nil
}

// ListPages returns a document's page records in page order.
func (r *PageRepository) ListPages(ctx context.Context, documentID uuid.UUID) ([]*DocumentPage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT document_id, page_index, status, method, text_length, error, updated_at
		FROM document_pages WHERE document_id = $1 ORDER BY page_index`,
		documentID)
	if err != nil {
		return nil, fmt.Errorf("list pages for document %s: %w", documentID, err)
	}
	defer rows.Close()

	var pages []*DocumentPage
	for rows.Next() {
		var p DocumentPage
		if err := rows.Scan(&p.DocumentID, &p.PageIndex, &p.Status, &p.Method,
			&p.TextLength, &p.Error, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		pages = append(pages, &p)
	}
	return pages, rows.Err()
}

// ListBlocks returns all of a document's blocks in reading order
// (page index, then block index).
func (r *PageRepository) ListBlocks(ctx context.Context, documentID uuid.UUID) ([]*PageBlock, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT document_id, page_index, block_index, block_type, text, data, confidence
		FROM page_blocks WHERE document_id = $1 ORDER BY page_index, block_index`,
		documentID)
	if err != nil {
		return nil, fmt.Errorf("list blocks for document %s: %w", documentID, err)
	}
	defer rows.Close()

	var blocks []*PageBlock
	for rows.Next() {
		var b PageBlock
		if err := rows.Scan(&b.DocumentID, &b.PageIndex, &b.BlockIndex, &b.BlockType,
			&b.Text, jsonColumn{&b.Data}, &b.Confidence); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		blocks = append(blocks, &b)
	}
	return blocks, rows.Err()
}

// FirstPageMatching returns the lowest page index whose block text contains
// needle, case-insensitively. ErrNotFound means no block matched.
func (r *PageRepository) FirstPageMatching(ctx context.Context, documentID uuid.UUID, needle string) (int, error) {
	var page sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT MIN(page_index) FROM page_blocks
		WHERE document_id = $1 AND LOWER(text) LIKE $2 ESCAPE '\'`,
		documentID, likePattern(needle)).Scan(&page)
	if err != nil {
		return 0, fmt.Errorf("search blocks for document %s: %w", documentID, err)
	}
	if !page.Valid {
		return 0, ErrNotFound
	}
	return int(page.Int64), nil
}

// FirstPageMatchingAny returns the lowest page index whose block text
// contains any of the needles. ErrNotFound means no block matched.
func (r *PageRepository) FirstPageMatchingAny(ctx context.Context, documentID uuid.UUID, needles []string) (int, error) {
	if len(needles) == 0 {
		return 0, ErrNotFound
	}

	args := []interface{}{documentID}
	conds := make([]string, 0, len(needles))
	for _, needle := range needles {
		args = append(args, likePattern(needle))
		conds = append(conds, fmt.Sprintf(`LOWER(text) LIKE $%d ESCAPE '\'`, len(args)))
	}

	query := `SELECT MIN(page_index) FROM page_blocks WHERE document_id = $1 AND (` +
		strings.Join(conds, " OR ") + `)`

	var page sql.NullInt64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&page); err != nil {
		return 0, fmt.Errorf("search blocks for document %s: %w", documentID, err)
	}
	if !page.Valid {
		return 0, ErrNotFound
	}
	return int(page.Int64), nil
}

// likePattern builds a case-insensitive contains pattern with LIKE
// metacharacters escaped.
func likePattern(needle string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(strings.ToLower(needle))
	return "%" + escaped + "%"
}
