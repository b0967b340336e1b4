package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Config-level driver names. Open maps them to the registered sql drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrConflict is returned when a write conflicts with existing state.
	ErrConflict = errors.New("resource conflict")

	// ErrLeaseLost is returned when a job mutation finds the caller no longer
	// holds the lease (the job was reclaimed after lease expiry).
	ErrLeaseLost = errors.New("job lease lost")

	// ErrStaleRequest is returned when an output mutation carries a request id
	// that is no longer the row's current one (a newer request superseded it).
	ErrStaleRequest = errors.New("stale output request")
)

// DB is the interface for database operations, satisfied by both *sql.DB and
// *sql.Tx.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// jsonColumn adapts a json.RawMessage field for scanning nullable JSON
// columns. database/sql maps NULL into *[]byte but not into named byte slice
// types, so raw message fields scan through this instead.
type jsonColumn struct {
	dst *json.RawMessage
}

func (c jsonColumn) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*c.dst = nil
	case []byte:
		// The driver may reuse the buffer after Scan returns.
		*c.dst = append(json.RawMessage(nil), v...)
	case string:
		*c.dst = json.RawMessage(v)
	default:
		return fmt.Errorf("scan json column: unsupported type %T", src)
	}
	return nil
}

// Open opens a database handle for the given config-level driver name and
// applies driver-appropriate pool settings. SQLite runs with a single
// connection and WAL so concurrent workers in one process serialize cleanly.
func Open(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverSQLite:
		if dsn != ":memory:" && !strings.Contains(dsn, "?") {
			dsn += "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=1"
		}
		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		db.SetMaxOpenConns(1)
		return db, nil
	case DriverPostgres:
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// Repositories bundles all repositories over a shared database handle.
type Repositories struct {
	Documents *DocumentRepository
	Jobs      *JobRepository
	Pages     *PageRepository
	Outputs   *OutputRepository
	Events    *JobEventRepository
}

// NewRepositories creates the repository bundle. The driver name selects
// dialect-specific claim behavior (SKIP LOCKED on Postgres).
func NewRepositories(db DB, driver string) *Repositories {
	return &Repositories{
		Documents: NewDocumentRepository(db),
		Jobs:      NewJobRepository(db, driver),
		Pages:     NewPageRepository(db),
		Outputs:   NewOutputRepository(db),
		Events:    NewJobEventRepository(db),
	}
}

// DocumentRepository provides read access and targeted updates on document
// metadata. Document CRUD proper lives outside the pipeline; this repository
// covers what the orchestrator and workers need.
type DocumentRepository struct {
	db DB
}

// NewDocumentRepository creates a new document repository.
func NewDocumentRepository(db DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

const documentColumns = `id, owner_id, name, file_type, file_size, page_count, storage_path, legacy_storage_path, created_at, updated_at`

// Create inserts a document row.
func (r *DocumentRepository) Create(ctx context.Context, doc *Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO documents (id, owner_id, name, file_type, file_size, page_count, storage_path, legacy_storage_path, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		doc.ID, doc.OwnerID, doc.Name, doc.FileType, doc.FileSize, doc.PageCount,
		doc.StoragePath, doc.LegacyStoragePath, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetByID fetches a document by id.
func (r *DocumentRepository) GetByID(ctx context.Context, id uuid.UUID) (*Document, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return doc, nil
}

// UpdateStoragePath sets the document's storage path. Used to backfill the
// current path from the legacy location field.
func (r *DocumentRepository) UpdateStoragePath(ctx context.Context, id uuid.UUID, path string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE documents SET storage_path = $1, updated_at = $2 WHERE id = $3`,
		path, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update storage path for document %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update storage path for document %s: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByOwner returns an owner's documents, most recently updated first.
func (r *DocumentRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Document, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE owner_id = $1 ORDER BY updated_at DESC LIMIT $2`,
		ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list documents for owner %s: %w", ownerID, err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func scanDocument(s rowScanner) (*Document, error) {
	var doc Document
	err := s.Scan(&doc.ID, &doc.OwnerID, &doc.Name, &doc.FileType, &doc.FileSize,
		&doc.PageCount, &doc.StoragePath, &doc.LegacyStoragePath, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}
