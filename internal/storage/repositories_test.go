package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepos(t *testing.T) (*Repositories, *sql.DB) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	mgr := NewMigrationManager(db, DriverSQLite, filepath.Join("..", "..", "db", "migrations"))
	_, err = mgr.Run(context.Background())
	require.NoError(t, err)

	return NewRepositories(db, DriverSQLite), db
}

func seedDocument(t *testing.T, repos *Repositories, pageCount int) *Document {
	t.Helper()

	path := "uploads/doc.pdf"
	doc := &Document{
		OwnerID:     "user-1",
		Name:        "doc.pdf",
		FileType:    "pdf",
		FileSize:    2048,
		PageCount:   pageCount,
		StoragePath: &path,
	}
	require.NoError(t, repos.Documents.Create(context.Background(), doc))
	return doc
}

func TestMigrations_RunIsIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	mgr := NewMigrationManager(db, DriverSQLite, filepath.Join("..", "..", "db", "migrations"))
	ctx := context.Background()

	applied, err := mgr.Run(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, applied)

	again, err := mgr.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)

	status, err := mgr.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, applied, status.Applied)
	assert.Empty(t, status.Pending)
}

func TestDocuments_CreateAndGet(t *testing.T) {
	repos, _ := newTestRepos(t)
	ctx := context.Background()

	doc := seedDocument(t, repos, 10)

	got, err := repos.Documents.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
	assert.Equal(t, "user-1", got.OwnerID)
	assert.Equal(t, 10, got.PageCount)
	require.NotNil(t, got.StoragePath)
	assert.Equal(t, "uploads/doc.pdf", *got.StoragePath)

	_, err = repos.Documents.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDocuments_UpdateStoragePath(t *testing.T) {
	repos, _ := newTestRepos(t)
	ctx := context.Background()

	legacy := "legacy/doc.pdf"
	doc := &Document{
		OwnerID:           "user-1",
		Name:              "doc.pdf",
		FileType:          "pdf",
		LegacyStoragePath: &legacy,
	}
	require.NoError(t, repos.Documents.Create(ctx, doc))

	require.NoError(t, repos.Documents.UpdateStoragePath(ctx, doc.ID, legacy))

	got, err := repos.Documents.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StoragePath)
	assert.Equal(t, legacy, *got.StoragePath)

	err = repos.Documents.UpdateStoragePath(ctx, uuid.New(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDocuments_ListByOwner(t *testing.T) {
	repos, _ := newTestRepos(t)
	ctx := context.Background()

	seedDocument(t, repos, 1)
	seedDocument(t, repos, 2)

	other := &Document{OwnerID: "user-2", Name: "other.pdf", FileType: "pdf"}
	require.NoError(t, repos.Documents.Create(ctx, other))

	docs, err := repos.Documents.ListByOwner(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
	for _, d := range docs {
		assert.Equal(t, "user-1", d.OwnerID)
	}
}

func TestJobEvents_InsertBatchAndList(t *testing.T) {
	repos, _ := newTestRepos(t)
	ctx := context.Background()

	jobID := uuid.New()
	docID := uuid.New()
	owner := "worker-1"
	base := time.Now().UTC().Add(-time.Minute)

	events := []*JobEvent{
		{JobID: jobID, DocumentID: docID, Event: JobEventEnqueued, OccurredAt: base},
		{JobID: jobID, DocumentID: docID, Event: JobEventClaimed, Owner: &owner, OccurredAt: base.Add(time.Second)},
		{JobID: jobID, DocumentID: docID, Event: JobEventCompleted, Owner: &owner, OccurredAt: base.Add(2 * time.Second)},
	}
	require.NoError(t, repos.Events.InsertBatch(ctx, events))

	// Unrelated job, should not appear.
	require.NoError(t, repos.Events.Insert(ctx, &JobEvent{
		JobID: uuid.New(), DocumentID: docID, Event: JobEventEnqueued,
	}))

	got, err := repos.Events.ListByJob(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, JobEventEnqueued, got[0].Event)
	assert.Equal(t, JobEventClaimed, got[1].Event)
	assert.Equal(t, JobEventCompleted, got[2].Event)
	require.NotNil(t, got[1].Owner)
	assert.Equal(t, "worker-1", *got[1].Owner)
}
