package extract

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/docpipe/internal/observability"
	"github.com/spherical-ai/docpipe/internal/storage"
	"github.com/spherical-ai/docpipe/internal/worker"
)

func newTestRepos(t *testing.T) *storage.Repositories {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	mgr := storage.NewMigrationManager(db, storage.DriverSQLite, filepath.Join("..", "..", "db", "migrations"))
	_, err = mgr.Run(context.Background())
	require.NoError(t, err)

	return storage.NewRepositories(db, storage.DriverSQLite)
}

func seedDoc(t *testing.T, repos *storage.Repositories, fileType string, storagePath *string) *storage.Document {
	t.Helper()

	doc := &storage.Document{
		OwnerID:     "user-1",
		Name:        "upload." + fileType,
		FileType:    fileType,
		FileSize:    1024,
		PageCount:   1,
		StoragePath: storagePath,
	}
	require.NoError(t, repos.Documents.Create(context.Background(), doc))
	return doc
}

func seedExtractJob(t *testing.T, repos *storage.Repositories, doc *storage.Document, payload string) *storage.Job {
	t.Helper()

	job := &storage.Job{
		DocumentID:     doc.ID,
		JobType:        storage.JobTypeExtractText,
		IdempotencyKey: storage.IdempotencyKey("test", doc.ID.String()),
		MaxAttempts:    storage.DefaultMaxAttempts,
	}
	if payload != "" {
		job.Payload = []byte(payload)
	}
	created, isNew, err := repos.Jobs.Enqueue(context.Background(), job)
	require.NoError(t, err)
	require.True(t, isNew)
	return created
}

type fakeDownloader struct {
	data  map[string][]byte
	err   error
	paths []string
}

func (f *fakeDownloader) Download(ctx context.Context, storagePath string) ([]byte, error) {
	f.paths = append(f.paths, storagePath)
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.data[storagePath]
	if !ok {
		return nil, fmt.Errorf("no blob at %s", storagePath)
	}
	return data, nil
}

func newExtractHandler(repos *storage.Repositories, blobs Downloader) *Handler {
	return NewHandler(repos, blobs, NewExtractor(nil, nil, observability.Nop()), observability.Nop())
}

func TestHandlerExtractsTextDocument(t *testing.T) {
	repos := newTestRepos(t)
	path := "uploads/notes.txt"
	doc := seedDoc(t, repos, "txt", &path)
	job := seedExtractJob(t, repos, doc, "")

	blobs := &fakeDownloader{data: map[string][]byte{
		path: []byte("The Q3 roadmap prioritizes retention work."),
	}}
	h := newExtractHandler(repos, blobs)

	require.NoError(t, h.Handle(context.Background(), job))

	pages, err := repos.Pages.ListPages(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, storage.PageStatusDone, pages[0].Status)
	assert.Equal(t, storage.MethodDirectRead, pages[0].Method)
	assert.Equal(t, len("The Q3 roadmap prioritizes retention work."), pages[0].TextLength)

	blocks, err := repos.Pages.ListBlocks(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, storage.BlockTypeText, blocks[0].BlockType)
	assert.Equal(t, "The Q3 roadmap prioritizes retention work.", blocks[0].Text)
}

func TestHandlerUsesPayloadPathWhenDocumentHasNone(t *testing.T) {
	repos := newTestRepos(t)
	doc := seedDoc(t, repos, "txt", nil)
	job := seedExtractJob(t, repos, doc, `{"storagePath":"uploads/alt.txt"}`)

	blobs := &fakeDownloader{data: map[string][]byte{
		"uploads/alt.txt": []byte("alternate location"),
	}}
	h := newExtractHandler(repos, blobs)

	require.NoError(t, h.Handle(context.Background(), job))
	assert.Equal(t, []string{"uploads/alt.txt"}, blobs.paths)
}

func TestHandlerMissingDocumentIsPermanent(t *testing.T) {
	repos := newTestRepos(t)
	h := newExtractHandler(repos, &fakeDownloader{})

	err := h.Handle(context.Background(), &storage.Job{
		ID:         uuid.New(),
		DocumentID: uuid.New(),
		JobType:    storage.JobTypeExtractText,
	})
	require.Error(t, err)
	assert.True(t, worker.IsPermanent(err))
}

func TestHandlerNoStoragePathIsPermanent(t *testing.T) {
	repos := newTestRepos(t)
	doc := seedDoc(t, repos, "txt", nil)
	job := seedExtractJob(t, repos, doc, "")

	h := newExtractHandler(repos, &fakeDownloader{})
	err := h.Handle(context.Background(), job)
	require.Error(t, err)
	assert.True(t, worker.IsPermanent(err))
	assert.Contains(t, err.Error(), "no storage path")
}

func TestHandlerDownloadFailureIsRetryable(t *testing.T) {
	repos := newTestRepos(t)
	path := "uploads/notes.txt"
	doc := seedDoc(t, repos, "txt", &path)
	job := seedExtractJob(t, repos, doc, "")

	h := newExtractHandler(repos, &fakeDownloader{err: errors.New("bucket unreachable")})
	err := h.Handle(context.Background(), job)
	require.Error(t, err)
	assert.False(t, worker.IsPermanent(err))
}

func TestHandlerUnsupportedTypeIsPermanent(t *testing.T) {
	repos := newTestRepos(t)
	path := "uploads/blob.bin"
	doc := seedDoc(t, repos, "bin", &path)
	job := seedExtractJob(t, repos, doc, "")

	blobs := &fakeDownloader{data: map[string][]byte{
		path: {0x89, 0x00, 0xff, 0xf8},
	}}
	h := newExtractHandler(repos, blobs)

	err := h.Handle(context.Background(), job)
	require.Error(t, err)
	assert.True(t, worker.IsPermanent(err))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestHandlerReextractReplacesBlocks(t *testing.T) {
	repos := newTestRepos(t)
	path := "uploads/notes.txt"
	doc := seedDoc(t, repos, "txt", &path)
	job := seedExtractJob(t, repos, doc, "")

	blobs := &fakeDownloader{data: map[string][]byte{path: []byte("first version")}}
	h := newExtractHandler(repos, blobs)
	require.NoError(t, h.Handle(context.Background(), job))

	blobs.data[path] = []byte("second version")
	require.NoError(t, h.Handle(context.Background(), job))

	blocks, err := repos.Pages.ListBlocks(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "second version", blocks[0].Text)

	pages, err := repos.Pages.ListPages(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, len("second version"), pages[0].TextLength)
}
