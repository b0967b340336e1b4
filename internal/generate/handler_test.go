package generate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/docpipe/internal/coverage"
	"github.com/spherical-ai/docpipe/internal/llm"
	"github.com/spherical-ai/docpipe/internal/notify"
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

func seedDoc(t *testing.T, repos *storage.Repositories) *storage.Document {
	t.Helper()

	path := "uploads/doc.pdf"
	doc := &storage.Document{
		OwnerID:     "user-1",
		Name:        "doc.pdf",
		FileType:    "pdf",
		FileSize:    2048,
		PageCount:   1,
		StoragePath: &path,
	}
	require.NoError(t, repos.Documents.Create(context.Background(), doc))
	return doc
}

func seedPageWithText(t *testing.T, repos *storage.Repositories, doc *storage.Document, pageIndex int, text string) {
	t.Helper()

	require.NoError(t, repos.Pages.UpsertPage(context.Background(), &storage.DocumentPage{
		DocumentID: doc.ID,
		PageIndex:  pageIndex,
		Status:     storage.PageStatusDone,
		Method:     storage.MethodNativeText,
		TextLength: len(text),
	}))
	require.NoError(t, repos.Pages.ReplaceBlocks(context.Background(), doc.ID, pageIndex, []*storage.PageBlock{{
		DocumentID: doc.ID,
		PageIndex:  pageIndex,
		BlockIndex: 0,
		BlockType:  storage.BlockTypeParagraph,
		Text:       text,
		Confidence: 0.85,
	}}))
}

func seedOutput(t *testing.T, repos *storage.Repositories, doc *storage.Document, outputType storage.OutputType) *storage.DocumentOutput {
	t.Helper()

	out, err := repos.Outputs.Upsert(context.Background(), &storage.DocumentOutput{
		DocumentID: doc.ID,
		OutputType: outputType,
	})
	require.NoError(t, err)
	return out
}

func genJob(t *testing.T, out *storage.DocumentOutput, attempt int) *storage.Job {
	t.Helper()

	payload, err := json.Marshal(storage.GeneratePayload{
		OutputID:   out.ID,
		OutputType: out.OutputType,
		RequestID:  out.RequestID,
	})
	require.NoError(t, err)

	return &storage.Job{
		ID:          uuid.New(),
		DocumentID:  out.DocumentID,
		JobType:     storage.JobTypeGenerateOutput,
		Payload:     payload,
		Attempt:     attempt,
		MaxAttempts: storage.DefaultMaxAttempts,
	}
}

type fakeCompleter struct {
	text       string
	err        error
	calls      int
	system     string
	user       string
	onComplete func()
}

func (f *fakeCompleter) Enabled() bool { return true }
func (f *fakeCompleter) Model() string { return "test-model" }

func (f *fakeCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	f.calls++
	f.system, f.user = system, user
	if f.onComplete != nil {
		f.onComplete()
	}
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.OutputEvent
}

func (r *recordingPublisher) Publish(ctx context.Context, channel string, message interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev, ok := message.(notify.OutputEvent); ok {
		r.events = append(r.events, ev)
	}
	return nil
}

func (r *recordingPublisher) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	statuses := make([]string, len(r.events))
	for i, ev := range r.events {
		statuses[i] = ev.Status
	}
	return statuses
}

func newGenHandler(repos *storage.Repositories, completer Completer) (*Handler, *recordingPublisher) {
	pub := &recordingPublisher{}
	notifier := notify.NewNotifier(pub, observability.Nop())
	cov := coverage.NewReconciler(repos.Pages)
	return NewHandler(repos, completer, cov, notifier, observability.Nop()), pub
}

func TestHandleGeneratesOutput(t *testing.T) {
	repos := newTestRepos(t)
	doc := seedDoc(t, repos)
	seedPageWithText(t, repos, doc, 1, "Photosynthesis converts light into chemical energy.")
	out := seedOutput(t, repos, doc, storage.OutputTypeSummary)

	completer := &fakeCompleter{text: "A summary of photosynthesis."}
	h, pub := newGenHandler(repos, completer)

	require.NoError(t, h.Handle(context.Background(), genJob(t, out, 1)))

	stored, err := repos.Outputs.Get(context.Background(), doc.ID, storage.OutputTypeSummary)
	require.NoError(t, err)
	assert.Equal(t, storage.OutputStatusCompleted, stored.Status)
	require.NotNil(t, stored.Content)

	var content Content
	require.NoError(t, json.Unmarshal(stored.Content, &content))
	assert.Equal(t, "A summary of photosynthesis.", content.Text)
	assert.Equal(t, "test-model", content.Model)
	assert.False(t, content.GeneratedAt.IsZero())
	assert.Equal(t, 1, content.Coverage.PageCount)
	assert.Equal(t, 1, content.Coverage.DonePages)
	assert.Equal(t, 1.0, content.Coverage.Ratio)

	// The prompt carries the document name and the extracted text.
	assert.Contains(t, completer.user, "doc.pdf")
	assert.Contains(t, completer.user, "Photosynthesis converts light")
	assert.Contains(t, completer.system, "summarizer")

	assert.Equal(t, []string{"processing", "completed"}, pub.statuses())
}

func TestHandleSupersededRequestSkips(t *testing.T) {
	repos := newTestRepos(t)
	doc := seedDoc(t, repos)
	seedPageWithText(t, repos, doc, 1, "content")
	out := seedOutput(t, repos, doc, storage.OutputTypeSummary)
	job := genJob(t, out, 1)

	// A newer request resets the row before the job runs.
	newer, err := repos.Outputs.Upsert(context.Background(), &storage.DocumentOutput{
		DocumentID: doc.ID,
		OutputType: storage.OutputTypeSummary,
	})
	require.NoError(t, err)
	require.NotEqual(t, out.RequestID, newer.RequestID)

	completer := &fakeCompleter{text: "should not run"}
	h, pub := newGenHandler(repos, completer)

	require.NoError(t, h.Handle(context.Background(), job))
	assert.Equal(t, 0, completer.calls)
	assert.Empty(t, pub.statuses())

	stored, err := repos.Outputs.Get(context.Background(), doc.ID, storage.OutputTypeSummary)
	require.NoError(t, err)
	assert.Equal(t, storage.OutputStatusQueued, stored.Status)
	assert.Equal(t, newer.RequestID, stored.RequestID)
}

func TestHandleDefersWhileExtractionActive(t *testing.T) {
	repos := newTestRepos(t)
	doc := seedDoc(t, repos)
	out := seedOutput(t, repos, doc, storage.OutputTypeDeepExplanation)

	_, _, err := repos.Jobs.Enqueue(context.Background(), &storage.Job{
		DocumentID:     doc.ID,
		JobType:        storage.JobTypeExtractText,
		IdempotencyKey: storage.IdempotencyKey("extract", doc.ID.String()),
	})
	require.NoError(t, err)

	completer := &fakeCompleter{text: "never"}
	h, _ := newGenHandler(repos, completer)

	err = h.Handle(context.Background(), genJob(t, out, 1))
	require.Error(t, err)
	assert.False(t, worker.IsPermanent(err))
	assert.Contains(t, err.Error(), "no extracted text")
	assert.Equal(t, 0, completer.calls)

	// Not the final attempt, so the output row keeps waiting.
	stored, err := repos.Outputs.Get(context.Background(), doc.ID, storage.OutputTypeDeepExplanation)
	require.NoError(t, err)
	assert.Equal(t, storage.OutputStatusProcessing, stored.Status)
}

func TestHandleNoTextAndNoExtractionFailsOutput(t *testing.T) {
	repos := newTestRepos(t)
	doc := seedDoc(t, repos)
	out := seedOutput(t, repos, doc, storage.OutputTypeSummary)

	h, pub := newGenHandler(repos, &fakeCompleter{})

	err := h.Handle(context.Background(), genJob(t, out, 1))
	require.Error(t, err)
	assert.True(t, worker.IsPermanent(err))

	stored, getErr := repos.Outputs.Get(context.Background(), doc.ID, storage.OutputTypeSummary)
	require.NoError(t, getErr)
	assert.Equal(t, storage.OutputStatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Contains(t, *stored.Error, "no extractable text")

	assert.Equal(t, []string{"processing", "failed"}, pub.statuses())
}

func TestHandleFinalAttemptMarksOutputFailed(t *testing.T) {
	repos := newTestRepos(t)
	doc := seedDoc(t, repos)
	out := seedOutput(t, repos, doc, storage.OutputTypeSummary)

	_, _, err := repos.Jobs.Enqueue(context.Background(), &storage.Job{
		DocumentID:     doc.ID,
		JobType:        storage.JobTypeExtractText,
		IdempotencyKey: storage.IdempotencyKey("extract", doc.ID.String()),
	})
	require.NoError(t, err)

	h, _ := newGenHandler(repos, &fakeCompleter{})

	err = h.Handle(context.Background(), genJob(t, out, storage.DefaultMaxAttempts))
	require.Error(t, err)
	assert.False(t, worker.IsPermanent(err))

	stored, getErr := repos.Outputs.Get(context.Background(), doc.ID, storage.OutputTypeSummary)
	require.NoError(t, getErr)
	assert.Equal(t, storage.OutputStatusFailed, stored.Status)
}

func TestHandleUnsupportedOutputType(t *testing.T) {
	repos := newTestRepos(t)
	doc := seedDoc(t, repos)

	payload, err := json.Marshal(storage.GeneratePayload{
		OutputID:   uuid.New(),
		OutputType: "poem",
		RequestID:  uuid.New(),
	})
	require.NoError(t, err)

	completer := &fakeCompleter{}
	h, _ := newGenHandler(repos, completer)

	err = h.Handle(context.Background(), &storage.Job{
		ID:          uuid.New(),
		DocumentID:  doc.ID,
		JobType:     storage.JobTypeGenerateOutput,
		Payload:     payload,
		Attempt:     1,
		MaxAttempts: storage.DefaultMaxAttempts,
	})
	require.Error(t, err)
	assert.True(t, worker.IsPermanent(err))
	assert.Equal(t, 0, completer.calls)
}

func TestHandleLLMFailureIsPermanent(t *testing.T) {
	repos := newTestRepos(t)
	doc := seedDoc(t, repos)
	seedPageWithText(t, repos, doc, 1, "content")
	out := seedOutput(t, repos, doc, storage.OutputTypeSummary)

	completer := &fakeCompleter{err: errors.New("model rejected the prompt")}
	h, _ := newGenHandler(repos, completer)

	err := h.Handle(context.Background(), genJob(t, out, 1))
	require.Error(t, err)
	assert.True(t, worker.IsPermanent(err))

	stored, getErr := repos.Outputs.Get(context.Background(), doc.ID, storage.OutputTypeSummary)
	require.NoError(t, getErr)
	assert.Equal(t, storage.OutputStatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Contains(t, *stored.Error, "model rejected")
}

func TestHandleLLMNotConfiguredRetries(t *testing.T) {
	repos := newTestRepos(t)
	doc := seedDoc(t, repos)
	seedPageWithText(t, repos, doc, 1, "content")
	out := seedOutput(t, repos, doc, storage.OutputTypeSummary)

	completer := &fakeCompleter{err: llm.ErrNotConfigured}
	h, _ := newGenHandler(repos, completer)

	err := h.Handle(context.Background(), genJob(t, out, 1))
	require.Error(t, err)
	assert.False(t, worker.IsPermanent(err))
}

func TestHandleDiscardsResultWhenSupersededMidFlight(t *testing.T) {
	repos := newTestRepos(t)
	doc := seedDoc(t, repos)
	seedPageWithText(t, repos, doc, 1, "content")
	out := seedOutput(t, repos, doc, storage.OutputTypeSummary)

	completer := &fakeCompleter{text: "late result"}
	completer.onComplete = func() {
		_, err := repos.Outputs.Upsert(context.Background(), &storage.DocumentOutput{
			DocumentID: doc.ID,
			OutputType: storage.OutputTypeSummary,
		})
		require.NoError(t, err)
	}
	h, _ := newGenHandler(repos, completer)

	require.NoError(t, h.Handle(context.Background(), genJob(t, out, 1)))

	stored, err := repos.Outputs.Get(context.Background(), doc.ID, storage.OutputTypeSummary)
	require.NoError(t, err)
	assert.Equal(t, storage.OutputStatusQueued, stored.Status)
	assert.Empty(t, stored.Content)
}

func TestSourceTextPageMarkersAndTruncation(t *testing.T) {
	blocks := []*storage.PageBlock{
		{PageIndex: 1, BlockIndex: 0, Text: "first block"},
		{PageIndex: 1, BlockIndex: 1, Text: "second block"},
		{PageIndex: 2, BlockIndex: 0, Text: "next page"},
	}
	text := sourceText(blocks)
	assert.Contains(t, text, "[Page 1]\nfirst block")
	assert.Contains(t, text, "second block")
	assert.Contains(t, text, "[Page 2]\nnext page")
	assert.True(t, strings.Index(text, "first block") < strings.Index(text, "[Page 2]"))

	big := []*storage.PageBlock{
		{PageIndex: 1, BlockIndex: 0, Text: strings.Repeat("x", maxSourceChars)},
		{PageIndex: 2, BlockIndex: 0, Text: "never included"},
	}
	truncated := sourceText(big)
	assert.Contains(t, truncated, "[content truncated]")
	assert.NotContains(t, truncated, "never included")
}

func TestSupportedTypes(t *testing.T) {
	assert.True(t, Supported(storage.OutputTypeDeepExplanation))
	assert.True(t, Supported(storage.OutputTypeSummary))
	assert.False(t, Supported("poem"))

	types := SupportedTypes()
	require.Len(t, types, 2)
	for _, ot := range types {
		assert.True(t, Supported(ot), fmt.Sprintf("%s should be supported", ot))
	}
}
