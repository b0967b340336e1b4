package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enqueueTestJob(t *testing.T, repos *Repositories, docID uuid.UUID, key string) *Job {
	t.Helper()

	job, created, err := repos.Jobs.Enqueue(context.Background(), &Job{
		DocumentID:     docID,
		JobType:        JobTypeExtractText,
		Payload:        json.RawMessage(`{"documentId":"` + docID.String() + `"}`),
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	require.True(t, created)
	return job
}

func TestEnqueue_Idempotent(t *testing.T) {
	repos, db := newTestRepos(t)
	ctx := context.Background()
	doc := seedDocument(t, repos, 5)

	first := enqueueTestJob(t, repos, doc.ID, "extract:key-1")

	second, created, err := repos.Jobs.Enqueue(ctx, &Job{
		DocumentID:     doc.ID,
		JobType:        JobTypeExtractText,
		IdempotencyKey: "extract:key-1",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestEnqueue_ReturnsExistingRegardlessOfStatus(t *testing.T) {
	repos, _ := newTestRepos(t)
	ctx := context.Background()
	doc := seedDocument(t, repos, 5)

	job := enqueueTestJob(t, repos, doc.ID, "extract:key-1")

	claimed, err := repos.Jobs.ClaimBatch(ctx, JobTypeExtractText, "worker-a", 60, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, repos.Jobs.Complete(ctx, job.ID, "worker-a"))

	again, created, err := repos.Jobs.Enqueue(ctx, &Job{
		DocumentID:     doc.ID,
		JobType:        JobTypeExtractText,
		IdempotencyKey: "extract:key-1",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, JobStatusDone, again.Status)
}

func TestEnqueue_NilPayloadRoundTrips(t *testing.T) {
	repos, _ := newTestRepos(t)
	ctx := context.Background()
	doc := seedDocument(t, repos, 5)

	// The jobs RPC enqueues without a payload; the resulting NULL column must
	// survive every read path.
	job, created, err := repos.Jobs.Enqueue(ctx, &Job{
		DocumentID:     doc.ID,
		JobType:        JobTypeExtractText,
		IdempotencyKey: "no-payload",
	})
	require.NoError(t, err)
	require.True(t, created)
	assert.Nil(t, job.Payload)

	again, created, err := repos.Jobs.Enqueue(ctx, &Job{
		DocumentID:     doc.ID,
		JobType:        JobTypeExtractText,
		IdempotencyKey: "no-payload",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Nil(t, again.Payload)

	got, err := repos.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Payload)

	claimed, err := repos.Jobs.ClaimBatch(ctx, JobTypeExtractText, "worker-a", 60, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Nil(t, claimed[0].Payload)

	listed, err := repos.Jobs.List(ctx, JobFilter{DocumentID: doc.ID})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Nil(t, listed[0].Payload)
}

func TestEnqueue_RejectsEmptyKey(t *testing.T) {
	repos, _ := newTestRepos(t)
	doc := seedDocument(t, repos, 5)

	_, _, err := repos.Jobs.Enqueue(context.Background(), &Job{
		DocumentID: doc.ID,
		JobType:    JobTypeExtractText,
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestClaimBatch_LeasesUpToMaxBatch(t *testing.T) {
	repos, _ := newTestRepos(t)
	ctx := context.Background()
	doc := seedDocument(t, repos, 5)

	enqueueTestJob(t, repos, doc.ID, "key-1")
	enqueueTestJob(t, repos, doc.ID, "key-2")
	enqueueTestJob(t, repos, doc.ID, "key-3")

	claimed, err := repos.Jobs.ClaimBatch(ctx, JobTypeExtractText, "worker-a", 60, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, job := range claimed {
		assert.Equal(t, JobStatusProcessing, job.Status)
		require.NotNil(t, job.LeaseOwner)
		assert.Equal(t, "worker-a", *job.LeaseOwner)
		require.NotNil(t, job.LeaseExpiresAt)
		assert.Equal(t, 1, job.Attempt)
	}

	rest, err := repos.Jobs.ClaimBatch(ctx, JobTypeExtractText, "worker-b", 60, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	none, err := repos.Jobs.ClaimBatch(ctx, JobTypeExtractText, "worker-c", 60, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClaimBatch_IgnoresOtherJobTypes(t *testing.T) {
	repos, _ := newTestRepos(t)
	ctx := context.Background()
	doc := seedDocument(t, repos, 5)

	enqueueTestJob(t, repos, doc.ID, "key-1")

	claimed, err := repos.Jobs.ClaimBatch(ctx, JobTypeGenerateOutput, "worker-a", 60, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestClaimBatch_SkipsFutureJobs(t *testing.T) {
	repos, _ := newTestRepos(t)
	ctx := context.Background()
	doc := seedDocument(t, repos, 5)

	_, created, err := repos.Jobs.Enqueue(ctx, &Job{
		DocumentID:     doc.ID,
		JobType:        JobTypeExtractText,
		IdempotencyKey: "future",
		NextRunAt:      time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)
	require.True(t, created)

	claimed, err := repos.Jobs.ClaimBatch(ctx, JobTypeExtractText, "worker-a", 60, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestClaimBatch_ReclaimsExpiredLeaseOnly(t *testing.T) {
	repos, db := newTestRepos(t)
	ctx := context.Background()
	doc := seedDocument(t, repos, 5)

	job := enqueueTestJob(t, repos, doc.ID, "key-1")

	claimed, err := repos.Jobs.ClaimBatch(ctx, JobTypeExtractText, "worker-x", 60, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Lease still live, so another owner must not steal the job.
	stolen, err := repos.Jobs.ClaimBatch(ctx, JobTypeExtractText, "worker-y", 60, 10)
	require.NoError(t, err)
	assert.Empty(t, stolen)

	// Simulate the 60s passing without the worker completing.
	_, err = db.Exec(`UPDATE jobs SET lease_expires_at = $1 WHERE id = $2`,
		time.Now().UTC().Add(-time.Second), job.ID)
	require.NoError(t, err)

	reclaimed, err := repos.Jobs.ClaimBatch(ctx, JobTypeExtractText, "worker-y", 60, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, job.ID, reclaimed[0].ID)
	require.NotNil(t, reclaimed[0].LeaseOwner)
	assert.Equal(t, "worker-y", *reclaimed[0].LeaseOwner)
	assert.Equal(t, 2, reclaimed[0].Attempt)
}

func TestComplete_RequiresHeldLease(t *testing.T) {
	repos, _ := newTestRepos(t)
	ctx := context.Background()
	doc := seedDocument(t, repos, 5)

	job := enqueueTestJob(t, repos, doc.ID, "key-1")

	claimed, err := repos.Jobs.ClaimBatch(ctx, JobTypeExtractText, "worker-x", 60, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	err = repos.Jobs.Complete(ctx, job.ID, "worker-y")
	assert.ErrorIs(t, err, ErrLeaseLost)

	require.NoError(t, repos.Jobs.Complete(ctx, job.ID, "worker-x"))

	got, err := repos.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusDone, got.Status)
	assert.Nil(t, got.LeaseOwner)
	assert.Nil(t, got.LeaseExpiresAt)

	// Completing twice means the lease row is gone.
	err = repos.Jobs.Complete(ctx, job.ID, "worker-x")
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestFail_RetryableSchedulesBackoff(t *testing.T) {
	repos, _ := newTestRepos(t)
	ctx := context.Background()
	doc := seedDocument(t, repos, 5)

	enqueueTestJob(t, repos, doc.ID, "key-1")

	claimed, err := repos.Jobs.ClaimBatch(ctx, JobTypeExtractText, "worker-x", 60, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	terminal, err := repos.Jobs.Fail(ctx, claimed[0], "worker-x", "download timed out", true)
	require.NoError(t, err)
	assert.False(t, terminal)

	got, err := repos.Jobs.GetByID(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, got.Status)
	assert.Nil(t, got.LeaseOwner)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "download timed out", *got.LastError)

	delay := time.Until(got.NextRunAt)
	assert.Greater(t, delay, 20*time.Second)
	assert.LessOrEqual(t, delay, 31*time.Second)

	// Backed off, so not claimable yet.
	none, err := repos.Jobs.ClaimBatch(ctx, JobTypeExtractText, "worker-y", 60, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFail_TerminalAfterMaxAttempts(t *testing.T) {
	repos, _ := newTestRepos(t)
	ctx := context.Background()
	doc := seedDocument(t, repos, 5)

	_, created, err := repos.Jobs.Enqueue(ctx, &Job{
		DocumentID:     doc.ID,
		JobType:        JobTypeExtractText,
		IdempotencyKey: "key-1",
		MaxAttempts:    1,
	})
	require.NoError(t, err)
	require.True(t, created)

	claimed, err := repos.Jobs.ClaimBatch(ctx, JobTypeExtractText, "worker-x", 60, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 1, claimed[0].Attempt)

	terminal, err := repos.Jobs.Fail(ctx, claimed[0], "worker-x", "still failing", true)
	require.NoError(t, err)
	assert.True(t, terminal)

	got, err := repos.Jobs.GetByID(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
}

func TestFail_PermanentIsTerminalImmediately(t *testing.T) {
	repos, _ := newTestRepos(t)
	ctx := context.Background()
	doc := seedDocument(t, repos, 5)

	enqueueTestJob(t, repos, doc.ID, "key-1")

	claimed, err := repos.Jobs.ClaimBatch(ctx, JobTypeExtractText, "worker-x", 60, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	terminal, err := repos.Jobs.Fail(ctx, claimed[0], "worker-x", "unsupported file type", false)
	require.NoError(t, err)
	assert.True(t, terminal)

	got, err := repos.Jobs.GetByID(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempt)
}

func TestRequeue_ResetsFailedJob(t *testing.T) {
	repos, _ := newTestRepos(t)
	ctx := context.Background()
	doc := seedDocument(t, repos, 5)

	job := enqueueTestJob(t, repos, doc.ID, "key-1")

	err := repos.Jobs.Requeue(ctx, job.ID)
	assert.ErrorIs(t, err, ErrConflict)

	claimed, err := repos.Jobs.ClaimBatch(ctx, JobTypeExtractText, "worker-x", 60, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	_, err = repos.Jobs.Fail(ctx, claimed[0], "worker-x", "corrupt input", false)
	require.NoError(t, err)

	require.NoError(t, repos.Jobs.Requeue(ctx, job.ID))

	got, err := repos.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, got.Status)
	assert.Equal(t, 0, got.Attempt)
	assert.Nil(t, got.LastError)

	err = repos.Jobs.Requeue(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHasActive_TracksQueuedAndProcessing(t *testing.T) {
	repos, _ := newTestRepos(t)
	ctx := context.Background()
	doc := seedDocument(t, repos, 5)

	active, err := repos.Jobs.HasActive(ctx, doc.ID, JobTypeExtractText)
	require.NoError(t, err)
	assert.False(t, active)

	job := enqueueTestJob(t, repos, doc.ID, "key-1")

	active, err = repos.Jobs.HasActive(ctx, doc.ID, JobTypeExtractText)
	require.NoError(t, err)
	assert.True(t, active)

	claimed, err := repos.Jobs.ClaimBatch(ctx, JobTypeExtractText, "worker-x", 60, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	active, err = repos.Jobs.HasActive(ctx, doc.ID, JobTypeExtractText)
	require.NoError(t, err)
	assert.True(t, active)

	require.NoError(t, repos.Jobs.Complete(ctx, job.ID, "worker-x"))

	active, err = repos.Jobs.HasActive(ctx, doc.ID, JobTypeExtractText)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestList_Filters(t *testing.T) {
	repos, _ := newTestRepos(t)
	ctx := context.Background()
	doc := seedDocument(t, repos, 5)
	other := seedDocument(t, repos, 5)

	enqueueTestJob(t, repos, doc.ID, "key-1")
	enqueueTestJob(t, repos, other.ID, "key-2")

	_, created, err := repos.Jobs.Enqueue(ctx, &Job{
		DocumentID:     doc.ID,
		JobType:        JobTypeGenerateOutput,
		IdempotencyKey: "key-3",
	})
	require.NoError(t, err)
	require.True(t, created)

	all, err := repos.Jobs.List(ctx, JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byDoc, err := repos.Jobs.List(ctx, JobFilter{DocumentID: doc.ID})
	require.NoError(t, err)
	assert.Len(t, byDoc, 2)

	byType, err := repos.Jobs.List(ctx, JobFilter{JobType: JobTypeGenerateOutput})
	require.NoError(t, err)
	assert.Len(t, byType, 1)

	byStatus, err := repos.Jobs.List(ctx, JobFilter{Status: JobStatusQueued})
	require.NoError(t, err)
	assert.Len(t, byStatus, 3)
}

func TestRetryDelay_DoublesWithCeiling(t *testing.T) {
	assert.Equal(t, 30*time.Second, retryDelay(0))
	assert.Equal(t, 30*time.Second, retryDelay(1))
	assert.Equal(t, time.Minute, retryDelay(2))
	assert.Equal(t, 2*time.Minute, retryDelay(3))
	assert.Equal(t, 8*time.Minute, retryDelay(5))
	assert.Equal(t, 15*time.Minute, retryDelay(6))
	assert.Equal(t, 15*time.Minute, retryDelay(50))
}
