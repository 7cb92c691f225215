package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietEntry() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestQueue(t *testing.T) (*Queue, *goredis.Client) {
	t.Helper()
	client := newTestClient(t)
	return New(client, 3, 10*time.Millisecond, quietEntry()), client
}

func TestJobID(t *testing.T) {
	assert.Equal(t, "validation-abc", JobID("abc"))
}

func TestEnqueueDequeue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	jobID, duplicate, err := q.Enqueue(ctx, "run-1", "facturation.csv")
	require.NoError(t, err)
	assert.False(t, duplicate)
	assert.Equal(t, "validation-run-1", jobID)

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "run-1", job.RunID)
	assert.Equal(t, "facturation.csv", job.FileName)
	assert.Equal(t, 1, job.Attempt)
	assert.False(t, job.EnqueuedAt.IsZero())
}

func TestEnqueueIsIdempotentPerRun(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first, duplicate, err := q.Enqueue(ctx, "run-1", "a.csv")
	require.NoError(t, err)
	require.False(t, duplicate)

	second, duplicate, err := q.Enqueue(ctx, "run-1", "a.csv")
	require.NoError(t, err)
	assert.True(t, duplicate)
	assert.Equal(t, first, second)

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDequeueTimeout(t *testing.T) {
	q, _ := newTestQueue(t)

	job, err := q.Dequeue(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDequeueDropsOrphanedJobID(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	// Pending entry without its payload key, as after a retention race.
	require.NoError(t, client.LPush(ctx, keyPending, "validation-ghost").Err())

	job, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDequeueTracksProcessing(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, "run-1", "a.csv")
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	score, err := client.ZScore(ctx, keyProcessing, job.ID).Result()
	require.NoError(t, err)
	assert.Positive(t, score)

	require.NoError(t, q.Complete(ctx, job))
	n, err := client.ZCard(ctx, keyProcessing).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

// A worker that dies after Dequeue leaves its job in the processing set; the
// idempotency marker swallows re-enqueues, so only the reaper can revive the
// run for the next worker generation.
func TestReapStaleRevivesAbandonedJob(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, "run-1", "a.csv")
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Worker dies here: no Complete, Fail or Requeue.
	_, duplicate, err := q.Enqueue(ctx, "run-1", "a.csv")
	require.NoError(t, err)
	assert.True(t, duplicate)
	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	reaped, err := q.ReapStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	n, err = q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	processing, err := client.ZCard(ctx, keyProcessing).Result()
	require.NoError(t, err)
	assert.Zero(t, processing)

	again, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "run-1", again.RunID)
}

func TestReapStaleLeavesFreshJobsAlone(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, "run-1", "a.csv")
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)

	reaped, err := q.ReapStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, reaped)

	processing, err := client.ZCard(ctx, keyProcessing).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), processing)
}

func TestReapStaleDropsEntriesWithoutPayload(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, client.ZAdd(ctx, keyProcessing, goredis.Z{Score: 1, Member: "validation-ghost"}).Err())

	reaped, err := q.ReapStale(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, reaped)

	processing, err := client.ZCard(ctx, keyProcessing).Result()
	require.NoError(t, err)
	assert.Zero(t, processing)
	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// A requeued job must stay invisible until its backoff elapses, even to an
// idle worker polling the queue.
func TestRequeueNotDequeuableBeforeBackoff(t *testing.T) {
	client := newTestClient(t)
	q := New(client, 3, 300*time.Millisecond, quietEntry())
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, "run-1", "a.csv")
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	ok, err := q.Requeue(ctx, job)
	require.NoError(t, err)
	require.True(t, ok)

	// Parked in the delayed set: nothing pending, nothing processing.
	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	delayed, err := client.ZCard(ctx, keyDelayed).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)
	processing, err := client.ZCard(ctx, keyProcessing).Result()
	require.NoError(t, err)
	assert.Zero(t, processing)

	early, err := q.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, early)

	time.Sleep(350 * time.Millisecond)
	late, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, late)
	assert.Equal(t, 2, late.Attempt)
}

func TestRequeueCeiling(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, "run-1", "a.csv")
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Attempts 1 and 2 requeue; the third is the ceiling.
	for want := 2; want <= 3; want++ {
		ok, err := q.Requeue(ctx, job)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, job.Attempt)

		time.Sleep(50 * time.Millisecond) // past the backoff window
		job, err = q.Dequeue(ctx, 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, job)
	}

	ok, err := q.Requeue(ctx, job)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, job.Attempt)
}

func TestBackoff(t *testing.T) {
	q := New(newTestClient(t), 3, time.Second, quietEntry())
	assert.Equal(t, time.Second, q.Backoff(1))
	assert.Equal(t, 2*time.Second, q.Backoff(2))
	assert.Equal(t, 4*time.Second, q.Backoff(3))
}

func TestCompleteRetiresJob(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, "run-1", "a.csv")
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.Complete(ctx, job))

	// Payload key gone, so the run can be enqueued again.
	exists, err := client.Exists(ctx, keyJobPrefix+job.ID).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)

	members, err := client.ZRange(ctx, keyCompleted, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, members, 1)

	var retired retiredJob
	require.NoError(t, json.Unmarshal([]byte(members[0]), &retired))
	assert.Equal(t, "run-1", retired.RunID)
	assert.Empty(t, retired.Error)
}

func TestFailRecordsMessage(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, "run-1", "a.csv")
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.Fail(ctx, job, "le fichier est introuvable"))

	members, err := client.ZRange(ctx, keyFailed, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, members, 1)

	var retired retiredJob
	require.NoError(t, json.Unmarshal([]byte(members[0]), &retired))
	assert.Equal(t, "le fichier est introuvable", retired.Error)
	assert.Equal(t, 1, retired.Attempts)
}

func TestCompletedRetentionTrimsByCount(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < completedMaxCount+5; i++ {
		runID := fmt.Sprintf("run-%03d", i)
		_, _, err := q.Enqueue(ctx, runID, "a.csv")
		require.NoError(t, err)
		job, err := q.Dequeue(ctx, 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.NoError(t, q.Complete(ctx, job))
	}

	n, err := client.ZCard(ctx, keyCompleted).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, n, int64(completedMaxCount))
}
