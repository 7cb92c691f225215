// Package redis implements the validation job queue on Redis lists.
//
// One job exists per validation run: the job id is derived from the run id, so
// enqueueing the same run twice is a no-op. Payloads carry only identifiers
// (run id and original file name), never billing data.
//
// A dequeued job moves into a processing set scored by dequeue time; Complete,
// Fail and Requeue remove it. Jobs whose worker died stay in the set until
// ReapStale pushes them back onto the pending list. Requeued jobs wait in a
// delayed set until their backoff elapses and are only then promoted to
// pending, so the retry schedule holds regardless of how many workers are
// idle. Finished jobs move to retention sets trimmed by both age and count.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	keyPending    = "validation:queue:pending"
	keyProcessing = "validation:queue:processing"
	keyDelayed    = "validation:queue:delayed"
	keyJobPrefix  = "validation:queue:job:"
	keyCompleted  = "validation:queue:completed"
	keyFailed     = "validation:queue:failed"

	completedRetention = time.Hour
	completedMaxCount  = 100
	failedRetention    = 24 * time.Hour
	failedMaxCount     = 1000
)

// ErrUnavailable reports that Redis could not be reached.
var ErrUnavailable = errors.New("job queue unavailable")

// Job is one queued validation run.
type Job struct {
	ID         string    `json:"id"`
	RunID      string    `json:"runId"`
	FileName   string    `json:"fileName"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// JobID derives the deterministic job id for a run.
func JobID(runID string) string {
	return "validation-" + runID
}

// Queue is the Redis-backed job queue handle.
type Queue struct {
	client      *redis.Client
	log         *logrus.Entry
	maxAttempts int
	backoffBase time.Duration
}

// New builds a queue over an existing Redis client.
func New(client *redis.Client, maxAttempts int, backoffBase time.Duration, log *logrus.Entry) *Queue {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	return &Queue{client: client, log: log, maxAttempts: maxAttempts, backoffBase: backoffBase}
}

// MaxAttempts returns the retry ceiling.
func (q *Queue) MaxAttempts() int { return q.maxAttempts }

// Backoff returns the delay before the given retry attempt (1-based): the base
// delay doubled per prior attempt.
func (q *Queue) Backoff(attempt int) time.Duration {
	d := q.backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Enqueue queues a validation run. When a job for the run already exists the
// call is a no-op and returns duplicate=true, leaving the existing job alone.
func (q *Queue) Enqueue(ctx context.Context, runID, fileName string) (string, bool, error) {
	job := Job{
		ID:         JobID(runID),
		RunID:      runID,
		FileName:   fileName,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal job: %w", err)
	}

	created, err := q.client.SetNX(ctx, keyJobPrefix+job.ID, payload, 0).Result()
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !created {
		q.log.WithField("job_id", job.ID).Debug("run already queued, skipping enqueue")
		return job.ID, true, nil
	}

	if err := q.client.LPush(ctx, keyPending, job.ID).Err(); err != nil {
		// Roll back the marker so a later enqueue can succeed.
		q.client.Del(ctx, keyJobPrefix+job.ID)
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return job.ID, false, nil
}

// Dequeue blocks for up to timeout waiting for the next job, first promoting
// any delayed retries whose backoff has elapsed. The returned job is tracked
// in the processing set until Complete, Fail or Requeue. A nil job with a nil
// error means the timeout elapsed.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	if err := q.promoteDue(ctx); err != nil {
		q.log.WithError(err).Warn("failed to promote delayed jobs")
	}

	res, err := q.client.BRPop(ctx, timeout, keyPending).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	jobID := res[1]

	data, err := q.client.Get(ctx, keyJobPrefix+jobID).Bytes()
	if err == redis.Nil {
		// Marker vanished (completed elsewhere or retention race); skip.
		q.log.WithField("job_id", jobID).Warn("dequeued job without payload, dropping")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		q.client.Del(ctx, keyJobPrefix+jobID)
		return nil, fmt.Errorf("failed to unmarshal job %s: %v", jobID, err)
	}

	score := float64(time.Now().UnixMilli())
	if err := q.client.ZAdd(ctx, keyProcessing, redis.Z{Score: score, Member: jobID}).Err(); err != nil {
		q.log.WithError(err).WithField("job_id", jobID).Warn("failed to track processing job")
	}
	return &job, nil
}

// promoteDue moves delayed jobs whose ready-time has passed onto pending.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	ids, err := q.client.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for _, id := range ids {
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, keyDelayed, id)
		pipe.LPush(ctx, keyPending, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// Requeue schedules a failed job for another attempt after its backoff delay.
// The job is parked in the delayed set and stays invisible to Dequeue until
// the delay elapses. Returns false when the retry ceiling is reached; the
// caller then marks the job failed.
func (q *Queue) Requeue(ctx context.Context, job *Job) (bool, error) {
	if job.Attempt >= q.maxAttempts {
		return false, nil
	}
	delay := q.Backoff(job.Attempt)
	job.Attempt++

	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job: %w", err)
	}
	ready := float64(time.Now().Add(delay).UnixMilli())

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, keyJobPrefix+job.ID, payload, 0)
	pipe.ZRem(ctx, keyProcessing, job.ID)
	pipe.ZAdd(ctx, keyDelayed, redis.Z{Score: ready, Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return true, nil
}

// ReapStale returns jobs stuck in the processing set for longer than olderThan
// to the pending list, so runs abandoned by a dead worker are picked up by the
// next worker generation. Entries whose payload vanished are dropped. Returns
// the number of jobs requeued.
func (q *Queue) ReapStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := fmt.Sprintf("%d", time.Now().Add(-olderThan).UnixMilli())
	ids, err := q.client.ZRangeByScore(ctx, keyProcessing, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	reaped := 0
	for _, id := range ids {
		exists, err := q.client.Exists(ctx, keyJobPrefix+id).Result()
		if err != nil {
			return reaped, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, keyProcessing, id)
		if exists > 0 {
			pipe.LPush(ctx, keyPending, id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return reaped, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if exists > 0 {
			reaped++
			q.log.WithField("job_id", id).Warn("requeued job abandoned by a dead worker")
		}
	}
	return reaped, nil
}

// Complete retires a finished job into the completed retention set.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	return q.retire(ctx, job, keyCompleted, "", completedRetention, completedMaxCount)
}

// Fail retires an exhausted job into the failed retention set with its final
// error message. The message must already be sanitized by the caller.
func (q *Queue) Fail(ctx context.Context, job *Job, message string) error {
	return q.retire(ctx, job, keyFailed, message, failedRetention, failedMaxCount)
}

type retiredJob struct {
	ID         string    `json:"id"`
	RunID      string    `json:"runId"`
	Attempts   int       `json:"attempts"`
	FinishedAt time.Time `json:"finishedAt"`
	Error      string    `json:"error,omitempty"`
}

func (q *Queue) retire(ctx context.Context, job *Job, key, message string, retention time.Duration, maxCount int64) error {
	now := time.Now().UTC()
	member, err := json.Marshal(retiredJob{
		ID:         job.ID,
		RunID:      job.RunID,
		Attempts:   job.Attempt,
		FinishedAt: now,
		Error:      message,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal retired job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Del(ctx, keyJobPrefix+job.ID)
	pipe.ZRem(ctx, keyProcessing, job.ID)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.Unix()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", now.Add(-retention).Unix()))
	pipe.ZRemRangeByRank(ctx, key, 0, -maxCount-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// PendingCount returns the number of immediately dequeuable jobs.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, keyPending).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}
