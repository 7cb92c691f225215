// Package worker runs the fixed pool of validation workers that consume jobs
// from the Redis queue and hand them to the run processor.
//
// Each worker processes one job at a time. A failed attempt is requeued with
// exponential backoff up to the retry ceiling; after the last attempt the run
// is marked failed with a sanitized error message. A janitor goroutine
// periodically returns jobs abandoned by dead workers to the pending queue.
// Stop drains in-flight jobs within the configured timeout before returning.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ramqval.facturis.org/phi"
	redisq "ramqval.facturis.org/queue/redis"
	"ramqval.facturis.org/vlog"
)

const (
	dequeueTimeout = 2 * time.Second
	reapInterval   = time.Minute
	staleAfter     = 10 * time.Minute
)

// Processor executes one validation run end to end.
type Processor interface {
	ProcessRun(ctx context.Context, runID, fileName string) error
}

// RunFailer marks a run terminally failed once retries are exhausted.
type RunFailer interface {
	MarkRunFailed(ctx context.Context, runID, message string) error
}

// Pool is the worker pool handle.
type Pool struct {
	queue *redisq.Queue
	proc  Processor
	store RunFailer
	sink  *vlog.Sink
	log   *logrus.Entry

	size  int
	drain time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a pool; Start launches the workers.
func New(q *redisq.Queue, proc Processor, store RunFailer, sink *vlog.Sink, size int, drain time.Duration, log *logrus.Entry) *Pool {
	if size < 1 {
		size = 2
	}
	if drain <= 0 {
		drain = 30 * time.Second
	}
	return &Pool{queue: q, proc: proc, store: store, sink: sink, log: log, size: size, drain: drain}
}

// Start launches the workers. The caller must have warmed the reference cache
// before calling Start so the first job does not stampede the database.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.log.WithField("concurrency", p.size).Info("starting validation workers")
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.wg.Add(1)
	go p.reapLoop(ctx)
}

// reapLoop returns jobs stuck in processing longer than staleAfter to the
// pending queue, so runs orphaned by a crashed worker are retried.
func (p *Pool) reapLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.ReapStale(ctx, staleAfter)
			if err != nil {
				if ctx.Err() == nil {
					p.log.WithError(err).Warn("failed to reap stale jobs")
				}
				continue
			}
			if n > 0 {
				p.log.WithField("count", n).Warn("requeued jobs abandoned by dead workers")
			}
		}
	}
}

// Stop signals the workers and waits for in-flight jobs up to the drain
// timeout. Returns an error when the drain deadline passes first.
func (p *Pool) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Info("workers drained")
		return nil
	case <-time.After(p.drain):
		return errors.New("worker drain timeout exceeded")
	}
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.WithField("worker", id)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("dequeue failed, backing off")
			sleep(ctx, dequeueTimeout)
			continue
		}
		if job == nil {
			continue
		}
		p.handle(ctx, log, job)
	}
}

// handle runs one job attempt. The processing context is detached from the
// pool context so a shutdown signal does not abort a job mid-run; drain
// waiting covers it instead.
func (p *Pool) handle(ctx context.Context, log *logrus.Entry, job *redisq.Job) {
	jobLog := log.WithFields(logrus.Fields{"job_id": job.ID, "run_id": job.RunID, "attempt": job.Attempt})
	jobLog.Info("processing validation run")
	started := time.Now()

	jobCtx := context.WithoutCancel(ctx)
	err := p.proc.ProcessRun(jobCtx, job.RunID, job.FileName)
	if err == nil {
		jobLog.WithField("duration", time.Since(started).Round(time.Millisecond)).Info("validation run completed")
		if cerr := p.queue.Complete(jobCtx, job); cerr != nil {
			jobLog.WithError(cerr).Warn("failed to retire completed job")
		}
		return
	}

	message := phi.SanitizeError(err)
	jobLog.WithField("error", message).Error("validation run attempt failed")

	failedAttempt := job.Attempt
	requeued, qerr := p.queue.Requeue(jobCtx, job)
	if qerr != nil {
		jobLog.WithError(qerr).Error("failed to requeue job")
		requeued = false
	}
	if requeued {
		// The queue parks the job in its delayed set; nothing to wait on here.
		p.sink.Warn(jobCtx, job.RunID, "worker",
			"Échec du traitement; nouvelle tentative planifiée.",
			&vlog.Meta{JobID: job.ID, Attempt: vlog.Int(failedAttempt)})
		return
	}

	// Retries exhausted (or the queue is gone): the run fails for good.
	p.sink.Error(jobCtx, job.RunID, "worker",
		"Échec définitif du traitement après épuisement des tentatives.",
		&vlog.Meta{JobID: job.ID, Attempt: vlog.Int(job.Attempt), ErrorCode: "attempts_exhausted"})
	if serr := p.store.MarkRunFailed(jobCtx, job.RunID, message); serr != nil {
		jobLog.WithError(serr).Error("failed to mark run failed")
	}
	if ferr := p.queue.Fail(jobCtx, job, message); ferr != nil {
		jobLog.WithError(ferr).Warn("failed to retire failed job")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
