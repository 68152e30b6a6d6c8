package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Process runs handler for claimed jobs with at most concurrency jobs in
// flight. It blocks until ctx is done, then stops claiming and waits for
// in-flight jobs to finish. Handler errors and panics fail the job; they
// never stop the worker. There is no automatic retry of failed jobs.
func (q *Queue) Process(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}

	log := zap.L().With(zap.String("queue", q.name))
	log.Info("queue: worker pool started", zap.Int("concurrency", concurrency))

	// In-flight jobs outlive ctx so shutdown drains instead of aborting them.
	jobParent := context.WithoutCancel(ctx)

	slots := make(chan struct{}, concurrency)
	var g errgroup.Group

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case slots <- struct{}{}:
		}

		job, err := q.claim(ctx)
		if err != nil && ctx.Err() == nil {
			log.Warn("queue: claim failed", zap.Error(err))
		}
		if job == nil {
			<-slots
			if !q.idle(ctx) {
				break loop
			}
			continue
		}

		g.Go(func() error {
			defer func() { <-slots }()
			q.run(jobParent, job, handler)
			return nil
		})
	}

	_ = g.Wait()
	log.Info("queue: worker pool stopped")
	return nil
}

// ProcessOne claims and runs a single job synchronously. It reports whether a
// job was run.
func (q *Queue) ProcessOne(ctx context.Context, handler Handler) (bool, error) {
	job, err := q.claim(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	q.run(ctx, job, handler)
	return true, nil
}

func (q *Queue) claim(ctx context.Context) (*Job, error) {
	job, err := q.backend.Claim(ctx, q.now().UTC())
	if err != nil {
		return nil, eris.Wrapf(err, "queue: claim from %s", q.name)
	}
	if job != nil {
		job.q = q
	}
	return job, nil
}

// idle waits for the poll interval or an enqueue signal. It returns false if
// ctx ended.
func (q *Queue) idle(ctx context.Context) bool {
	timer := time.NewTimer(q.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-q.wake:
		return true
	case <-timer.C:
		return true
	}
}

func (q *Queue) run(parent context.Context, job *Job, handler Handler) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	q.track(job.ID, cancel)
	defer q.untrack(job.ID)

	log := zap.L().With(zap.String("queue", q.name), zap.String("job_id", job.ID))
	log.Info("queue: job started", zap.Int("attempt", job.Attempts))

	start := time.Now()
	result, err := invoke(ctx, job, handler)
	duration := time.Since(start)

	// Bookkeeping must land even if the job context was canceled.
	writeCtx := context.WithoutCancel(parent)
	finished := q.now().UTC()

	if err == nil {
		var raw json.RawMessage
		if result != nil {
			raw, err = json.Marshal(result)
			if err != nil {
				err = eris.Wrap(err, "queue: marshal job result")
			}
		}
		if err == nil {
			ok, terr := q.backend.Transition(writeCtx, job.ID, []State{StateActive}, StateCompleted, Update{
				Result:     raw,
				FinishedAt: &finished,
			})
			switch {
			case terr != nil:
				log.Error("queue: failed to mark job completed", zap.Error(terr))
			case !ok:
				log.Warn("queue: job left active state before completion, result discarded")
			default:
				q.observer.JobFinished(q.name, StateCompleted, duration)
				log.Info("queue: job completed", zap.Duration("duration", duration))
			}
			return
		}
	}

	ok, terr := q.backend.Transition(writeCtx, job.ID, []State{StateActive}, StateFailed, Update{
		FailedReason: err.Error(),
		FinishedAt:   &finished,
	})
	switch {
	case terr != nil:
		log.Error("queue: failed to mark job failed", zap.Error(terr), zap.NamedError("job_error", err))
	case !ok:
		log.Warn("queue: job left active state before failure was recorded", zap.NamedError("job_error", err))
	default:
		q.observer.JobFinished(q.name, StateFailed, duration)
		log.Error("queue: job failed", zap.Duration("duration", duration), zap.Error(err))
	}
}

// invoke calls handler and converts a panic into an error.
func invoke(ctx context.Context, job *Job, handler Handler) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("queue: handler panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			result = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}
