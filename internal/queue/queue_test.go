package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingObserver struct {
	mu       sync.Mutex
	enqueued int
	finished map[State]int
}

func (o *recordingObserver) JobEnqueued(string) {
	o.mu.Lock()
	o.enqueued++
	o.mu.Unlock()
}

func (o *recordingObserver) JobFinished(_ string, s State, _ time.Duration) {
	o.mu.Lock()
	if o.finished == nil {
		o.finished = make(map[State]int)
	}
	o.finished[s]++
	o.mu.Unlock()
}

func newTestQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	opts = append([]Option{WithPollInterval(5 * time.Millisecond)}, opts...)
	q := New("test", NewMemoryBackend(), opts...)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestQueue_EnqueueAndProcessOne(t *testing.T) {
	obs := &recordingObserver{}
	q := newTestQueue(t, WithObserver(obs))
	ctx := context.Background()

	id, err := q.Enqueue(ctx, map[string]string{"name": "plant-1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, job.State)
	assert.Equal(t, "test", job.Queue)

	ran, err := q.ProcessOne(ctx, func(ctx context.Context, job *Job) (any, error) {
		var p map[string]string
		require.NoError(t, job.DecodePayload(&p))
		assert.Equal(t, "plant-1", p["name"])
		require.NoError(t, job.UpdateProgress(ctx, 50))
		return map[string]int{"links": 3}, nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	job, err = q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
	assert.Equal(t, 50, job.Progress)
	assert.Equal(t, 1, job.Attempts)
	assert.JSONEq(t, `{"links":3}`, string(job.Result))
	assert.NotNil(t, job.ProcessedAt)
	assert.NotNil(t, job.FinishedAt)

	assert.Equal(t, 1, obs.enqueued)
	assert.Equal(t, 1, obs.finished[StateCompleted])
}

func TestQueue_ProcessOne_Empty(t *testing.T) {
	q := newTestQueue(t)

	ran, err := q.ProcessOne(context.Background(), func(context.Context, *Job) (any, error) {
		t.Fatal("handler must not run")
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestQueue_FIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var ids []string
	for i := range 3 {
		id, err := q.Enqueue(ctx, i)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var order []string
	for range 3 {
		_, err := q.ProcessOne(ctx, func(_ context.Context, job *Job) (any, error) {
			order = append(order, job.ID)
			return nil, nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, ids, order)
}

func TestJob_UpdateProgress_MonotonicAndClamped(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "x")
	require.NoError(t, err)

	_, err = q.ProcessOne(ctx, func(ctx context.Context, job *Job) (any, error) {
		require.NoError(t, job.UpdateProgress(ctx, 60))
		require.NoError(t, job.UpdateProgress(ctx, 30))
		stored, err := q.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 60, stored.Progress)

		require.NoError(t, job.UpdateProgress(ctx, 150))
		return nil, nil
	})
	require.NoError(t, err)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 100, job.Progress)
}

func TestJob_UpdateProgress_Detached(t *testing.T) {
	job := &Job{ID: "x"}
	err := job.UpdateProgress(context.Background(), 10)
	require.Error(t, err)
}

func TestQueue_HandlerError(t *testing.T) {
	obs := &recordingObserver{}
	q := newTestQueue(t, WithObserver(obs))
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "x")
	require.NoError(t, err)

	_, err = q.ProcessOne(ctx, func(context.Context, *Job) (any, error) {
		return nil, errors.New("boom")
	})
	require.NoError(t, err)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, "boom", job.FailedReason)
	assert.Equal(t, 1, obs.finished[StateFailed])
}

func TestQueue_HandlerPanic(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "x")
	require.NoError(t, err)

	_, err = q.ProcessOne(ctx, func(context.Context, *Job) (any, error) {
		panic("nil map")
	})
	require.NoError(t, err)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Contains(t, job.FailedReason, "handler panic: nil map")
}

func TestQueue_UnmarshalableResult(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "x")
	require.NoError(t, err)

	_, err = q.ProcessOne(ctx, func(context.Context, *Job) (any, error) {
		return make(chan int), nil
	})
	require.NoError(t, err)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Contains(t, job.FailedReason, "marshal job result")
}

func TestQueue_Cancel_Waiting(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "x")
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, id))

	_, err = q.GetJob(ctx, id)
	assert.ErrorIs(t, err, ErrJobNotFound)

	ran, err := q.ProcessOne(ctx, func(context.Context, *Job) (any, error) { return nil, nil })
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestQueue_Cancel_Unknown(t *testing.T) {
	q := newTestQueue(t)
	err := q.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestQueue_Cancel_Finished(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "x")
	require.NoError(t, err)
	_, err = q.ProcessOne(ctx, func(context.Context, *Job) (any, error) { return nil, nil })
	require.NoError(t, err)

	err = q.Cancel(ctx, id)
	assert.ErrorIs(t, err, ErrJobFinished)
}

func TestQueue_Cancel_Active(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := q.Enqueue(ctx, "x")
	require.NoError(t, err)

	started := make(chan struct{})
	handlerDone := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Process(ctx, 1, func(jctx context.Context, job *Job) (any, error) {
			close(started)
			<-jctx.Done()
			// A progress write after cancel reports the job is gone.
			handlerDone <- job.UpdateProgress(context.Background(), 90)
			// A late success must not overwrite the canceled state.
			return "late", nil
		})
	}()

	<-started
	require.NoError(t, q.Cancel(context.Background(), id))

	select {
	case perr := <-handlerDone:
		assert.ErrorIs(t, perr, ErrJobNotActive)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not interrupted")
	}

	cancel()
	<-done

	job, err := q.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, CanceledReason, job.FailedReason)
	assert.Nil(t, job.Result)
}

func TestQueue_Delay(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t)
	q.now = clock.Now
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "x", WithDelay(time.Minute))
	require.NoError(t, err)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, job.State)
	require.NotNil(t, job.DelayUntil)

	handler := func(context.Context, *Job) (any, error) { return nil, nil }

	ran, err := q.ProcessOne(ctx, handler)
	require.NoError(t, err)
	assert.False(t, ran)

	clock.Advance(time.Minute)
	ran, err = q.ProcessOne(ctx, handler)
	require.NoError(t, err)
	assert.True(t, ran)

	job, err = q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
}

func TestQueue_PauseResume(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	before, err := q.Enqueue(ctx, "before")
	require.NoError(t, err)

	require.NoError(t, q.Pause(ctx))
	paused, err := q.IsPaused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	after, err := q.Enqueue(ctx, "after")
	require.NoError(t, err)

	pausedJobs, err := q.GetJobsByStates(ctx, StatePaused)
	require.NoError(t, err)
	require.Len(t, pausedJobs, 2)
	assert.Equal(t, before, pausedJobs[0].ID)
	assert.Equal(t, after, pausedJobs[1].ID)

	handler := func(context.Context, *Job) (any, error) { return nil, nil }
	ran, err := q.ProcessOne(ctx, handler)
	require.NoError(t, err)
	assert.False(t, ran)

	require.NoError(t, q.Resume(ctx))
	paused, err = q.IsPaused(ctx)
	require.NoError(t, err)
	assert.False(t, paused)

	waiting, err := q.GetJobsByStates(ctx, StateWaiting)
	require.NoError(t, err)
	assert.Len(t, waiting, 2)

	ran, err = q.ProcessOne(ctx, handler)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestQueue_PauseIsSharedAcrossProcesses(t *testing.T) {
	backend := NewMemoryBackend()
	cli := New("reqs", backend)
	submitter := New("reqs", backend)
	worker := New("reqs", backend)
	ctx := context.Background()

	require.NoError(t, cli.Pause(ctx))

	id, err := submitter.Enqueue(ctx, "x")
	require.NoError(t, err)
	job, err := submitter.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, job.State)

	ran, err := worker.ProcessOne(ctx, func(context.Context, *Job) (any, error) { return nil, nil })
	require.NoError(t, err)
	assert.False(t, ran)

	paused, err := worker.IsPaused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	require.NoError(t, cli.Resume(ctx))
	ran, err = worker.ProcessOne(ctx, func(context.Context, *Job) (any, error) { return nil, nil })
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestQueue_Process_ConcurrencyBound(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const jobs = 6
	for i := range jobs {
		_, err := q.Enqueue(ctx, i)
		require.NoError(t, err)
	}

	var inFlight, peak, done atomic.Int32
	handler := func(context.Context, *Job) (any, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		done.Add(1)
		return nil, nil
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = q.Process(ctx, 2, handler)
	}()

	require.Eventually(t, func() bool { return done.Load() == jobs }, 5*time.Second, 5*time.Millisecond)
	cancel()
	<-stopped

	assert.LessOrEqual(t, peak.Load(), int32(2))
	completed, err := q.GetJobsByStates(context.Background(), StateCompleted)
	require.NoError(t, err)
	assert.Len(t, completed, jobs)
}

func TestQueue_Process_DrainsOnShutdown(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())

	id, err := q.Enqueue(ctx, "x")
	require.NoError(t, err)

	started := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = q.Process(ctx, 1, func(jctx context.Context, _ *Job) (any, error) {
			close(started)
			time.Sleep(50 * time.Millisecond)
			return nil, jctx.Err()
		})
	}()

	<-started
	cancel()
	<-stopped

	job, err := q.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
}

func TestQueue_GetJobsByStates(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	jobs, err := q.GetJobsByStates(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	_, err = q.Enqueue(ctx, "a")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "b", WithDelay(time.Hour))
	require.NoError(t, err)

	jobs, err = q.GetJobsByStates(ctx, PendingStates...)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	var payload string
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &payload))
	assert.Equal(t, "a", payload)
}

func TestParseStates(t *testing.T) {
	t.Parallel()

	got, err := ParseStates("waiting, Active,,failed")
	require.NoError(t, err)
	assert.Equal(t, []State{StateWaiting, StateActive, StateFailed}, got)

	_, err = ParseStates("waiting,done")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown state "done"`)
}

func TestState_Finished(t *testing.T) {
	t.Parallel()

	assert.True(t, StateCompleted.Finished())
	assert.True(t, StateFailed.Finished())
	assert.False(t, StateActive.Finished())
	assert.False(t, StatePaused.Finished())
}
