// Package queue implements a named, durable job queue with a bounded worker
// pool, per-job progress and cancellation. Storage is delegated to a Backend
// (in-memory, Postgres or Redis) so domain code never touches the store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// State is the lifecycle state of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// AllStates lists every job state.
var AllStates = []State{StateWaiting, StateActive, StateDelayed, StatePaused, StateCompleted, StateFailed}

// PendingStates are the states of jobs that have not finished yet.
var PendingStates = []State{StateWaiting, StatePaused, StateActive, StateDelayed}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, v := range AllStates {
		if s == v {
			return true
		}
	}
	return false
}

// Finished reports whether s is terminal.
func (s State) Finished() bool {
	return s == StateCompleted || s == StateFailed
}

// ParseStates parses a comma-separated list such as "waiting,active".
func ParseStates(csv string) ([]State, error) {
	var out []State
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if part == "" {
			continue
		}
		s := State(part)
		if !s.Valid() {
			return nil, eris.Errorf("queue: unknown state %q", part)
		}
		out = append(out, s)
	}
	return out, nil
}

// CanceledReason is recorded as the failure reason of a canceled active job.
const CanceledReason = "canceled"

var (
	// ErrJobNotFound is returned when a job id is unknown to the queue.
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrJobFinished is returned when canceling a completed or failed job.
	ErrJobFinished = errors.New("queue: job already finished")
	// ErrJobNotActive is returned by UpdateProgress once the job has left the
	// active state, e.g. after a cancel from another process.
	ErrJobNotActive = errors.New("queue: job is no longer active")
)

// Job is one unit of queued work.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	State        State           `json:"state"`
	Progress     int             `json:"progress"`
	Payload      json.RawMessage `json:"payload"`
	Result       json.RawMessage `json:"result,omitempty"`
	FailedReason string          `json:"failed_reason,omitempty"`
	Attempts     int             `json:"attempts"`
	DelayUntil   *time.Time      `json:"delay_until,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`

	q *Queue
}

// DecodePayload unmarshals the job payload into v.
func (j *Job) DecodePayload(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return eris.Wrapf(err, "queue: decode payload of job %s", j.ID)
	}
	return nil
}

// UpdateProgress records percent (clamped to 0..100) for an active job.
// Progress never decreases. It returns ErrJobNotActive if the job was
// canceled or otherwise finished while the worker was running it.
func (j *Job) UpdateProgress(ctx context.Context, percent int) error {
	if j.q == nil {
		return eris.New("queue: job is detached from its queue")
	}
	percent = max(0, min(100, percent))

	ok, err := j.q.backend.SetProgress(ctx, j.ID, percent)
	if err != nil {
		return eris.Wrapf(err, "queue: update progress of job %s", j.ID)
	}
	if !ok {
		return ErrJobNotActive
	}
	if percent > j.Progress {
		j.Progress = percent
	}
	return nil
}

// EnsureActive re-reads the job and returns ErrJobNotActive once it has
// left the active state, e.g. after a cancel from another process.
func (j *Job) EnsureActive(ctx context.Context) error {
	if j.q == nil {
		return eris.New("queue: job is detached from its queue")
	}
	cur, err := j.q.backend.Get(ctx, j.ID)
	if errors.Is(err, ErrJobNotFound) {
		return ErrJobNotActive
	}
	if err != nil {
		return eris.Wrapf(err, "queue: reload job %s", j.ID)
	}
	if cur.State != StateActive {
		return ErrJobNotActive
	}
	return nil
}

// Clone returns a deep copy of the job without its queue binding.
func (j *Job) Clone() *Job {
	c := *j
	c.q = nil
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	c.DelayUntil = cloneTime(j.DelayUntil)
	c.ProcessedAt = cloneTime(j.ProcessedAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Handler executes one job. The returned value is stored as the job result.
type Handler func(ctx context.Context, job *Job) (any, error)

// Observer receives queue lifecycle events, e.g. for metrics.
type Observer interface {
	JobEnqueued(queue string)
	JobFinished(queue string, state State, duration time.Duration)
}

type nopObserver struct{}

func (nopObserver) JobEnqueued(string)                       {}
func (nopObserver) JobFinished(string, State, time.Duration) {}

// Option configures a Queue.
type Option func(*Queue)

// WithPollInterval sets how long an idle worker waits before polling again.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

// WithObserver installs an Observer.
func WithObserver(o Observer) Option {
	return func(q *Queue) {
		if o != nil {
			q.observer = o
		}
	}
}

// Queue is a named job queue. It is safe for concurrent use.
type Queue struct {
	name         string
	backend      Backend
	pollInterval time.Duration
	observer     Observer
	now          func() time.Time

	wake chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New creates a Queue over backend.
func New(name string, backend Backend, opts ...Option) *Queue {
	q := &Queue{
		name:         name,
		backend:      backend,
		pollInterval: 500 * time.Millisecond,
		observer:     nopObserver{},
		now:          time.Now,
		wake:         make(chan struct{}, 1),
		running:      make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Close releases the backend.
func (q *Queue) Close() error {
	return q.backend.Close()
}

// EnqueueOption configures a single Enqueue call.
type EnqueueOption func(*enqueueConfig)

type enqueueConfig struct {
	delay time.Duration
}

// WithDelay holds the job in the delayed state for d before it becomes waiting.
func WithDelay(d time.Duration) EnqueueOption {
	return func(c *enqueueConfig) {
		c.delay = d
	}
}

// Enqueue admits payload as a new job and returns its id. It never waits for
// the job to run.
func (q *Queue) Enqueue(ctx context.Context, payload any, opts ...EnqueueOption) (string, error) {
	var cfg enqueueConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", eris.Wrap(err, "queue: marshal payload")
	}

	now := q.now().UTC()
	job := &Job{
		ID:        uuid.New().String(),
		Queue:     q.name,
		State:     StateWaiting,
		Payload:   raw,
		CreatedAt: now,
	}
	if cfg.delay > 0 {
		until := now.Add(cfg.delay)
		job.State = StateDelayed
		job.DelayUntil = &until
	}

	if err := q.backend.Add(ctx, job); err != nil {
		return "", eris.Wrapf(err, "queue: add job to %s", q.name)
	}

	q.observer.JobEnqueued(q.name)
	q.signal()

	zap.L().Debug("queue: job enqueued",
		zap.String("queue", q.name),
		zap.String("job_id", job.ID),
		zap.String("state", string(job.State)),
	)
	return job.ID, nil
}

// GetJob returns the job with id or ErrJobNotFound.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := q.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	job.q = q
	return job, nil
}

// GetJobsByStates returns all jobs currently in any of states, oldest first.
func (q *Queue) GetJobsByStates(ctx context.Context, states ...State) ([]*Job, error) {
	if len(states) == 0 {
		return nil, nil
	}
	jobs, err := q.backend.ListByStates(ctx, states)
	if err != nil {
		return nil, eris.Wrapf(err, "queue: list %s jobs", q.name)
	}
	for _, j := range jobs {
		j.q = q
	}
	return jobs, nil
}

// Cancel cancels a job. A waiting, delayed or paused job is removed and never
// runs. An active job is marked failed with CanceledReason and, if it runs in
// this process, its context is canceled so the handler can stop at its next
// checkpoint. Canceling a finished job returns ErrJobFinished.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	// A job can move between our read and the conditional write; retry on that.
	for range 3 {
		job, err := q.backend.Get(ctx, id)
		if err != nil {
			return err
		}

		switch job.State {
		case StateCompleted, StateFailed:
			return ErrJobFinished
		case StateActive:
			now := q.now().UTC()
			ok, err := q.backend.Transition(ctx, id, []State{StateActive}, StateFailed, Update{
				FailedReason: CanceledReason,
				FinishedAt:   &now,
			})
			if err != nil {
				return eris.Wrapf(err, "queue: cancel active job %s", id)
			}
			if !ok {
				continue
			}
			q.interrupt(id)
			q.observer.JobFinished(q.name, StateFailed, 0)
			zap.L().Info("queue: active job canceled", zap.String("queue", q.name), zap.String("job_id", id))
			return nil
		default:
			ok, err := q.backend.Remove(ctx, id, []State{StateWaiting, StateDelayed, StatePaused})
			if err != nil {
				return eris.Wrapf(err, "queue: remove job %s", id)
			}
			if !ok {
				continue
			}
			zap.L().Info("queue: pending job removed",
				zap.String("queue", q.name),
				zap.String("job_id", id),
				zap.String("state", string(job.State)),
			)
			return nil
		}
	}
	return eris.Errorf("queue: job %s changed state while canceling", id)
}

// Pause stops every worker on the queue from picking up jobs and moves
// waiting jobs to paused. The flag lives in the backend, so it holds across
// processes, and jobs enqueued while paused start paused.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.backend.SetPaused(ctx, true); err != nil {
		return eris.Wrapf(err, "queue: pause %s", q.name)
	}
	n, err := q.backend.MoveAll(ctx, StateWaiting, StatePaused)
	if err != nil {
		return eris.Wrapf(err, "queue: pause %s", q.name)
	}
	zap.L().Info("queue: paused", zap.String("queue", q.name), zap.Int("jobs", n))
	return nil
}

// Resume moves paused jobs back to waiting and lets workers claim again.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.backend.SetPaused(ctx, false); err != nil {
		return eris.Wrapf(err, "queue: resume %s", q.name)
	}
	n, err := q.backend.MoveAll(ctx, StatePaused, StateWaiting)
	if err != nil {
		return eris.Wrapf(err, "queue: resume %s", q.name)
	}
	q.signal()
	zap.L().Info("queue: resumed", zap.String("queue", q.name), zap.Int("jobs", n))
	return nil
}

// IsPaused reports whether the queue is paused, by any process.
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	paused, err := q.backend.Paused(ctx)
	return paused, eris.Wrapf(err, "queue: read paused of %s", q.name)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) track(id string, cancel context.CancelFunc) {
	q.mu.Lock()
	q.running[id] = cancel
	q.mu.Unlock()
}

func (q *Queue) untrack(id string) {
	q.mu.Lock()
	delete(q.running, id)
	q.mu.Unlock()
}

func (q *Queue) interrupt(id string) {
	q.mu.Lock()
	cancel, ok := q.running[id]
	q.mu.Unlock()
	if ok {
		cancel()
	}
}
