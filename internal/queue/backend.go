package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Backend stores jobs for a single named queue. Every state change is a
// conditional write so concurrent workers and cancel calls cannot clobber
// each other.
type Backend interface {
	// Add stores a new job in the state it carries, except that a waiting
	// job is stored paused while the queue is paused. job.State is set to
	// the stored state.
	Add(ctx context.Context, job *Job) error
	// Get returns a copy of the job or ErrJobNotFound.
	Get(ctx context.Context, id string) (*Job, error)
	// ListByStates returns jobs in any of states, oldest first.
	ListByStates(ctx context.Context, states []State) ([]*Job, error)
	// Claim promotes due delayed jobs, then atomically moves the oldest
	// waiting job to active and returns it. It returns nil when none is
	// waiting or the queue is paused.
	Claim(ctx context.Context, now time.Time) (*Job, error)
	// Transition moves a job to `to` if its current state is in `from`.
	// It reports whether the write happened.
	Transition(ctx context.Context, id string, from []State, to State, upd Update) (bool, error)
	// SetProgress raises the progress of an active job. It reports false if
	// the job is not active.
	SetProgress(ctx context.Context, id string, progress int) (bool, error)
	// Remove deletes a job if its current state is in `from`.
	Remove(ctx context.Context, id string, from []State) (bool, error)
	// MoveAll moves every job in `from` to `to` and returns how many moved.
	MoveAll(ctx context.Context, from, to State) (int, error)
	// SetPaused stores the paused flag shared by every process on the queue.
	SetPaused(ctx context.Context, paused bool) error
	// Paused reports the stored paused flag.
	Paused(ctx context.Context) (bool, error)
	Close() error
}

// Update carries the optional fields written alongside a transition.
type Update struct {
	FailedReason string
	Result       json.RawMessage
	FinishedAt   *time.Time
}

func containsState(states []State, s State) bool {
	for _, v := range states {
		if v == s {
			return true
		}
	}
	return false
}

func stateStrings(states []State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
