package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps jobs in process memory. It backs tests and single
// process deployments where durability is not required.
type MemoryBackend struct {
	mu   sync.Mutex
	jobs map[string]*Job
	seq  map[string]uint64
	next uint64

	paused bool
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		jobs: make(map[string]*Job),
		seq:  make(map[string]uint64),
	}
}

func (b *MemoryBackend) Add(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.paused && job.State == StateWaiting {
		job.State = StatePaused
	}
	b.jobs[job.ID] = job.Clone()
	b.bump(job.ID)
	return nil
}

func (b *MemoryBackend) Get(_ context.Context, id string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (b *MemoryBackend) ListByStates(_ context.Context, states []State) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Job
	for _, job := range b.jobs {
		if containsState(states, job.State) {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return b.seq[out[i].ID] < b.seq[out[j].ID]
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (b *MemoryBackend) Claim(_ context.Context, now time.Time) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.paused {
		return nil, nil
	}

	for id, job := range b.jobs {
		if job.State == StateDelayed && job.DelayUntil != nil && !job.DelayUntil.After(now) {
			job.State = StateWaiting
			b.bump(id)
		}
	}

	var picked *Job
	for id, job := range b.jobs {
		if job.State != StateWaiting {
			continue
		}
		if picked == nil || b.seq[id] < b.seq[picked.ID] {
			picked = job
		}
	}
	if picked == nil {
		return nil, nil
	}

	picked.State = StateActive
	picked.Attempts++
	processed := now
	picked.ProcessedAt = &processed
	return picked.Clone(), nil
}

func (b *MemoryBackend) Transition(_ context.Context, id string, from []State, to State, upd Update) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok || !containsState(from, job.State) {
		return false, nil
	}
	job.State = to
	if upd.FailedReason != "" {
		job.FailedReason = upd.FailedReason
	}
	if upd.Result != nil {
		job.Result = append([]byte(nil), upd.Result...)
	}
	if upd.FinishedAt != nil {
		job.FinishedAt = cloneTime(upd.FinishedAt)
	}
	if to == StateWaiting || to == StatePaused {
		b.bump(id)
	}
	return true, nil
}

func (b *MemoryBackend) SetProgress(_ context.Context, id string, progress int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok || job.State != StateActive {
		return false, nil
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	return true, nil
}

func (b *MemoryBackend) Remove(_ context.Context, id string, from []State) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok || !containsState(from, job.State) {
		return false, nil
	}
	delete(b.jobs, id)
	delete(b.seq, id)
	return true, nil
}

func (b *MemoryBackend) MoveAll(_ context.Context, from, to State) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ids []string
	for id, job := range b.jobs {
		if job.State == from {
			ids = append(ids, id)
		}
	}
	// Preserve FIFO order across the move.
	sort.Slice(ids, func(i, j int) bool { return b.seq[ids[i]] < b.seq[ids[j]] })
	for _, id := range ids {
		b.jobs[id].State = to
		b.bump(id)
	}
	return len(ids), nil
}

func (b *MemoryBackend) SetPaused(_ context.Context, paused bool) error {
	b.mu.Lock()
	b.paused = paused
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Paused(context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused, nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

// bump assigns the next FIFO sequence number; callers hold b.mu.
func (b *MemoryBackend) bump(id string) {
	b.next++
	b.seq[id] = b.next
}
