package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reqident/internal/queue"
)

// Snapshot holds a point-in-time view of queue health.
type Snapshot struct {
	Waiting int `json:"waiting"`
	Active  int `json:"active"`
	Delayed int `json:"delayed"`
	Paused  int `json:"paused"`

	// Finished jobs within the lookback window.
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	FailRate  float64 `json:"fail_rate"`
	Canceled  int     `json:"canceled"`

	OldestWaiting time.Duration `json:"oldest_waiting_ns"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Finished returns the number of jobs that finished within the window.
func (s *Snapshot) Finished() int {
	return s.Completed + s.Failed
}

// JobLister abstracts the queue reads needed by the collector.
type JobLister interface {
	GetJobsByStates(ctx context.Context, states ...queue.State) ([]*queue.Job, error)
}

// Collector gathers job counts from the queue.
type Collector struct {
	jobs JobLister
	now  func() time.Time
}

// NewCollector creates a new queue collector.
func NewCollector(jobs JobLister) *Collector {
	return &Collector{jobs: jobs, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window. Pending jobs
// are always counted; finished jobs only when they finished inside the window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	jobs, err := c.jobs.GetJobsByStates(ctx, queue.AllStates...)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}

	for _, j := range jobs {
		switch j.State {
		case queue.StateWaiting:
			snap.Waiting++
			if age := now.Sub(j.CreatedAt); age > snap.OldestWaiting {
				snap.OldestWaiting = age
			}
		case queue.StateActive:
			snap.Active++
		case queue.StateDelayed:
			snap.Delayed++
		case queue.StatePaused:
			snap.Paused++
		case queue.StateCompleted, queue.StateFailed:
			if j.FinishedAt == nil || j.FinishedAt.Before(cutoff) {
				continue
			}
			if j.State == queue.StateCompleted {
				snap.Completed++
				continue
			}
			// Canceled jobs fail too but say nothing about pipeline health.
			if j.FailedReason == queue.CanceledReason {
				snap.Canceled++
				continue
			}
			snap.Failed++
		}
	}

	if finished := snap.Finished(); finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
	}
	return snap, nil
}
