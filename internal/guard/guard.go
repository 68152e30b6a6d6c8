// Package guard refuses mutations of catalog entities that queued or running
// identification jobs still reference.
package guard

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reqident/internal/model"
	"github.com/sells-group/reqident/internal/queue"
)

// EntityKind names what an id refers to.
type EntityKind string

const (
	KindLegalBasis     EntityKind = "legal_basis"
	KindArticle        EntityKind = "article"
	KindRequirement    EntityKind = "requirement"
	KindIdentification EntityKind = "identification"
)

// JobLister is the read side of the job queue the guard scans.
type JobLister interface {
	GetJobsByStates(ctx context.Context, states ...queue.State) ([]*queue.Job, error)
}

// Result reports the first pending job found, if any.
type Result struct {
	HasPendingJobs bool   `json:"hasPendingJobs"`
	JobID          string `json:"jobId,omitempty"`
}

// Ref is one entity to check.
type Ref struct {
	Kind EntityKind
	// ID is the entity id. For KindArticle it is the parent legal-basis id,
	// because payloads snapshot articles under their legal basis.
	ID any
}

// Guard scans pending job payloads. It is a linear scan over the waiting,
// paused, active and delayed jobs of one queue.
type Guard struct {
	jobs JobLister
}

// New creates a Guard over jobs.
func New(jobs JobLister) *Guard {
	return &Guard{jobs: jobs}
}

// HasPendingJobs reports whether a pending job references the entity.
// For KindIdentification pass the identification id as a string; for the
// other kinds an int64.
func (g *Guard) HasPendingJobs(ctx context.Context, kind EntityKind, id any) (Result, error) {
	_, res, err := g.FirstBlocking(ctx, []Ref{{Kind: kind, ID: id}})
	return res, err
}

// FirstBlocking scans pending jobs once and returns the first ref that some
// job references, with that job's id. Batch deletes use it to avoid a scan
// per entity.
func (g *Guard) FirstBlocking(ctx context.Context, refs []Ref) (Ref, Result, error) {
	if len(refs) == 0 {
		return Ref{}, Result{}, nil
	}
	jobs, err := g.jobs.GetJobsByStates(ctx, queue.PendingStates...)
	if err != nil {
		return Ref{}, Result{}, eris.Wrap(err, "guard: list pending jobs")
	}

	for _, job := range jobs {
		var p model.IdentificationPayload
		if err := job.DecodePayload(&p); err != nil {
			zap.L().Warn("guard: skipping job with unreadable payload",
				zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		for _, ref := range refs {
			if references(p, ref) {
				return ref, Result{HasPendingJobs: true, JobID: job.ID}, nil
			}
		}
	}
	return Ref{}, Result{}, nil
}

func references(p model.IdentificationPayload, ref Ref) bool {
	switch ref.Kind {
	case KindIdentification:
		id, ok := ref.ID.(string)
		return ok && p.IdentificationID == id
	case KindLegalBasis, KindArticle:
		id, ok := ref.ID.(int64)
		return ok && p.ReferencesLegalBasis(id)
	case KindRequirement:
		id, ok := ref.ID.(int64)
		return ok && p.ReferencesRequirement(id)
	default:
		return false
	}
}
