package identify

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reqident/internal/apperr"
	"github.com/sells-group/reqident/internal/model"
	"github.com/sells-group/reqident/internal/queue"
	"github.com/sells-group/reqident/internal/store"
)

// JobQueue is the part of the job queue the service drives.
type JobQueue interface {
	Enqueue(ctx context.Context, payload any, opts ...queue.EnqueueOption) (string, error)
	GetJob(ctx context.Context, id string) (*queue.Job, error)
	Cancel(ctx context.Context, id string) error
}

// SubmitRequest asks for one identification run.
type SubmitRequest struct {
	Name              string  `json:"name" yaml:"name"`
	Description       string  `json:"description,omitempty" yaml:"description,omitempty"`
	LegalBasisIDs     []int64 `json:"legal_basis_ids" yaml:"legal_basis_ids"`
	SubjectID         int64   `json:"subject_id" yaml:"subject_id"`
	AspectIDs         []int64 `json:"aspect_ids" yaml:"aspect_ids"`
	IntelligenceLevel string  `json:"intelligence_level" yaml:"intelligence_level"`
	UserID            int64   `json:"user_id" yaml:"user_id"`
	// Delay holds the job before it becomes eligible to run.
	Delay time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`
}

// Submission is the outcome of an accepted request.
type Submission struct {
	JobID            string `json:"job_id"`
	IdentificationID string `json:"identification_id"`
	TotalTasks       int    `json:"total_tasks"`
}

// Status values reported by GetJobStatus.
const (
	StatusProcessing = "processing"
	StatusSuccess    = "success"
	StatusError      = "error"
	StatusDelayed    = "delayed"
	StatusPaused     = "paused"
)

// JobStatus is the caller-facing view of one job.
type JobStatus struct {
	JobID    string                      `json:"job_id"`
	Status   string                      `json:"status"`
	Message  string                      `json:"message"`
	Progress *int                        `json:"progress,omitempty"`
	Error    string                      `json:"error,omitempty"`
	Report   *model.IdentificationReport `json:"report,omitempty"`
}

// Service implements submission, status polling and cancellation.
type Service struct {
	store store.Store
	jobs  JobQueue
}

// NewService creates a Service.
func NewService(st store.Store, jobs JobQueue) *Service {
	return &Service{store: st, jobs: jobs}
}

// Submit validates req, snapshots the referenced catalog entities, creates
// the identification and enqueues its job.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	level, err := validateRequest(&req)
	if err != nil {
		return nil, err
	}

	legalBases, err := s.resolveLegalBases(ctx, req.LegalBasisIDs)
	if err != nil {
		return nil, err
	}
	reqs, err := s.store.FindRequirementsBySubjectAndAspects(ctx, req.SubjectID, req.AspectIDs)
	if err != nil {
		return nil, apperr.Infrastructure(err, "resolve requirements")
	}
	if len(reqs) == 0 {
		return nil, apperr.NotFound("no requirements for subject %d and aspects %s", req.SubjectID, joinIDs(req.AspectIDs))
	}

	ident, err := s.store.CreateIdentification(ctx, req.Name, req.Description, req.UserID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindConflict) {
			return nil, err
		}
		return nil, apperr.Infrastructure(err, "create identification")
	}

	payload := model.IdentificationPayload{
		IdentificationID:  ident.ID,
		LegalBases:        legalBases,
		Requirements:      reqs,
		IntelligenceLevel: level,
		UserID:            req.UserID,
	}
	var opts []queue.EnqueueOption
	if req.Delay > 0 {
		opts = append(opts, queue.WithDelay(req.Delay))
	}
	jobID, err := s.jobs.Enqueue(ctx, payload, opts...)
	if err != nil {
		if _, uerr := s.store.UpdateIdentificationStatus(context.WithoutCancel(ctx), ident.ID, model.IdentificationFailed); uerr != nil {
			zap.L().Error("identify: failed to mark unqueued identification failed",
				zap.String("identification_id", ident.ID), zap.Error(uerr))
		}
		return nil, apperr.Infrastructure(err, "enqueue identification %s", ident.ID)
	}

	zap.L().Info("identify: submitted",
		zap.String("job_id", jobID),
		zap.String("identification_id", ident.ID),
		zap.Int("total_tasks", payload.TotalTasks()),
	)
	return &Submission{JobID: jobID, IdentificationID: ident.ID, TotalTasks: payload.TotalTasks()}, nil
}

func validateRequest(req *SubmitRequest) (model.IntelligenceLevel, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return "", apperr.Validation("name is required")
	}
	if req.Delay < 0 {
		return "", apperr.Validation("delay must not be negative")
	}
	if len(req.LegalBasisIDs) == 0 {
		return "", apperr.Validation("at least one legal basis is required")
	}
	if req.SubjectID <= 0 {
		return "", apperr.Validation("subject id is required")
	}
	if len(req.AspectIDs) == 0 {
		return "", apperr.Validation("at least one aspect is required")
	}
	level, ok := model.ParseIntelligenceLevel(req.IntelligenceLevel)
	if !ok {
		return "", apperr.Validation("intelligence level must be High or Low, got %q", req.IntelligenceLevel)
	}
	req.LegalBasisIDs = dedupe(req.LegalBasisIDs)
	req.AspectIDs = dedupe(req.AspectIDs)
	return level, nil
}

func (s *Service) resolveLegalBases(ctx context.Context, ids []int64) ([]model.LegalBasis, error) {
	found, err := s.store.FindLegalBasesByIDs(ctx, ids)
	if err != nil {
		return nil, apperr.Infrastructure(err, "resolve legal bases")
	}
	absent := missing(ids, func(id int64) bool {
		return slices.ContainsFunc(found, func(lb model.LegalBasis) bool { return lb.ID == id })
	})
	if len(absent) > 0 {
		return nil, apperr.NotFound("legal bases %s not found", joinIDs(absent))
	}

	for i := range found {
		articles, err := s.store.FindArticlesByLegalBasisID(ctx, found[i].ID)
		if err != nil {
			return nil, apperr.Infrastructure(err, "resolve articles of legal basis %d", found[i].ID)
		}
		found[i].Articles = articles
	}
	return found, nil
}

// GetJobStatus maps the queue state of jobID to a caller-facing status.
func (s *Service) GetJobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		return nil, apperr.NotFound("job %s not found", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "identify: get job %s", jobID)
	}

	st := &JobStatus{JobID: job.ID}
	switch job.State {
	case queue.StateWaiting:
		st.Status = StatusProcessing
		st.Message = "The identification is waiting to be processed."
		st.Progress = &job.Progress
	case queue.StateActive:
		st.Status = StatusProcessing
		st.Message = "The identification is being processed."
		st.Progress = &job.Progress
	case queue.StateCompleted:
		st.Status = StatusSuccess
		st.Message = "The identification was completed successfully."
		if len(job.Result) > 0 {
			var report model.IdentificationReport
			if err := json.Unmarshal(job.Result, &report); err != nil {
				zap.L().Warn("identify: unreadable job result", zap.String("job_id", job.ID), zap.Error(err))
			} else {
				st.Report = &report
			}
		}
	case queue.StateFailed:
		st.Status = StatusError
		st.Message = "The identification failed."
		st.Error = job.FailedReason
	case queue.StateDelayed:
		st.Status = StatusDelayed
		st.Message = "The identification is scheduled and will start later."
	case queue.StatePaused:
		st.Status = StatusPaused
		st.Message = "The queue is paused; the identification will start when it resumes."
	default:
		st.Status = StatusError
		st.Message = "Unknown job state " + string(job.State) + "."
	}
	return st, nil
}

// Cancel fails the identification of jobID and then cancels the job. It
// reports false with a NotFound or Conflict error when the job is unknown or
// already finished.
//
// The identification is failed first: the orchestrator only completes an
// identification that is still active, so whichever write lands first
// decides the outcome and the job and its identification always agree.
func (s *Service) Cancel(ctx context.Context, jobID string) (bool, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		return false, apperr.NotFound("job %s not found", jobID)
	}
	if err != nil {
		return false, eris.Wrapf(err, "identify: get job %s", jobID)
	}
	if job.State.Finished() {
		return false, apperr.Conflict("job %s already finished", jobID)
	}

	var p model.IdentificationPayload
	if err := job.DecodePayload(&p); err != nil {
		zap.L().Warn("identify: job to cancel has unreadable payload", zap.String("job_id", jobID), zap.Error(err))
	}
	marked := false
	if p.IdentificationID != "" {
		marked, err = s.store.UpdateIdentificationStatus(ctx, p.IdentificationID, model.IdentificationFailed)
		if err != nil {
			return false, eris.Wrapf(err, "identify: fail identification %s", p.IdentificationID)
		}
		if !marked {
			ident, err := s.store.GetIdentification(ctx, p.IdentificationID)
			if err == nil && ident.Status == model.IdentificationCompleted {
				return false, apperr.Conflict("job %s already finished", jobID)
			}
		}
	}

	switch err := s.jobs.Cancel(ctx, jobID); {
	case errors.Is(err, queue.ErrJobFinished):
		// The worker saw the failed identification and stopped on its own.
		if !marked {
			return false, apperr.Conflict("job %s already finished", jobID)
		}
	case errors.Is(err, queue.ErrJobNotFound):
		return false, apperr.NotFound("job %s not found", jobID)
	case err != nil:
		return false, eris.Wrapf(err, "identify: cancel job %s", jobID)
	}

	zap.L().Info("identify: job canceled", zap.String("job_id", jobID), zap.String("identification_id", p.IdentificationID))
	return true, nil
}

func dedupe(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
