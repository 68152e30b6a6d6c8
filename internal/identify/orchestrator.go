// Package identify runs the requirement-identification workflow and exposes
// the submission, status and cancel operations around it.
package identify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reqident/internal/apperr"
	"github.com/sells-group/reqident/internal/classifier"
	"github.com/sells-group/reqident/internal/model"
	"github.com/sells-group/reqident/internal/queue"
	"github.com/sells-group/reqident/internal/store"
)

// Classifier decides whether an article is obligatory or complementary to a
// requirement.
type Classifier interface {
	Classify(ctx context.Context, req classifier.Request) (classifier.Verdict, error)
}

// Observer receives per-article outcomes, e.g. for metrics.
type Observer interface {
	LinkCreated(classification string)
	ArticleSkipped()
}

type nopObserver struct{}

func (nopObserver) LinkCreated(string) {}
func (nopObserver) ArticleSkipped()    {}

// errCanceled marks a run stopped by a queue cancel.
var errCanceled = errors.New("identify: " + queue.CanceledReason)

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithObserver sets the per-article observer.
func WithObserver(o Observer) OrchestratorOption {
	return func(or *Orchestrator) {
		if o != nil {
			or.observer = o
		}
	}
}

// WithSkippedReport lists articles whose classification failed in the
// job result instead of only logging them.
func WithSkippedReport(enabled bool) OrchestratorOption {
	return func(or *Orchestrator) {
		or.reportSkipped = enabled
	}
}

// Orchestrator executes identification jobs. Handle is its queue.Handler.
type Orchestrator struct {
	store         store.Store
	classifier    Classifier
	observer      Observer
	reportSkipped bool
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(st store.Store, cls Classifier, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:      st,
		classifier: cls,
		observer:   nopObserver{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handle runs one identification job: validate the snapshot, link
// requirements and legal bases, classify every (requirement, legal basis,
// article) triple and finalize the identification status. It returns the
// run's model.IdentificationReport.
func (o *Orchestrator) Handle(ctx context.Context, job *queue.Job) (any, error) {
	var p model.IdentificationPayload
	if err := job.DecodePayload(&p); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid identification payload")
	}

	log := zap.L().With(
		zap.String("job_id", job.ID),
		zap.String("identification_id", p.IdentificationID),
	)
	log.Info("identify: job started",
		zap.Int("legal_bases", len(p.LegalBases)),
		zap.Int("requirements", len(p.Requirements)),
		zap.Int("total_tasks", p.TotalTasks()),
		zap.String("intelligence_level", string(p.IntelligenceLevel)),
	)

	if err := o.validate(ctx, p); err != nil {
		return nil, o.fail(ctx, log, p.IdentificationID, err)
	}
	if err := o.link(ctx, p); err != nil {
		return nil, o.fail(ctx, log, p.IdentificationID, err)
	}

	report, err := o.classify(ctx, log, job, p)
	if err != nil {
		return nil, o.fail(ctx, log, p.IdentificationID, err)
	}

	if err := o.finalize(ctx, job, p.IdentificationID); err != nil {
		return nil, o.fail(ctx, log, p.IdentificationID, err)
	}

	log.Info("identify: job completed",
		zap.Int("obligatory_links", report.ObligatoryLinks),
		zap.Int("complementary_links", report.ComplementaryLinks),
	)
	return report, nil
}

// validate re-resolves every snapshotted id. Missing ids are fatal.
func (o *Orchestrator) validate(ctx context.Context, p model.IdentificationPayload) error {
	lbIDs := p.LegalBasisIDs()
	found, err := o.store.FindLegalBasesByIDs(ctx, lbIDs)
	if err != nil {
		return apperr.Infrastructure(err, "resolve legal bases")
	}
	missingLB := missing(lbIDs, func(id int64) bool {
		return slices.ContainsFunc(found, func(lb model.LegalBasis) bool { return lb.ID == id })
	})

	reqIDs := p.RequirementIDs()
	reqs, err := o.store.FindRequirementsByIDs(ctx, reqIDs)
	if err != nil {
		return apperr.Infrastructure(err, "resolve requirements")
	}
	missingReq := missing(reqIDs, func(id int64) bool {
		return slices.ContainsFunc(reqs, func(r model.Requirement) bool { return r.ID == id })
	})

	if len(missingLB) == 0 && len(missingReq) == 0 {
		return nil
	}
	var parts []string
	if len(missingLB) > 0 {
		parts = append(parts, "legal bases "+joinIDs(missingLB))
	}
	if len(missingReq) > 0 {
		parts = append(parts, "requirements "+joinIDs(missingReq))
	}
	return apperr.NotFound("referenced entities no longer exist: %s", strings.Join(parts, "; "))
}

// link creates the identification-scoped requirement rows and their legal
// basis links. Any write failure is fatal and not retried.
func (o *Orchestrator) link(ctx context.Context, p model.IdentificationPayload) error {
	for _, req := range p.Requirements {
		if _, err := o.store.LinkRequirement(ctx, p.IdentificationID, req.ID); err != nil {
			return apperr.Infrastructure(err, "link requirement %d", req.ID)
		}
		for _, lb := range p.LegalBases {
			if _, err := o.store.LinkLegalBasis(ctx, p.IdentificationID, req.ID, lb.ID); err != nil {
				return apperr.Infrastructure(err, "link legal basis %d to requirement %d", lb.ID, req.ID)
			}
		}
	}
	return nil
}

// classify walks the triples sequentially. A failed classification skips the
// article; cancellation is checked before every triple and on each progress
// update.
func (o *Orchestrator) classify(ctx context.Context, log *zap.Logger, job *queue.Job, p model.IdentificationPayload) (*model.IdentificationReport, error) {
	report := &model.IdentificationReport{
		IdentificationID: p.IdentificationID,
		TotalTasks:       p.TotalTasks(),
	}

	for _, req := range p.Requirements {
		for _, lb := range p.LegalBases {
			for _, art := range lb.Articles {
				if ctx.Err() != nil {
					return nil, errCanceled
				}

				verdict, err := o.classifier.Classify(ctx, classifier.Request{
					LegalBasis:   lb,
					Article:      art,
					Requirement:  req,
					Intelligence: p.IntelligenceLevel,
				})
				switch {
				case ctx.Err() != nil:
					return nil, errCanceled
				case err != nil:
					log.Warn("identify: classification failed, skipping article",
						zap.Int64("requirement_id", req.ID),
						zap.Int64("legal_basis_id", lb.ID),
						zap.Int64("article_id", art.ID),
						zap.Error(err),
					)
					o.observer.ArticleSkipped()
					if o.reportSkipped {
						report.Skipped = append(report.Skipped, model.SkippedArticle{
							RequirementID: req.ID,
							LegalBasisID:  lb.ID,
							ArticleID:     art.ID,
							Error:         err.Error(),
						})
					}
				default:
					if err := o.record(ctx, report, p.IdentificationID, req.ID, lb.ID, art.ID, verdict); err != nil {
						return nil, err
					}
				}

				report.ProcessedTasks++
				if err := job.UpdateProgress(ctx, progress(report.ProcessedTasks, report.TotalTasks)); err != nil {
					if errors.Is(err, queue.ErrJobNotActive) || ctx.Err() != nil {
						return nil, errCanceled
					}
					log.Warn("identify: progress update failed", zap.Error(err))
				}
			}
		}
	}

	if report.TotalTasks == 0 {
		if err := job.UpdateProgress(ctx, 100); errors.Is(err, queue.ErrJobNotActive) {
			return nil, errCanceled
		}
	}
	return report, nil
}

// finalize marks the identification completed unless the job was canceled.
// The status write only succeeds from active, so a cancel that already
// failed the identification wins.
func (o *Orchestrator) finalize(ctx context.Context, job *queue.Job, identID string) error {
	if err := job.EnsureActive(ctx); err != nil {
		if errors.Is(err, queue.ErrJobNotActive) || ctx.Err() != nil {
			return errCanceled
		}
		return apperr.Infrastructure(err, "check job %s", job.ID)
	}
	ok, err := o.store.UpdateIdentificationStatus(ctx, identID, model.IdentificationCompleted)
	if err != nil {
		return apperr.Infrastructure(err, "mark identification %s completed", identID)
	}
	if !ok {
		return errCanceled
	}
	return nil
}

// record stores the link for a positive verdict. Neither writes nothing.
func (o *Orchestrator) record(ctx context.Context, report *model.IdentificationReport, identID string, reqID, lbID, artID int64, v classifier.Verdict) error {
	cls, ok := v.Classification()
	if !ok {
		return nil
	}
	created, err := o.store.LinkArticle(ctx, model.ArticleLink{
		IdentificationID: identID,
		RequirementID:    reqID,
		LegalBasisID:     lbID,
		ArticleID:        artID,
		Classification:   cls,
	})
	if err != nil {
		return apperr.Infrastructure(err, "link article %d to requirement %d", artID, reqID)
	}
	if !created {
		return nil
	}
	switch cls {
	case model.ClassificationObligatory:
		report.ObligatoryLinks++
	case model.ClassificationComplementary:
		report.ComplementaryLinks++
	}
	o.observer.LinkCreated(string(cls))
	return nil
}

// fail marks the identification failed and returns the error for the queue.
// The write is detached from ctx so a canceled job still records it.
func (o *Orchestrator) fail(ctx context.Context, log *zap.Logger, identID string, cause error) error {
	writeCtx := context.WithoutCancel(ctx)
	if _, err := o.store.UpdateIdentificationStatus(writeCtx, identID, model.IdentificationFailed); err != nil {
		log.Error("identify: failed to mark identification failed", zap.Error(err))
	}
	if errors.Is(cause, errCanceled) {
		log.Info("identify: job canceled")
		return cause
	}
	log.Error("identify: job failed", zap.Error(cause))
	return eris.Wrap(cause, "identify: run")
}

// progress returns round(processed/total*100).
func progress(processed, total int) int {
	if total <= 0 {
		return 100
	}
	return int(math.Round(float64(processed) / float64(total) * 100))
}

func missing(ids []int64, present func(int64) bool) []int64 {
	var out []int64
	for _, id := range ids {
		if !present(id) {
			out = append(out, id)
		}
	}
	return out
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
