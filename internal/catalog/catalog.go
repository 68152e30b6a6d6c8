// Package catalog performs catalog and identification deletes that must not
// pull entities out from under queued or running identification jobs.
package catalog

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reqident/internal/apperr"
	"github.com/sells-group/reqident/internal/guard"
	"github.com/sells-group/reqident/internal/model"
	"github.com/sells-group/reqident/internal/store"
)

// PendingChecker finds the first ref referenced by a pending job.
type PendingChecker interface {
	FirstBlocking(ctx context.Context, refs []guard.Ref) (guard.Ref, guard.Result, error)
}

// Catalog wraps store deletes with the pending-job precondition.
type Catalog struct {
	store   store.Store
	pending PendingChecker
}

// New creates a Catalog.
func New(st store.Store, pending PendingChecker) *Catalog {
	return &Catalog{store: st, pending: pending}
}

// DeleteLegalBasis deletes one legal basis and its articles.
func (c *Catalog) DeleteLegalBasis(ctx context.Context, id int64) error {
	_, err := c.DeleteLegalBases(ctx, []int64{id})
	return err
}

// DeleteLegalBases deletes legal bases and their articles. Nothing is deleted
// if any id is unknown or referenced by a pending job.
func (c *Catalog) DeleteLegalBases(ctx context.Context, ids []int64) (int, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return 0, apperr.Validation("no legal basis ids given")
	}
	found, err := c.store.FindLegalBasesByIDs(ctx, ids)
	if err != nil {
		return 0, eris.Wrap(err, "catalog: find legal bases")
	}
	if absent := missing(ids, func(id int64) bool {
		return slices.ContainsFunc(found, func(lb model.LegalBasis) bool { return lb.ID == id })
	}); len(absent) > 0 {
		return 0, apperr.NotFound("legal bases %s not found", joinIDs(absent))
	}

	refs := make([]guard.Ref, len(ids))
	for i, id := range ids {
		refs[i] = guard.Ref{Kind: guard.KindLegalBasis, ID: id}
	}
	if err := c.ensureFree(ctx, refs, "legal basis"); err != nil {
		return 0, err
	}

	n, err := c.store.DeleteLegalBases(ctx, ids)
	if err != nil {
		return 0, eris.Wrap(err, "catalog: delete legal bases")
	}
	zap.L().Info("catalog: legal bases deleted", zap.Int64s("ids", ids), zap.Int("deleted", n))
	return n, nil
}

// DeleteArticle deletes one article.
func (c *Catalog) DeleteArticle(ctx context.Context, id int64) error {
	_, err := c.DeleteArticles(ctx, []int64{id})
	return err
}

// DeleteArticles deletes articles. A pending job blocks an article through
// its legal basis, since job payloads snapshot articles per legal basis.
func (c *Catalog) DeleteArticles(ctx context.Context, ids []int64) (int, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return 0, apperr.Validation("no article ids given")
	}

	var refs []guard.Ref
	for _, id := range ids {
		art, err := c.store.FindArticleByID(ctx, id)
		if err != nil {
			if apperr.IsKind(err, apperr.KindNotFound) {
				return 0, err
			}
			return 0, eris.Wrapf(err, "catalog: find article %d", id)
		}
		ref := guard.Ref{Kind: guard.KindArticle, ID: art.LegalBasisID}
		if !slices.Contains(refs, ref) {
			refs = append(refs, ref)
		}
	}
	if err := c.ensureFree(ctx, refs, "article of legal basis"); err != nil {
		return 0, err
	}

	n, err := c.store.DeleteArticles(ctx, ids)
	if err != nil {
		return 0, eris.Wrap(err, "catalog: delete articles")
	}
	zap.L().Info("catalog: articles deleted", zap.Int64s("ids", ids), zap.Int("deleted", n))
	return n, nil
}

// DeleteRequirement deletes one requirement.
func (c *Catalog) DeleteRequirement(ctx context.Context, id int64) error {
	_, err := c.DeleteRequirements(ctx, []int64{id})
	return err
}

// DeleteRequirements deletes requirements.
func (c *Catalog) DeleteRequirements(ctx context.Context, ids []int64) (int, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return 0, apperr.Validation("no requirement ids given")
	}
	found, err := c.store.FindRequirementsByIDs(ctx, ids)
	if err != nil {
		return 0, eris.Wrap(err, "catalog: find requirements")
	}
	if absent := missing(ids, func(id int64) bool {
		return slices.ContainsFunc(found, func(r model.Requirement) bool { return r.ID == id })
	}); len(absent) > 0 {
		return 0, apperr.NotFound("requirements %s not found", joinIDs(absent))
	}

	refs := make([]guard.Ref, len(ids))
	for i, id := range ids {
		refs[i] = guard.Ref{Kind: guard.KindRequirement, ID: id}
	}
	if err := c.ensureFree(ctx, refs, "requirement"); err != nil {
		return 0, err
	}

	n, err := c.store.DeleteRequirements(ctx, ids)
	if err != nil {
		return 0, eris.Wrap(err, "catalog: delete requirements")
	}
	zap.L().Info("catalog: requirements deleted", zap.Int64s("ids", ids), zap.Int("deleted", n))
	return n, nil
}

// DeleteIdentification deletes one identification and its links.
func (c *Catalog) DeleteIdentification(ctx context.Context, id string) error {
	_, err := c.DeleteIdentifications(ctx, []string{id})
	return err
}

// DeleteIdentifications deletes identifications and their links.
func (c *Catalog) DeleteIdentifications(ctx context.Context, ids []string) (int, error) {
	ids = slices.Compact(slices.Sorted(slices.Values(ids)))
	if len(ids) == 0 {
		return 0, apperr.Validation("no identification ids given")
	}

	refs := make([]guard.Ref, len(ids))
	for i, id := range ids {
		if _, err := c.store.GetIdentification(ctx, id); err != nil {
			if apperr.IsKind(err, apperr.KindNotFound) {
				return 0, err
			}
			return 0, eris.Wrapf(err, "catalog: get identification %s", id)
		}
		refs[i] = guard.Ref{Kind: guard.KindIdentification, ID: id}
	}
	if err := c.ensureFree(ctx, refs, "identification"); err != nil {
		return 0, err
	}

	n, err := c.store.DeleteIdentifications(ctx, ids)
	if err != nil {
		return 0, eris.Wrap(err, "catalog: delete identifications")
	}
	zap.L().Info("catalog: identifications deleted", zap.Strings("ids", ids), zap.Int("deleted", n))
	return n, nil
}

func (c *Catalog) ensureFree(ctx context.Context, refs []guard.Ref, noun string) error {
	ref, res, err := c.pending.FirstBlocking(ctx, refs)
	if err != nil {
		return eris.Wrap(err, "catalog: check pending jobs")
	}
	if res.HasPendingJobs {
		return apperr.Conflict("%s %v is referenced by pending job %s", noun, ref.ID, res.JobID)
	}
	return nil
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
