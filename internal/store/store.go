package store

import (
	"context"

	"github.com/sells-group/reqident/internal/model"
)

// Store is the persistence collaborator of the identification pipeline:
// the legal catalog, identifications and their links.
type Store interface {
	// Catalog reads
	FindLegalBasesByIDs(ctx context.Context, ids []int64) ([]model.LegalBasis, error)
	FindArticlesByLegalBasisID(ctx context.Context, legalBasisID int64) ([]model.Article, error)
	FindArticleByID(ctx context.Context, id int64) (*model.Article, error)
	FindRequirementsByIDs(ctx context.Context, ids []int64) ([]model.Requirement, error)
	FindRequirementsBySubjectAndAspects(ctx context.Context, subjectID int64, aspectIDs []int64) ([]model.Requirement, error)

	// Catalog writes
	CreateLegalBasis(ctx context.Context, lb *model.LegalBasis) error
	CreateRequirement(ctx context.Context, r *model.Requirement) error
	DeleteLegalBases(ctx context.Context, ids []int64) (int, error)
	DeleteArticles(ctx context.Context, ids []int64) (int, error)
	DeleteRequirements(ctx context.Context, ids []int64) (int, error)

	// Identifications
	CreateIdentification(ctx context.Context, name, description string, userID int64) (*model.Identification, error)
	GetIdentification(ctx context.Context, id string) (*model.Identification, error)
	// UpdateIdentificationStatus moves an active identification to status.
	// It returns false when the identification is missing or already
	// completed or failed; a terminal status is never overwritten.
	UpdateIdentificationStatus(ctx context.Context, id string, status model.IdentificationStatus) (bool, error)
	DeleteIdentifications(ctx context.Context, ids []string) (int, error)

	// Links. Each returns false when the row already existed.
	LinkRequirement(ctx context.Context, identificationID string, requirementID int64) (bool, error)
	LinkLegalBasis(ctx context.Context, identificationID string, requirementID, legalBasisID int64) (bool, error)
	LinkArticle(ctx context.Context, link model.ArticleLink) (bool, error)
	ListArticleLinks(ctx context.Context, identificationID string) ([]model.ArticleLink, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
