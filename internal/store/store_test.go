package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reqident/internal/apperr"
	"github.com/sells-group/reqident/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedLegalBasis(t *testing.T, s Store, name string, articles ...string) model.LegalBasis {
	t.Helper()
	reform := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	lb := model.LegalBasis{
		Name:           name,
		Abbreviation:   "LB",
		Classification: "Ley",
		Jurisdiction:   model.JurisdictionFederal,
		LastReform:     &reform,
	}
	for i, a := range articles {
		lb.Articles = append(lb.Articles, model.Article{Name: a, Body: "Texto de " + a, Order: i + 1})
	}
	require.NoError(t, s.CreateLegalBasis(context.Background(), &lb))
	return lb
}

func seedRequirement(t *testing.T, s Store, subjectID, aspectID int64, name string) model.Requirement {
	t.Helper()
	r := model.Requirement{
		SubjectID:            subjectID,
		AspectID:             aspectID,
		Number:               "R-" + name,
		Name:                 name,
		MandatoryDescription: "Debe " + name,
		Condition:            "Crítica",
		Jurisdiction:         model.JurisdictionFederal,
	}
	require.NoError(t, s.CreateRequirement(context.Background(), &r))
	return r
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("LegalBasisWithArticles", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		lb := seedLegalBasis(t, s, "Ley General de Residuos", "Art. 1", "Art. 2")
		require.NotZero(t, lb.ID)
		require.Len(t, lb.Articles, 2)
		assert.Equal(t, lb.ID, lb.Articles[0].LegalBasisID)

		found, err := s.FindLegalBasesByIDs(ctx, []int64{lb.ID, 9999})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "Ley General de Residuos", found[0].Name)
		assert.Equal(t, model.JurisdictionFederal, found[0].Jurisdiction)
		require.NotNil(t, found[0].LastReform)
		assert.Equal(t, 2024, found[0].LastReform.Year())

		articles, err := s.FindArticlesByLegalBasisID(ctx, lb.ID)
		require.NoError(t, err)
		require.Len(t, articles, 2)
		assert.Equal(t, "Art. 1", articles[0].Name)
		assert.Equal(t, 2, articles[1].Order)

		a, err := s.FindArticleByID(ctx, articles[1].ID)
		require.NoError(t, err)
		assert.Equal(t, lb.ID, a.LegalBasisID)

		_, err = s.FindArticleByID(ctx, 9999)
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	})

	t.Run("DuplicateLegalBasisName", func(t *testing.T) {
		s := newStore(t)
		seedLegalBasis(t, s, "NOM-001")

		lb := model.LegalBasis{Name: "NOM-001"}
		err := s.CreateLegalBasis(context.Background(), &lb)
		assert.ErrorIs(t, err, apperr.ErrConflict)
	})

	t.Run("Requirements", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		r1 := seedRequirement(t, s, 1, 10, "agua")
		r2 := seedRequirement(t, s, 1, 20, "aire")
		seedRequirement(t, s, 2, 10, "suelo")

		found, err := s.FindRequirementsByIDs(ctx, []int64{r1.ID, r2.ID, 999})
		require.NoError(t, err)
		require.Len(t, found, 2)
		assert.Equal(t, "Crítica", found[0].Condition)

		bySubject, err := s.FindRequirementsBySubjectAndAspects(ctx, 1, []int64{10, 20})
		require.NoError(t, err)
		assert.Len(t, bySubject, 2)

		none, err := s.FindRequirementsBySubjectAndAspects(ctx, 1, nil)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("IdentificationLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ident, err := s.CreateIdentification(ctx, "Planta Norte", "Revisión anual", 7)
		require.NoError(t, err)
		assert.NotEmpty(t, ident.ID)
		assert.Equal(t, model.IdentificationActive, ident.Status)

		_, err = s.CreateIdentification(ctx, "Planta Norte", "", 8)
		assert.True(t, apperr.IsKind(err, apperr.KindConflict))

		ok, err := s.UpdateIdentificationStatus(ctx, ident.ID, model.IdentificationCompleted)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetIdentification(ctx, ident.ID)
		require.NoError(t, err)
		assert.Equal(t, model.IdentificationCompleted, got.Status)
		assert.Equal(t, int64(7), got.UserID)

		// Terminal statuses are final.
		ok, err = s.UpdateIdentificationStatus(ctx, ident.ID, model.IdentificationFailed)
		require.NoError(t, err)
		assert.False(t, ok)
		got, err = s.GetIdentification(ctx, ident.ID)
		require.NoError(t, err)
		assert.Equal(t, model.IdentificationCompleted, got.Status)

		ok, err = s.UpdateIdentificationStatus(ctx, "missing", model.IdentificationFailed)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.GetIdentification(ctx, "missing")
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	})

	t.Run("LinksAreUnique", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ident, err := s.CreateIdentification(ctx, "Planta Sur", "", 1)
		require.NoError(t, err)

		ok, err := s.LinkRequirement(ctx, ident.ID, 100)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.LinkRequirement(ctx, ident.ID, 100)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.LinkLegalBasis(ctx, ident.ID, 100, 1)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.LinkLegalBasis(ctx, ident.ID, 100, 1)
		require.NoError(t, err)
		assert.False(t, ok)

		link := model.ArticleLink{
			IdentificationID: ident.ID,
			RequirementID:    100,
			LegalBasisID:     1,
			ArticleID:        10,
			Classification:   model.ClassificationObligatory,
		}
		ok, err = s.LinkArticle(ctx, link)
		require.NoError(t, err)
		assert.True(t, ok)

		// Same article again, even with another tag, is ignored.
		link.Classification = model.ClassificationComplementary
		ok, err = s.LinkArticle(ctx, link)
		require.NoError(t, err)
		assert.False(t, ok)

		link.Classification = "neither"
		_, err = s.LinkArticle(ctx, link)
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))

		links, err := s.ListArticleLinks(ctx, ident.ID)
		require.NoError(t, err)
		require.Len(t, links, 1)
		assert.Equal(t, model.ClassificationObligatory, links[0].Classification)
	})

	t.Run("DeletesCascade", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		lb := seedLegalBasis(t, s, "Reglamento", "Art. 1", "Art. 2")
		r := seedRequirement(t, s, 1, 1, "ruido")

		n, err := s.DeleteArticles(ctx, []int64{lb.Articles[0].ID})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.DeleteLegalBases(ctx, []int64{lb.ID, 9999})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		articles, err := s.FindArticlesByLegalBasisID(ctx, lb.ID)
		require.NoError(t, err)
		assert.Empty(t, articles)

		n, err = s.DeleteRequirements(ctx, []int64{r.ID})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		ident, err := s.CreateIdentification(ctx, "Borrar", "", 1)
		require.NoError(t, err)
		_, err = s.LinkArticle(ctx, model.ArticleLink{
			IdentificationID: ident.ID, RequirementID: 1, LegalBasisID: 1, ArticleID: 1,
			Classification: model.ClassificationComplementary,
		})
		require.NoError(t, err)

		n, err = s.DeleteIdentifications(ctx, []string{ident.ID})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		links, err := s.ListArticleLinks(ctx, ident.ID)
		require.NoError(t, err)
		assert.Empty(t, links)

		n, err = s.DeleteIdentifications(ctx, nil)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func TestSQLiteStore_ImplementsStore(t *testing.T) {
	var _ Store = (*SQLiteStore)(nil)
	var _ Store = (*PostgresStore)(nil)
}
