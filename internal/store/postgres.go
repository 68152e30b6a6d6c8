package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/reqident/internal/apperr"
	"github.com/sells-group/reqident/internal/db"
	"github.com/sells-group/reqident/internal/model"
)

// PostgresStore implements Store on a pgx pool. The pool is owned by the
// caller, which typically shares it with the Postgres queue backend.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres wraps pool.
func NewPostgres(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS legal_bases (
	id             BIGSERIAL PRIMARY KEY,
	name           TEXT NOT NULL UNIQUE,
	abbreviation   TEXT NOT NULL DEFAULT '',
	classification TEXT NOT NULL DEFAULT '',
	jurisdiction   TEXT NOT NULL DEFAULT '',
	state          TEXT NOT NULL DEFAULT '',
	municipality   TEXT NOT NULL DEFAULT '',
	last_reform    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS articles (
	id             BIGSERIAL PRIMARY KEY,
	legal_basis_id BIGINT NOT NULL REFERENCES legal_bases(id) ON DELETE CASCADE,
	name           TEXT NOT NULL,
	body           TEXT NOT NULL DEFAULT '',
	article_order  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS requirements (
	id                        BIGSERIAL PRIMARY KEY,
	subject_id                BIGINT NOT NULL,
	aspect_id                 BIGINT NOT NULL,
	number                    TEXT NOT NULL DEFAULT '',
	name                      TEXT NOT NULL,
	mandatory_description     TEXT NOT NULL DEFAULT '',
	complementary_description TEXT NOT NULL DEFAULT '',
	mandatory_keywords        TEXT NOT NULL DEFAULT '',
	complementary_keywords    TEXT NOT NULL DEFAULT '',
	req_condition             TEXT NOT NULL DEFAULT '',
	evidence_type             TEXT NOT NULL DEFAULT '',
	periodicity               TEXT NOT NULL DEFAULT '',
	jurisdiction              TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS identifications (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	user_id     BIGINT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS identification_requirements (
	identification_id TEXT NOT NULL REFERENCES identifications(id) ON DELETE CASCADE,
	requirement_id    BIGINT NOT NULL,
	PRIMARY KEY (identification_id, requirement_id)
);

CREATE TABLE IF NOT EXISTS identification_legal_bases (
	identification_id TEXT NOT NULL REFERENCES identifications(id) ON DELETE CASCADE,
	requirement_id    BIGINT NOT NULL,
	legal_basis_id    BIGINT NOT NULL,
	PRIMARY KEY (identification_id, requirement_id, legal_basis_id)
);

-- One row per (requirement, article) pair, so an article linked to several
-- requirements of one identification appears once for each.
CREATE TABLE IF NOT EXISTS identification_articles (
	identification_id TEXT NOT NULL REFERENCES identifications(id) ON DELETE CASCADE,
	requirement_id    BIGINT NOT NULL,
	legal_basis_id    BIGINT NOT NULL,
	article_id        BIGINT NOT NULL,
	classification    TEXT NOT NULL CHECK (classification IN ('obligatory', 'complementary')),
	PRIMARY KEY (identification_id, requirement_id, legal_basis_id, article_id)
);

CREATE INDEX IF NOT EXISTS idx_articles_legal_basis ON articles(legal_basis_id, article_order);
CREATE INDEX IF NOT EXISTS idx_requirements_subject_aspect ON requirements(subject_id, aspect_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close is a no-op; see NewPostgres.
func (s *PostgresStore) Close() error {
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// --- Catalog reads ---

func (s *PostgresStore) FindLegalBasesByIDs(ctx context.Context, ids []int64) ([]model.LegalBasis, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, abbreviation, classification, jurisdiction, state, municipality, last_reform
		 FROM legal_bases WHERE id = ANY($1) ORDER BY id`,
		ids,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find legal bases")
	}
	defer rows.Close()

	var out []model.LegalBasis
	for rows.Next() {
		var (
			lb  model.LegalBasis
			jur string
		)
		if err := rows.Scan(&lb.ID, &lb.Name, &lb.Abbreviation, &lb.Classification, &jur,
			&lb.State, &lb.Municipality, &lb.LastReform); err != nil {
			return nil, eris.Wrap(err, "postgres: scan legal basis")
		}
		lb.Jurisdiction = model.Jurisdiction(jur)
		out = append(out, lb)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate legal bases")
}

func (s *PostgresStore) FindArticlesByLegalBasisID(ctx context.Context, legalBasisID int64) ([]model.Article, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, legal_basis_id, name, body, article_order FROM articles
		 WHERE legal_basis_id = $1 ORDER BY article_order, id`,
		legalBasisID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find articles of legal basis %d", legalBasisID)
	}
	defer rows.Close()

	var out []model.Article
	for rows.Next() {
		var a model.Article
		if err := rows.Scan(&a.ID, &a.LegalBasisID, &a.Name, &a.Body, &a.Order); err != nil {
			return nil, eris.Wrap(err, "postgres: scan article")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate articles")
}

func (s *PostgresStore) FindArticleByID(ctx context.Context, id int64) (*model.Article, error) {
	var a model.Article
	err := s.pool.QueryRow(ctx,
		`SELECT id, legal_basis_id, name, body, article_order FROM articles WHERE id = $1`, id,
	).Scan(&a.ID, &a.LegalBasisID, &a.Name, &a.Body, &a.Order)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("article %d not found", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find article %d", id)
	}
	return &a, nil
}

const requirementColumns = `id, subject_id, aspect_id, number, name, mandatory_description,
	complementary_description, mandatory_keywords, complementary_keywords, req_condition,
	evidence_type, periodicity, jurisdiction`

func (s *PostgresStore) FindRequirementsByIDs(ctx context.Context, ids []int64) ([]model.Requirement, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+requirementColumns+` FROM requirements WHERE id = ANY($1) ORDER BY id`,
		ids,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find requirements")
	}
	return collectRequirements(rows)
}

func (s *PostgresStore) FindRequirementsBySubjectAndAspects(ctx context.Context, subjectID int64, aspectIDs []int64) ([]model.Requirement, error) {
	if len(aspectIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+requirementColumns+` FROM requirements
		 WHERE subject_id = $1 AND aspect_id = ANY($2) ORDER BY id`,
		subjectID, aspectIDs,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find requirements of subject %d", subjectID)
	}
	return collectRequirements(rows)
}

func collectRequirements(rows pgx.Rows) ([]model.Requirement, error) {
	defer rows.Close()

	var out []model.Requirement
	for rows.Next() {
		var (
			r   model.Requirement
			jur string
		)
		if err := rows.Scan(&r.ID, &r.SubjectID, &r.AspectID, &r.Number, &r.Name,
			&r.MandatoryDescription, &r.ComplementaryDescription, &r.MandatoryKeywords,
			&r.ComplementaryKeywords, &r.Condition, &r.EvidenceType, &r.Periodicity, &jur); err != nil {
			return nil, eris.Wrap(err, "postgres: scan requirement")
		}
		r.Jurisdiction = model.Jurisdiction(jur)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate requirements")
}

// --- Catalog writes ---

func (s *PostgresStore) CreateLegalBasis(ctx context.Context, lb *model.LegalBasis) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create legal basis")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	err = tx.QueryRow(ctx,
		`INSERT INTO legal_bases (name, abbreviation, classification, jurisdiction, state, municipality, last_reform)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		lb.Name, lb.Abbreviation, lb.Classification, string(lb.Jurisdiction), lb.State, lb.Municipality, lb.LastReform,
	).Scan(&lb.ID)
	if isPgUniqueViolation(err) {
		return apperr.Conflict("legal basis %q already exists", lb.Name)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: insert legal basis %q", lb.Name)
	}

	for i := range lb.Articles {
		a := &lb.Articles[i]
		a.LegalBasisID = lb.ID
		if err := tx.QueryRow(ctx,
			`INSERT INTO articles (legal_basis_id, name, body, article_order) VALUES ($1, $2, $3, $4) RETURNING id`,
			lb.ID, a.Name, a.Body, a.Order,
		).Scan(&a.ID); err != nil {
			return eris.Wrapf(err, "postgres: insert article %q", a.Name)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit legal basis")
}

func (s *PostgresStore) CreateRequirement(ctx context.Context, r *model.Requirement) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO requirements (subject_id, aspect_id, number, name, mandatory_description,
			complementary_description, mandatory_keywords, complementary_keywords, req_condition,
			evidence_type, periodicity, jurisdiction)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`,
		r.SubjectID, r.AspectID, r.Number, r.Name, r.MandatoryDescription,
		r.ComplementaryDescription, r.MandatoryKeywords, r.ComplementaryKeywords, r.Condition,
		r.EvidenceType, r.Periodicity, string(r.Jurisdiction),
	).Scan(&r.ID)
	return eris.Wrapf(err, "postgres: insert requirement %q", r.Name)
}

func (s *PostgresStore) DeleteLegalBases(ctx context.Context, ids []int64) (int, error) {
	return s.deleteByIDs(ctx, "legal_bases", ids)
}

func (s *PostgresStore) DeleteArticles(ctx context.Context, ids []int64) (int, error) {
	return s.deleteByIDs(ctx, "articles", ids)
}

func (s *PostgresStore) DeleteRequirements(ctx context.Context, ids []int64) (int, error) {
	return s.deleteByIDs(ctx, "requirements", ids)
}

func (s *PostgresStore) DeleteIdentifications(ctx context.Context, ids []string) (int, error) {
	return s.deleteByIDs(ctx, "identifications", ids)
}

func (s *PostgresStore) deleteByIDs(ctx context.Context, table string, ids any) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+table+` WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: delete from %s", table)
	}
	return int(tag.RowsAffected()), nil
}

// --- Identifications ---

func (s *PostgresStore) CreateIdentification(ctx context.Context, name, description string, userID int64) (*model.Identification, error) {
	ident := &model.Identification{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Status:      model.IdentificationActive,
		UserID:      userID,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO identifications (id, name, description, status, user_id, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		ident.ID, ident.Name, ident.Description, string(ident.Status), ident.UserID, ident.CreatedAt,
	)
	if isPgUniqueViolation(err) {
		return nil, apperr.Conflict("identification name %q already exists", name)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert identification")
	}
	return ident, nil
}

func (s *PostgresStore) GetIdentification(ctx context.Context, id string) (*model.Identification, error) {
	var (
		ident  model.Identification
		status string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, status, user_id, created_at FROM identifications WHERE id = $1`, id,
	).Scan(&ident.ID, &ident.Name, &ident.Description, &status, &ident.UserID, &ident.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("identification %s not found", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get identification %s", id)
	}
	ident.Status = model.IdentificationStatus(status)
	return &ident, nil
}

func (s *PostgresStore) UpdateIdentificationStatus(ctx context.Context, id string, status model.IdentificationStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE identifications SET status = $1 WHERE id = $2 AND status = $3`,
		string(status), id, string(model.IdentificationActive),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: update identification status %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

// --- Links ---

func (s *PostgresStore) LinkRequirement(ctx context.Context, identificationID string, requirementID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO identification_requirements (identification_id, requirement_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		identificationID, requirementID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: link requirement %d", requirementID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) LinkLegalBasis(ctx context.Context, identificationID string, requirementID, legalBasisID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO identification_legal_bases (identification_id, requirement_id, legal_basis_id) VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`,
		identificationID, requirementID, legalBasisID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: link legal basis %d", legalBasisID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) LinkArticle(ctx context.Context, link model.ArticleLink) (bool, error) {
	if !link.Classification.Valid() {
		return false, apperr.Validation("invalid classification %q", link.Classification)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO identification_articles (identification_id, requirement_id, legal_basis_id, article_id, classification)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
		link.IdentificationID, link.RequirementID, link.LegalBasisID, link.ArticleID, string(link.Classification),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: link article %d", link.ArticleID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListArticleLinks(ctx context.Context, identificationID string) ([]model.ArticleLink, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT identification_id, requirement_id, legal_basis_id, article_id, classification
		 FROM identification_articles WHERE identification_id = $1
		 ORDER BY requirement_id, legal_basis_id, article_id`,
		identificationID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list article links of %s", identificationID)
	}
	defer rows.Close()

	var out []model.ArticleLink
	for rows.Next() {
		var (
			l   model.ArticleLink
			cls string
		)
		if err := rows.Scan(&l.IdentificationID, &l.RequirementID, &l.LegalBasisID, &l.ArticleID, &cls); err != nil {
			return nil, eris.Wrap(err, "postgres: scan article link")
		}
		l.Classification = model.Classification(cls)
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate article links")
}

// isPgUniqueViolation reports SQLSTATE 23505.
func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
