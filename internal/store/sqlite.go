package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/reqident/internal/apperr"
	"github.com/sells-group/reqident/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// foreign_keys is per connection, so keep exactly one.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS legal_bases (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	name           TEXT NOT NULL UNIQUE,
	abbreviation   TEXT NOT NULL DEFAULT '',
	classification TEXT NOT NULL DEFAULT '',
	jurisdiction   TEXT NOT NULL DEFAULT '',
	state          TEXT NOT NULL DEFAULT '',
	municipality   TEXT NOT NULL DEFAULT '',
	last_reform    DATETIME
);

CREATE TABLE IF NOT EXISTS articles (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	legal_basis_id INTEGER NOT NULL REFERENCES legal_bases(id) ON DELETE CASCADE,
	name           TEXT NOT NULL,
	body           TEXT NOT NULL DEFAULT '',
	article_order  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS requirements (
	id                        INTEGER PRIMARY KEY AUTOINCREMENT,
	subject_id                INTEGER NOT NULL,
	aspect_id                 INTEGER NOT NULL,
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
	user_id     INTEGER NOT NULL,
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS identification_requirements (
	identification_id TEXT NOT NULL REFERENCES identifications(id) ON DELETE CASCADE,
	requirement_id    INTEGER NOT NULL,
	PRIMARY KEY (identification_id, requirement_id)
);

CREATE TABLE IF NOT EXISTS identification_legal_bases (
	identification_id TEXT NOT NULL REFERENCES identifications(id) ON DELETE CASCADE,
	requirement_id    INTEGER NOT NULL,
	legal_basis_id    INTEGER NOT NULL,
	PRIMARY KEY (identification_id, requirement_id, legal_basis_id)
);

-- One row per (requirement, article) pair, so an article linked to several
-- requirements of one identification appears once for each.
CREATE TABLE IF NOT EXISTS identification_articles (
	identification_id TEXT NOT NULL REFERENCES identifications(id) ON DELETE CASCADE,
	requirement_id    INTEGER NOT NULL,
	legal_basis_id    INTEGER NOT NULL,
	article_id        INTEGER NOT NULL,
	classification    TEXT NOT NULL CHECK (classification IN ('obligatory', 'complementary')),
	PRIMARY KEY (identification_id, requirement_id, legal_basis_id, article_id)
);

CREATE INDEX IF NOT EXISTS idx_articles_legal_basis ON articles(legal_basis_id, article_order);
CREATE INDEX IF NOT EXISTS idx_requirements_subject_aspect ON requirements(subject_id, aspect_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Catalog reads ---

func (s *SQLiteStore) FindLegalBasesByIDs(ctx context.Context, ids []int64) ([]model.LegalBasis, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, abbreviation, classification, jurisdiction, state, municipality, last_reform
		 FROM legal_bases WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`,
		int64Args(ids)...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find legal bases")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.LegalBasis
	for rows.Next() {
		var (
			lb     model.LegalBasis
			jur    string
			reform sql.NullTime
		)
		if err := rows.Scan(&lb.ID, &lb.Name, &lb.Abbreviation, &lb.Classification, &jur,
			&lb.State, &lb.Municipality, &reform); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan legal basis")
		}
		lb.Jurisdiction = model.Jurisdiction(jur)
		if reform.Valid {
			t := reform.Time.UTC()
			lb.LastReform = &t
		}
		out = append(out, lb)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate legal bases")
}

func (s *SQLiteStore) FindArticlesByLegalBasisID(ctx context.Context, legalBasisID int64) ([]model.Article, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, legal_basis_id, name, body, article_order FROM articles
		 WHERE legal_basis_id = ? ORDER BY article_order, id`,
		legalBasisID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find articles of legal basis %d", legalBasisID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Article
	for rows.Next() {
		var a model.Article
		if err := rows.Scan(&a.ID, &a.LegalBasisID, &a.Name, &a.Body, &a.Order); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan article")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate articles")
}

func (s *SQLiteStore) FindArticleByID(ctx context.Context, id int64) (*model.Article, error) {
	var a model.Article
	err := s.db.QueryRowContext(ctx,
		`SELECT id, legal_basis_id, name, body, article_order FROM articles WHERE id = ?`, id,
	).Scan(&a.ID, &a.LegalBasisID, &a.Name, &a.Body, &a.Order)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("article %d not found", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find article %d", id)
	}
	return &a, nil
}

const sqliteRequirementColumns = `id, subject_id, aspect_id, number, name, mandatory_description,
	complementary_description, mandatory_keywords, complementary_keywords, req_condition,
	evidence_type, periodicity, jurisdiction`

func (s *SQLiteStore) FindRequirementsByIDs(ctx context.Context, ids []int64) ([]model.Requirement, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteRequirementColumns+` FROM requirements WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`,
		int64Args(ids)...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find requirements")
	}
	return scanRequirements(rows)
}

func (s *SQLiteStore) FindRequirementsBySubjectAndAspects(ctx context.Context, subjectID int64, aspectIDs []int64) ([]model.Requirement, error) {
	if len(aspectIDs) == 0 {
		return nil, nil
	}
	args := append([]any{subjectID}, int64Args(aspectIDs)...)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteRequirementColumns+` FROM requirements
		 WHERE subject_id = ? AND aspect_id IN (`+placeholders(len(aspectIDs))+`) ORDER BY id`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find requirements of subject %d", subjectID)
	}
	return scanRequirements(rows)
}

func scanRequirements(rows *sql.Rows) ([]model.Requirement, error) {
	defer rows.Close() //nolint:errcheck

	var out []model.Requirement
	for rows.Next() {
		var (
			r   model.Requirement
			jur string
		)
		if err := rows.Scan(&r.ID, &r.SubjectID, &r.AspectID, &r.Number, &r.Name,
			&r.MandatoryDescription, &r.ComplementaryDescription, &r.MandatoryKeywords,
			&r.ComplementaryKeywords, &r.Condition, &r.EvidenceType, &r.Periodicity, &jur); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan requirement")
		}
		r.Jurisdiction = model.Jurisdiction(jur)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate requirements")
}

// --- Catalog writes ---

func (s *SQLiteStore) CreateLegalBasis(ctx context.Context, lb *model.LegalBasis) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create legal basis")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`INSERT INTO legal_bases (name, abbreviation, classification, jurisdiction, state, municipality, last_reform)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lb.Name, lb.Abbreviation, lb.Classification, string(lb.Jurisdiction), lb.State, lb.Municipality, nullTime(lb.LastReform),
	)
	if isUniqueViolation(err) {
		return apperr.Conflict("legal basis %q already exists", lb.Name)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert legal basis %q", lb.Name)
	}
	if lb.ID, err = res.LastInsertId(); err != nil {
		return eris.Wrap(err, "sqlite: legal basis id")
	}

	for i := range lb.Articles {
		a := &lb.Articles[i]
		a.LegalBasisID = lb.ID
		res, err := tx.ExecContext(ctx,
			`INSERT INTO articles (legal_basis_id, name, body, article_order) VALUES (?, ?, ?, ?)`,
			lb.ID, a.Name, a.Body, a.Order,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert article %q", a.Name)
		}
		if a.ID, err = res.LastInsertId(); err != nil {
			return eris.Wrap(err, "sqlite: article id")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit legal basis")
}

func (s *SQLiteStore) CreateRequirement(ctx context.Context, r *model.Requirement) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO requirements (subject_id, aspect_id, number, name, mandatory_description,
			complementary_description, mandatory_keywords, complementary_keywords, req_condition,
			evidence_type, periodicity, jurisdiction)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SubjectID, r.AspectID, r.Number, r.Name, r.MandatoryDescription,
		r.ComplementaryDescription, r.MandatoryKeywords, r.ComplementaryKeywords, r.Condition,
		r.EvidenceType, r.Periodicity, string(r.Jurisdiction),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert requirement %q", r.Name)
	}
	r.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: requirement id")
}

func (s *SQLiteStore) DeleteLegalBases(ctx context.Context, ids []int64) (int, error) {
	return s.deleteByIDs(ctx, "legal_bases", int64Args(ids))
}

func (s *SQLiteStore) DeleteArticles(ctx context.Context, ids []int64) (int, error) {
	return s.deleteByIDs(ctx, "articles", int64Args(ids))
}

func (s *SQLiteStore) DeleteRequirements(ctx context.Context, ids []int64) (int, error) {
	return s.deleteByIDs(ctx, "requirements", int64Args(ids))
}

func (s *SQLiteStore) DeleteIdentifications(ctx context.Context, ids []string) (int, error) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.deleteByIDs(ctx, "identifications", args)
}

func (s *SQLiteStore) deleteByIDs(ctx context.Context, table string, ids []any) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE id IN (`+placeholders(len(ids))+`)`, ids...,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: delete from %s", table)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return int(n), nil
}

// --- Identifications ---

func (s *SQLiteStore) CreateIdentification(ctx context.Context, name, description string, userID int64) (*model.Identification, error) {
	ident := &model.Identification{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Status:      model.IdentificationActive,
		UserID:      userID,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identifications (id, name, description, status, user_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ident.ID, ident.Name, ident.Description, string(ident.Status), ident.UserID, ident.CreatedAt,
	)
	if isUniqueViolation(err) {
		return nil, apperr.Conflict("identification name %q already exists", name)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert identification")
	}
	return ident, nil
}

func (s *SQLiteStore) GetIdentification(ctx context.Context, id string) (*model.Identification, error) {
	var (
		ident  model.Identification
		status string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, status, user_id, created_at FROM identifications WHERE id = ?`, id,
	).Scan(&ident.ID, &ident.Name, &ident.Description, &status, &ident.UserID, &ident.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("identification %s not found", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get identification %s", id)
	}
	ident.Status = model.IdentificationStatus(status)
	return &ident, nil
}

func (s *SQLiteStore) UpdateIdentificationStatus(ctx context.Context, id string, status model.IdentificationStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE identifications SET status = ? WHERE id = ? AND status = ?`,
		string(status), id, string(model.IdentificationActive),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: update identification status %s", id)
	}
	return affectedOne(res)
}

// --- Links ---

func (s *SQLiteStore) LinkRequirement(ctx context.Context, identificationID string, requirementID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO identification_requirements (identification_id, requirement_id) VALUES (?, ?)
		 ON CONFLICT DO NOTHING`,
		identificationID, requirementID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: link requirement %d", requirementID)
	}
	return affectedOne(res)
}

func (s *SQLiteStore) LinkLegalBasis(ctx context.Context, identificationID string, requirementID, legalBasisID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO identification_legal_bases (identification_id, requirement_id, legal_basis_id) VALUES (?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		identificationID, requirementID, legalBasisID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: link legal basis %d", legalBasisID)
	}
	return affectedOne(res)
}

func (s *SQLiteStore) LinkArticle(ctx context.Context, link model.ArticleLink) (bool, error) {
	if !link.Classification.Valid() {
		return false, apperr.Validation("invalid classification %q", link.Classification)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO identification_articles (identification_id, requirement_id, legal_basis_id, article_id, classification)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		link.IdentificationID, link.RequirementID, link.LegalBasisID, link.ArticleID, string(link.Classification),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: link article %d", link.ArticleID)
	}
	return affectedOne(res)
}

func (s *SQLiteStore) ListArticleLinks(ctx context.Context, identificationID string) ([]model.ArticleLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT identification_id, requirement_id, legal_basis_id, article_id, classification
		 FROM identification_articles WHERE identification_id = ?
		 ORDER BY requirement_id, legal_basis_id, article_id`,
		identificationID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list article links of %s", identificationID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ArticleLink
	for rows.Next() {
		var (
			l   model.ArticleLink
			cls string
		)
		if err := rows.Scan(&l.IdentificationID, &l.RequirementID, &l.LegalBasisID, &l.ArticleID, &cls); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan article link")
		}
		l.Classification = model.Classification(cls)
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate article links")
}

// --- helpers ---

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
