package catalog

import (
	"context"
	"errors"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/reqident/internal/apperr"
	"github.com/sells-group/reqident/internal/model"
)

// Document is a YAML catalog file: legal bases with their articles and
// requirements.
type Document struct {
	LegalBases   []model.LegalBasis  `json:"legal_bases" yaml:"legal_bases"`
	Requirements []model.Requirement `json:"requirements" yaml:"requirements"`
}

// ParseDocument decodes a catalog document. Unknown keys are rejected.
func ParseDocument(r io.Reader) (*Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return &doc, nil
		}
		return nil, apperr.Wrap(apperr.KindValidation, err, "parse catalog document")
	}
	for i, lb := range doc.LegalBases {
		if lb.Name == "" {
			return nil, apperr.Validation("legal basis #%d has no name", i+1)
		}
		for j := range lb.Articles {
			if lb.Articles[j].Order == 0 {
				doc.LegalBases[i].Articles[j].Order = j + 1
			}
		}
	}
	for i, r := range doc.Requirements {
		if r.Name == "" || r.SubjectID <= 0 || r.AspectID <= 0 {
			return nil, apperr.Validation("requirement #%d needs name, subject_id and aspect_id", i+1)
		}
	}
	return &doc, nil
}

// ImportResult counts created rows.
type ImportResult struct {
	LegalBases   int `json:"legal_bases"`
	Articles     int `json:"articles"`
	Requirements int `json:"requirements"`
}

// Import creates every entity in doc. IDs in the document are ignored; the
// store assigns them. It stops at the first failure.
func (c *Catalog) Import(ctx context.Context, doc *Document) (*ImportResult, error) {
	res := &ImportResult{}
	for i := range doc.LegalBases {
		lb := doc.LegalBases[i]
		lb.ID = 0
		if err := c.store.CreateLegalBasis(ctx, &lb); err != nil {
			if apperr.IsKind(err, apperr.KindConflict) {
				return res, err
			}
			return res, eris.Wrapf(err, "catalog: import legal basis %q", lb.Name)
		}
		doc.LegalBases[i] = lb
		res.LegalBases++
		res.Articles += len(lb.Articles)
	}
	for i := range doc.Requirements {
		r := doc.Requirements[i]
		r.ID = 0
		if err := c.store.CreateRequirement(ctx, &r); err != nil {
			return res, eris.Wrapf(err, "catalog: import requirement %q", r.Name)
		}
		doc.Requirements[i] = r
		res.Requirements++
	}
	zap.L().Info("catalog: imported",
		zap.Int("legal_bases", res.LegalBases),
		zap.Int("articles", res.Articles),
		zap.Int("requirements", res.Requirements),
	)
	return res, nil
}
