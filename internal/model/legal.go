package model

import "time"

// Jurisdiction is the territorial scope of a legal basis or requirement.
type Jurisdiction string

const (
	JurisdictionFederal   Jurisdiction = "federal"
	JurisdictionState     Jurisdiction = "state"
	JurisdictionLocal     Jurisdiction = "local"
	JurisdictionUndefined Jurisdiction = ""
)

// LegalBasis is a regulatory document decomposed into ordered articles.
type LegalBasis struct {
	ID             int64        `json:"id" yaml:"id"`
	Name           string       `json:"name" yaml:"name"`
	Abbreviation   string       `json:"abbreviation" yaml:"abbreviation"`
	Classification string       `json:"classification" yaml:"classification"`
	Jurisdiction   Jurisdiction `json:"jurisdiction" yaml:"jurisdiction"`
	State          string       `json:"state,omitempty" yaml:"state,omitempty"`
	Municipality   string       `json:"municipality,omitempty" yaml:"municipality,omitempty"`
	LastReform     *time.Time   `json:"last_reform,omitempty" yaml:"last_reform,omitempty"`
	Articles       []Article    `json:"articles,omitempty" yaml:"articles,omitempty"`
}

// ArticleCount returns the number of snapshotted articles.
func (lb LegalBasis) ArticleCount() int {
	return len(lb.Articles)
}

// Article is one ordered unit of a legal basis.
type Article struct {
	ID           int64  `json:"id" yaml:"id"`
	LegalBasisID int64  `json:"legal_basis_id" yaml:"legal_basis_id"`
	Name         string `json:"name" yaml:"name"`
	Body         string `json:"body" yaml:"body"`
	Order        int    `json:"order" yaml:"order"`
}

// Requirement is a compliance obligation matched against legal-basis articles.
type Requirement struct {
	ID                       int64        `json:"id" yaml:"id"`
	SubjectID                int64        `json:"subject_id" yaml:"subject_id"`
	AspectID                 int64        `json:"aspect_id" yaml:"aspect_id"`
	Number                   string       `json:"number" yaml:"number"`
	Name                     string       `json:"name" yaml:"name"`
	MandatoryDescription     string       `json:"mandatory_description" yaml:"mandatory_description"`
	ComplementaryDescription string       `json:"complementary_description" yaml:"complementary_description"`
	MandatoryKeywords        string       `json:"mandatory_keywords,omitempty" yaml:"mandatory_keywords,omitempty"`
	ComplementaryKeywords    string       `json:"complementary_keywords,omitempty" yaml:"complementary_keywords,omitempty"`
	Condition                string       `json:"condition,omitempty" yaml:"condition,omitempty"`
	EvidenceType             string       `json:"evidence_type,omitempty" yaml:"evidence_type,omitempty"`
	Periodicity              string       `json:"periodicity,omitempty" yaml:"periodicity,omitempty"`
	Jurisdiction             Jurisdiction `json:"jurisdiction" yaml:"jurisdiction"`
}
