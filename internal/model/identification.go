package model

import (
	"strings"
	"time"
)

// IdentificationStatus represents the lifecycle of one identification run.
type IdentificationStatus string

const (
	IdentificationActive    IdentificationStatus = "active"
	IdentificationCompleted IdentificationStatus = "completed"
	IdentificationFailed    IdentificationStatus = "failed"
)

// Identification is one compliance-analysis run.
type Identification struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Status      IdentificationStatus `json:"status"`
	UserID      int64                `json:"user_id"`
	CreatedAt   time.Time            `json:"created_at"`
}

// Classification is the positive verdict tag stored on an article link.
type Classification string

const (
	ClassificationObligatory    Classification = "obligatory"
	ClassificationComplementary Classification = "complementary"
)

// Valid reports whether c is one of the two storable tags.
func (c Classification) Valid() bool {
	return c == ClassificationObligatory || c == ClassificationComplementary
}

// ArticleLink ties an article to an identification requirement with a verdict.
// At most one row exists per (identification, requirement, legal basis, article).
type ArticleLink struct {
	IdentificationID string         `json:"identification_id"`
	RequirementID    int64          `json:"requirement_id"`
	LegalBasisID     int64          `json:"legal_basis_id"`
	ArticleID        int64          `json:"article_id"`
	Classification   Classification `json:"classification"`
}

// IntelligenceLevel selects the AI model tier used for classification.
type IntelligenceLevel string

const (
	IntelligenceHigh IntelligenceLevel = "High"
	IntelligenceLow  IntelligenceLevel = "Low"
)

// ParseIntelligenceLevel accepts "high"/"low" in any case.
func ParseIntelligenceLevel(s string) (IntelligenceLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return IntelligenceHigh, true
	case "low":
		return IntelligenceLow, true
	default:
		return "", false
	}
}
