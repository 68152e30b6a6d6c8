package model

// IdentificationPayload is the snapshot carried by an identification job.
// Legal bases, their articles and the requirements are embedded in full so a
// worker never re-fetches them; their continued existence is re-checked when
// the job starts.
type IdentificationPayload struct {
	IdentificationID  string            `json:"identification_id"`
	LegalBases        []LegalBasis      `json:"legal_bases"`
	Requirements      []Requirement     `json:"requirements"`
	IntelligenceLevel IntelligenceLevel `json:"intelligence_level"`
	UserID            int64             `json:"user_id"`
}

// TotalTasks is Σ(article count per legal basis) × requirement count.
func (p IdentificationPayload) TotalTasks() int {
	articles := 0
	for _, lb := range p.LegalBases {
		articles += lb.ArticleCount()
	}
	return articles * len(p.Requirements)
}

// LegalBasisIDs returns the ids of the snapshotted legal bases in order.
func (p IdentificationPayload) LegalBasisIDs() []int64 {
	ids := make([]int64, len(p.LegalBases))
	for i, lb := range p.LegalBases {
		ids[i] = lb.ID
	}
	return ids
}

// RequirementIDs returns the ids of the snapshotted requirements in order.
func (p IdentificationPayload) RequirementIDs() []int64 {
	ids := make([]int64, len(p.Requirements))
	for i, r := range p.Requirements {
		ids[i] = r.ID
	}
	return ids
}

// ReferencesLegalBasis reports whether the snapshot contains the legal basis.
func (p IdentificationPayload) ReferencesLegalBasis(id int64) bool {
	for _, lb := range p.LegalBases {
		if lb.ID == id {
			return true
		}
	}
	return false
}

// ReferencesRequirement reports whether the snapshot contains the requirement.
func (p IdentificationPayload) ReferencesRequirement(id int64) bool {
	for _, r := range p.Requirements {
		if r.ID == id {
			return true
		}
	}
	return false
}

// IdentificationReport is stored as the job result of a completed run.
type IdentificationReport struct {
	IdentificationID   string           `json:"identification_id"`
	ObligatoryLinks    int              `json:"obligatory_links"`
	ComplementaryLinks int              `json:"complementary_links"`
	ProcessedTasks     int              `json:"processed_tasks"`
	TotalTasks         int              `json:"total_tasks"`
	Skipped            []SkippedArticle `json:"skipped,omitempty"`
}

// SkippedArticle records an article whose classification failed.
type SkippedArticle struct {
	RequirementID int64  `json:"requirement_id"`
	LegalBasisID  int64  `json:"legal_basis_id"`
	ArticleID     int64  `json:"article_id"`
	Error         string `json:"error"`
}
