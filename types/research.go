package types

import (
	"time"

	"github.com/google/uuid"
)

// CoverageData is the structured result of coverage synthesis: the coverage
// categories found for the query, named limits with their values, exclusion
// clauses, and the comparison points the synthesis stage should highlight.
type CoverageData struct {
	Types            []string          `json:"types"`
	Limits           map[string]string `json:"limits,omitempty"`
	Exclusions       []string          `json:"exclusions,omitempty"`
	ClaimProcess     []string          `json:"claim_process,omitempty"`
	RejectionReasons []string          `json:"rejection_reasons,omitempty"`
	ComparisonPoints []string          `json:"comparison_points,omitempty"`
}

// SourceCitation is one fetched external document backing the research.
type SourceCitation struct {
	Origin      string    `json:"origin"`
	Locator     string    `json:"locator"`
	Content     string    `json:"content"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// ResearchRecord is the research stage's output. It is owned exclusively by
// the workflow that created it and is immutable once persisted.
type ResearchRecord struct {
	ID         string           `json:"id"`
	WorkflowID string           `json:"workflow_id"`
	Query      string           `json:"query"`
	Coverage   CoverageData     `json:"coverage"`
	Citations  []SourceCitation `json:"citations,omitempty"`

	// Confidence is in [0,1]. The exact formula is a pluggable scorer
	// concern; the record only guarantees the range.
	Confidence float64 `json:"confidence"`

	CreatedAt time.Time `json:"created_at"`
}

// NewResearchRecord creates a research record with a fresh id for the
// given workflow.
func NewResearchRecord(workflowID, query string) *ResearchRecord {
	return &ResearchRecord{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Query:      query,
		CreatedAt:  time.Now().UTC(),
	}
}
