package types

import (
	"time"

	"github.com/google/uuid"
)

// FormattedResult is the deterministic, presentation-ready shape of a
// synthesized report.
type FormattedResult struct {
	Summary         string            `json:"summary"`
	Sections        map[string]string `json:"sections,omitempty"`
	Recommendations []string          `json:"recommendations,omitempty"`
}

// QualityMetrics scores a synthesized report. Each metric is in [0,1].
type QualityMetrics struct {
	Completeness float64 `json:"completeness"`
	Accuracy     float64 `json:"accuracy"`
	Readability  float64 `json:"readability"`
}

// OutputRecord is the synthesis stage's output. ResearchID names the exact
// research record the narrative was synthesized from, enforcing the 1:1
// research-to-output relationship. Immutable once persisted.
type OutputRecord struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	ResearchID string `json:"research_id"`

	Narrative string          `json:"narrative"`
	Formatted FormattedResult `json:"formatted_output"`
	Quality   QualityMetrics  `json:"quality_metrics"`

	CreatedAt time.Time `json:"created_at"`
}

// NewOutputRecord creates an output record with a fresh id, bound to the
// workflow and the research record it was synthesized from.
func NewOutputRecord(workflowID, researchID string) *OutputRecord {
	return &OutputRecord{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		ResearchID: researchID,
		CreatedAt:  time.Now().UTC(),
	}
}

// WorkflowResult bundles what Execute returns to the caller: the workflow
// snapshot plus whatever stage outputs exist. On a failure during writing,
// Research is still populated as the partial result.
type WorkflowResult struct {
	Workflow *Workflow       `json:"workflow"`
	Research *ResearchRecord `json:"research,omitempty"`
	Output   *OutputRecord   `json:"output,omitempty"`
}
