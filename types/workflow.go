package types

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus represents the position of a workflow in its state machine.
type WorkflowStatus string

const (
	// StatusCreated indicates the workflow record has been persisted but no
	// stage has started yet.
	StatusCreated WorkflowStatus = "created"

	// StatusResearching indicates the research stage is running.
	StatusResearching WorkflowStatus = "researching"

	// StatusWriting indicates the synthesis stage is running.
	StatusWriting WorkflowStatus = "writing"

	// StatusCompleted indicates both stages finished successfully.
	StatusCompleted WorkflowStatus = "completed"

	// StatusFailed indicates a stage failed or the workflow was cancelled.
	StatusFailed WorkflowStatus = "failed"
)

// IsTerminal returns true if the status is absorbing.
func (s WorkflowStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// transitions encodes the forward-only state machine. Terminal states have
// no outgoing edges; failed is reachable from both running states.
var transitions = map[WorkflowStatus][]WorkflowStatus{
	StatusCreated:     {StatusResearching},
	StatusResearching: {StatusWriting, StatusFailed},
	StatusWriting:     {StatusCompleted, StatusFailed},
}

// CanTransitionTo reports whether moving from s to next is a legal forward
// transition. Backward transitions and transitions out of terminal states
// are always rejected.
func (s WorkflowStatus) CanTransitionTo(next WorkflowStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// ErrorEntry is one element of a workflow's append-only audit trail.
// Entries are never mutated after the fact except for the Resolved flag,
// which an external reviewer action may set.
type ErrorEntry struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Kind       ErrorCode      `json:"kind"`
	Message    string         `json:"message"`
	Context    map[string]any `json:"context,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Resolved   bool           `json:"resolved"`
}

// NewErrorEntry creates an audit entry for the given workflow.
func NewErrorEntry(workflowID string, kind ErrorCode, message string, ctx map[string]any) ErrorEntry {
	return ErrorEntry{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Kind:       kind,
		Message:    message,
		Context:    ctx,
		Timestamp:  time.Now().UTC(),
	}
}

// Workflow is one end-to-end request instance. It is the only entity with
// mutable fields (Status, ResearchID, OutputID, Errors, UpdatedAt) for the
// life of an Execute call; stage output records are write-once.
type Workflow struct {
	ID         string         `json:"id"`
	Status     WorkflowStatus `json:"status"`
	Query      string         `json:"query"`
	Parameters map[string]any `json:"parameters,omitempty"`

	// ResearchID and OutputID reference the at-most-one stage output record
	// of each kind. Both set implies the workflow completed.
	ResearchID string `json:"research_id,omitempty"`
	OutputID   string `json:"output_id,omitempty"`

	Errors []ErrorEntry `json:"errors,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewWorkflow creates a workflow in the created state with a fresh id.
func NewWorkflow(query string, params map[string]any) *Workflow {
	now := time.Now().UTC()
	return &Workflow{
		ID:         uuid.New().String(),
		Status:     StatusCreated,
		Query:      query,
		Parameters: params,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// CurrentAgent names the stage working on the workflow, for status queries.
// Terminal and created workflows have no active stage.
func (w *Workflow) CurrentAgent() string {
	switch w.Status {
	case StatusResearching:
		return "researcher"
	case StatusWriting:
		return "writer"
	default:
		return ""
	}
}

// Progress maps the status to a coarse completion fraction for the API.
func (w *Workflow) Progress() float64 {
	switch w.Status {
	case StatusCreated:
		return 0.0
	case StatusResearching:
		return 0.25
	case StatusWriting:
		return 0.65
	case StatusCompleted:
		return 1.0
	case StatusFailed:
		return 1.0
	default:
		return 0.0
	}
}
