package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Status state machine
// ---------------------------------------------------------------------------

func TestWorkflowStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusCreated.IsTerminal())
	assert.False(t, StatusResearching.IsTerminal())
	assert.False(t, StatusWriting.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
}

func TestWorkflowStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name string
		from WorkflowStatus
		to   WorkflowStatus
		want bool
	}{
		{"created to researching", StatusCreated, StatusResearching, true},
		{"researching to writing", StatusResearching, StatusWriting, true},
		{"researching to failed", StatusResearching, StatusFailed, true},
		{"writing to completed", StatusWriting, StatusCompleted, true},
		{"writing to failed", StatusWriting, StatusFailed, true},

		// No backward transitions
		{"writing to researching", StatusWriting, StatusResearching, false},
		{"researching to created", StatusResearching, StatusCreated, false},
		{"completed to writing", StatusCompleted, StatusWriting, false},

		// Terminal states are absorbing
		{"completed to failed", StatusCompleted, StatusFailed, false},
		{"failed to researching", StatusFailed, StatusResearching, false},

		// No skipping
		{"created to writing", StatusCreated, StatusWriting, false},
		{"created to completed", StatusCreated, StatusCompleted, false},
		{"created to failed", StatusCreated, StatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

// ---------------------------------------------------------------------------
// Workflow construction
// ---------------------------------------------------------------------------

func TestNewWorkflow(t *testing.T) {
	w := NewWorkflow("Health insurance coverage", map[string]any{"depth": "full"})
	require.NotEmpty(t, w.ID)
	assert.Equal(t, StatusCreated, w.Status)
	assert.Equal(t, "Health insurance coverage", w.Query)
	assert.Empty(t, w.ResearchID)
	assert.Empty(t, w.OutputID)
	assert.False(t, w.CreatedAt.IsZero())
	assert.Equal(t, w.CreatedAt, w.UpdatedAt)

	// Fresh ids on every construction
	w2 := NewWorkflow("Health insurance coverage", nil)
	assert.NotEqual(t, w.ID, w2.ID)
}

func TestWorkflow_CurrentAgent(t *testing.T) {
	w := NewWorkflow("q", nil)
	assert.Equal(t, "", w.CurrentAgent())

	w.Status = StatusResearching
	assert.Equal(t, "researcher", w.CurrentAgent())

	w.Status = StatusWriting
	assert.Equal(t, "writer", w.CurrentAgent())

	w.Status = StatusCompleted
	assert.Equal(t, "", w.CurrentAgent())
}

func TestWorkflow_Progress(t *testing.T) {
	w := NewWorkflow("q", nil)
	assert.Equal(t, 0.0, w.Progress())

	w.Status = StatusResearching
	assert.Equal(t, 0.25, w.Progress())

	w.Status = StatusCompleted
	assert.Equal(t, 1.0, w.Progress())
}

// ---------------------------------------------------------------------------
// Records
// ---------------------------------------------------------------------------

func TestNewErrorEntry(t *testing.T) {
	e := NewErrorEntry("wf-1", ErrStageUpstream, "retries exhausted", map[string]any{"stage": "research"})
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "wf-1", e.WorkflowID)
	assert.Equal(t, ErrStageUpstream, e.Kind)
	assert.False(t, e.Timestamp.IsZero())
	assert.False(t, e.Resolved)
}

func TestNewOutputRecord_Backrefs(t *testing.T) {
	r := NewResearchRecord("wf-1", "q")
	o := NewOutputRecord("wf-1", r.ID)
	assert.Equal(t, "wf-1", o.WorkflowID)
	assert.Equal(t, r.ID, o.ResearchID)
	assert.NotEqual(t, r.ID, o.ID)
}
