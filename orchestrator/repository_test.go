package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/researchflow/backend"
	"github.com/BaSui01/researchflow/store"
	"github.com/BaSui01/researchflow/testutil/mocks"
	"github.com/BaSui01/researchflow/types"
)

// completedWorkflow drives a full execution and returns the terminal snapshot.
func completedWorkflow(t *testing.T, st store.Store) *types.WorkflowResult {
	t.Helper()
	o := newOrchestrator(st, coverageThenNarrativeLM(), &mocks.Fetcher{})
	result, err := o.Execute(context.Background(), "Health insurance coverage", nil)
	require.NoError(t, err)
	return result
}

func TestRepository_GetStatus(t *testing.T) {
	st := store.NewMemoryStore()
	result := completedWorkflow(t, st)
	repo := NewRepository(st)

	status, err := repo.GetStatus(context.Background(), result.Workflow.ID)

	require.NoError(t, err)
	assert.Equal(t, result.Workflow.ID, status.WorkflowID)
	assert.Equal(t, types.StatusCompleted, status.Status)
	assert.Equal(t, "", status.CurrentAgent)
	assert.Equal(t, 1.0, status.Progress)
	assert.Empty(t, status.Errors)
}

func TestRepository_GetStatusFailedWorkflow(t *testing.T) {
	st := store.NewMemoryStore()
	o := newOrchestrator(st, mocks.FailingLM(), &mocks.Fetcher{})
	result, err := o.Execute(context.Background(), "q", nil)
	require.Error(t, err)

	status, serr := NewRepository(st).GetStatus(context.Background(), result.Workflow.ID)

	require.NoError(t, serr)
	assert.Equal(t, types.StatusFailed, status.Status)
	assert.Equal(t, 1.0, status.Progress)
	require.Len(t, status.Errors, 1)
	assert.Equal(t, types.ErrStageUpstream, status.Errors[0].Kind)
}

func TestRepository_GetResult(t *testing.T) {
	st := store.NewMemoryStore()
	result := completedWorkflow(t, st)
	repo := NewRepository(st)

	view, err := repo.GetResult(context.Background(), result.Workflow.ID)

	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, view.Status)
	require.NotNil(t, view.Research)
	require.NotNil(t, view.Output)
	assert.Equal(t, result.Research.ID, view.Research.ID)
	assert.Equal(t, result.Output.ID, view.Output.ID)
	assert.Equal(t, view.Research.ID, view.Output.ResearchID)
}

func TestRepository_GetResultPartialOnSynthesisFailure(t *testing.T) {
	st := store.NewMemoryStore()
	lm := &mocks.LanguageModel{
		CompleteFn: func(ctx context.Context, req *backend.CompletionRequest) (*backend.CompletionResponse, error) {
			if req.System == "You are an insurance research expert." {
				return &backend.CompletionResponse{Content: mocks.CoverageJSON}, nil
			}
			return nil, types.NewBackendError(backend.BackendLLM, "writer model down")
		},
	}
	o := newOrchestrator(st, lm, &mocks.Fetcher{})
	result, err := o.Execute(context.Background(), "q", nil)
	require.Error(t, err)

	view, verr := NewRepository(st).GetResult(context.Background(), result.Workflow.ID)

	require.NoError(t, verr)
	assert.Equal(t, types.StatusFailed, view.Status)
	require.NotNil(t, view.Research)
	assert.Nil(t, view.Output)
}

func TestRepository_ReadsAreIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	result := completedWorkflow(t, st)
	repo := NewRepository(st)

	first, err := repo.GetResult(context.Background(), result.Workflow.ID)
	require.NoError(t, err)
	second, err := repo.GetResult(context.Background(), result.Workflow.ID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRepository_NotFound(t *testing.T) {
	repo := NewRepository(store.NewMemoryStore())

	_, err := repo.GetStatus(context.Background(), "missing")
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))

	_, err = repo.GetResult(context.Background(), "missing")
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestRepository_EmptyID(t *testing.T) {
	repo := NewRepository(store.NewMemoryStore())

	_, err := repo.GetStatus(context.Background(), "")
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestRepository_ListWorkflows(t *testing.T) {
	st := store.NewMemoryStore()
	completedWorkflow(t, st)
	completedWorkflow(t, st)

	failing := newOrchestrator(st, mocks.FailingLM(), &mocks.Fetcher{})
	_, err := failing.Execute(context.Background(), "q", nil)
	require.Error(t, err)

	repo := NewRepository(st)

	all, err := repo.ListWorkflows(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	completed, err := repo.ListWorkflows(context.Background(), types.StatusCompleted)
	require.NoError(t, err)
	assert.Len(t, completed, 2)

	failed, err := repo.ListWorkflows(context.Background(), types.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, types.StatusFailed, failed[0].Status)
}
