package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/researchflow/backend"
	"github.com/BaSui01/researchflow/policy"
	"github.com/BaSui01/researchflow/stage"
	"github.com/BaSui01/researchflow/store"
	"github.com/BaSui01/researchflow/testutil/mocks"
	"github.com/BaSui01/researchflow/types"
)

func testExecutor() *policy.Executor {
	return policy.NewExecutor(
		&policy.RetryPolicy{
			MaxRetries:   3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2.0,
		},
		policy.BreakerConfig{FailureThreshold: 100, Cooldown: time.Minute},
		zap.NewNop(),
	)
}

// newOrchestrator wires real stages over scripted backends and the given store.
func newOrchestrator(st store.Store, lm backend.LanguageModel, fetcher backend.DocumentFetcher) *Orchestrator {
	exec := testExecutor()
	research := stage.NewResearchStage(lm, fetcher, exec, st, nil, stage.ResearchConfig{
		Sources: []string{"https://example.com/policies", "https://example.com/claims"},
	}, zap.NewNop())
	synthesis := stage.NewSynthesisStage(lm, exec, st, nil, stage.SynthesisConfig{}, zap.NewNop())
	return New(st, research, synthesis, Config{Deadline: time.Minute}, nil, zap.NewNop())
}

// coverageThenNarrativeLM answers the research prompt with coverage JSON and
// every later call with a narrative.
func coverageThenNarrativeLM() *mocks.LanguageModel {
	return &mocks.LanguageModel{
		CompleteFn: func(ctx context.Context, req *backend.CompletionRequest) (*backend.CompletionResponse, error) {
			if req.System == "You are an insurance research expert." {
				return &backend.CompletionResponse{Content: mocks.CoverageJSON}, nil
			}
			return &backend.CompletionResponse{Content: "A professional insurance report.\n\nDetails follow."}, nil
		},
	}
}

func TestOrchestrator_HappyPath(t *testing.T) {
	st := store.NewMemoryStore()
	o := newOrchestrator(st, coverageThenNarrativeLM(), &mocks.Fetcher{})

	result, err := o.Execute(context.Background(), "Health insurance coverage", nil)

	require.NoError(t, err)
	wf := result.Workflow
	assert.Equal(t, types.StatusCompleted, wf.Status)

	// completed implies both records exist and are cross-referenced.
	require.NotNil(t, result.Research)
	require.NotNil(t, result.Output)
	assert.Equal(t, result.Research.ID, result.Output.ResearchID)
	assert.Equal(t, result.Research.ID, wf.ResearchID)
	assert.Equal(t, result.Output.ID, wf.OutputID)

	assert.NotEmpty(t, result.Output.Formatted.Summary)
	assert.GreaterOrEqual(t, result.Output.Quality.Completeness, 0.0)
	assert.LessOrEqual(t, result.Output.Quality.Completeness, 1.0)

	// The persisted snapshot matches.
	var persisted types.Workflow
	require.NoError(t, st.Get(context.Background(), store.CollectionWorkflows, wf.ID, &persisted))
	assert.Equal(t, types.StatusCompleted, persisted.Status)
	assert.Equal(t, wf.ResearchID, persisted.ResearchID)
	assert.Equal(t, wf.OutputID, persisted.OutputID)
}

func TestOrchestrator_FreshWorkflowPerExecute(t *testing.T) {
	st := store.NewMemoryStore()
	o := newOrchestrator(st, coverageThenNarrativeLM(), &mocks.Fetcher{})

	r1, err := o.Execute(context.Background(), "q", nil)
	require.NoError(t, err)
	r2, err := o.Execute(context.Background(), "q", nil)
	require.NoError(t, err)

	assert.NotEqual(t, r1.Workflow.ID, r2.Workflow.ID)
}

func TestOrchestrator_ResearchFailure(t *testing.T) {
	st := store.NewMemoryStore()
	o := newOrchestrator(st, mocks.FailingLM(), &mocks.Fetcher{})

	result, err := o.Execute(context.Background(), "q", nil)

	require.Error(t, err)
	assert.Equal(t, types.ErrStageUpstream, types.GetErrorCode(err))

	wf := result.Workflow
	assert.Equal(t, types.StatusFailed, wf.Status)
	assert.Nil(t, result.Research)
	assert.Nil(t, result.Output)

	// Error entry persisted before the failed transition.
	var persisted types.Workflow
	require.NoError(t, st.Get(context.Background(), store.CollectionWorkflows, wf.ID, &persisted))
	assert.Equal(t, types.StatusFailed, persisted.Status)
	require.Len(t, persisted.Errors, 1)
	assert.Equal(t, types.ErrStageUpstream, persisted.Errors[0].Kind)
	assert.Equal(t, "researcher", persisted.Errors[0].Context["stage"])
}

func TestOrchestrator_SynthesisFailureReturnsPartialResult(t *testing.T) {
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
	assert.Equal(t, types.StatusFailed, result.Workflow.Status)

	// Graceful degradation: the research record survives as partial result.
	require.NotNil(t, result.Research)
	assert.Nil(t, result.Output)

	// No output record was ever persisted.
	docs, qerr := st.Query(context.Background(), store.CollectionOutputs, nil)
	require.NoError(t, qerr)
	assert.Empty(t, docs)

	// The research record is persisted and referenced.
	var persisted types.Workflow
	require.NoError(t, st.Get(context.Background(), store.CollectionWorkflows, result.Workflow.ID, &persisted))
	assert.Equal(t, result.Research.ID, persisted.ResearchID)
	assert.Empty(t, persisted.OutputID)
}

func TestOrchestrator_EmptyQueryFailsFast(t *testing.T) {
	st := store.NewMemoryStore()
	o := newOrchestrator(st, coverageThenNarrativeLM(), &mocks.Fetcher{})

	_, err := o.Execute(context.Background(), "   ", nil)

	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	// No workflow record was created.
	docs, qerr := st.Query(context.Background(), store.CollectionWorkflows, nil)
	require.NoError(t, qerr)
	assert.Empty(t, docs)
}

func TestOrchestrator_Cancellation(t *testing.T) {
	st := store.NewMemoryStore()

	started := make(chan string, 1)
	lm := &mocks.LanguageModel{
		CompleteFn: func(ctx context.Context, req *backend.CompletionRequest) (*backend.CompletionResponse, error) {
			select {
			case started <- "research":
			default:
			}
			<-ctx.Done()
			return nil, types.NewError(types.ErrCancelled, "completion cancelled").WithCause(ctx.Err())
		},
	}
	o := newOrchestrator(st, lm, &mocks.Fetcher{})

	type executeResult struct {
		result *types.WorkflowResult
		err    error
	}
	done := make(chan executeResult, 1)
	go func() {
		r, err := o.Execute(context.Background(), "q", nil)
		done <- executeResult{r, err}
	}()

	<-started

	// The workflow id is discoverable through the store once persisted.
	var workflowID string
	require.Eventually(t, func() bool {
		docs, err := st.Query(context.Background(), store.CollectionWorkflows, nil)
		if err != nil || len(docs) == 0 {
			return false
		}
		var wf types.Workflow
		if jsonErr := json.Unmarshal(docs[0], &wf); jsonErr != nil {
			return false
		}
		workflowID = wf.ID
		return true
	}, time.Second, 5*time.Millisecond)

	assert.True(t, o.Cancel(workflowID))

	select {
	case r := <-done:
		require.Error(t, r.err)
		assert.Equal(t, types.StatusFailed, r.result.Workflow.Status)
		assert.Nil(t, r.result.Output)

		var persisted types.Workflow
		require.NoError(t, st.Get(context.Background(), store.CollectionWorkflows, workflowID, &persisted))
		require.NotEmpty(t, persisted.Errors)
		assert.Equal(t, types.ErrCancelled, persisted.Errors[0].Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancellation")
	}

	// A second cancel of a finished workflow reports false.
	assert.False(t, o.Cancel(workflowID))
}

func TestOrchestrator_CancelUnknownWorkflow(t *testing.T) {
	o := newOrchestrator(store.NewMemoryStore(), coverageThenNarrativeLM(), &mocks.Fetcher{})
	assert.False(t, o.Cancel("no-such-workflow"))
}

func TestOrchestrator_DeadlineFailsWorkflow(t *testing.T) {
	st := store.NewMemoryStore()
	lm := &mocks.LanguageModel{
		CompleteFn: func(ctx context.Context, req *backend.CompletionRequest) (*backend.CompletionResponse, error) {
			<-ctx.Done()
			return nil, types.NewError(types.ErrCancelled, "completion cancelled").WithCause(ctx.Err())
		},
	}
	exec := testExecutor()
	research := stage.NewResearchStage(lm, &mocks.Fetcher{}, exec, st, nil, stage.ResearchConfig{}, zap.NewNop())
	synthesis := stage.NewSynthesisStage(lm, exec, st, nil, stage.SynthesisConfig{}, zap.NewNop())
	o := New(st, research, synthesis, Config{Deadline: 20 * time.Millisecond}, nil, zap.NewNop())

	result, err := o.Execute(context.Background(), "q", nil)

	require.Error(t, err)
	assert.Equal(t, types.StatusFailed, result.Workflow.Status)
}

func TestOrchestrator_PersistenceFailureOnCreate(t *testing.T) {
	failing := mocks.NewFailingStore()
	failing.FailCreate = true
	o := newOrchestrator(failing, coverageThenNarrativeLM(), &mocks.Fetcher{})

	_, err := o.Execute(context.Background(), "q", nil)

	require.Error(t, err)
	assert.Equal(t, types.ErrPersistence, types.GetErrorCode(err))
}
