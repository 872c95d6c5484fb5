package orchestrator

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/BaSui01/researchflow/store"
	"github.com/BaSui01/researchflow/types"
)

// StatusView 是状态查询的返回形状
type StatusView struct {
	WorkflowID   string               `json:"workflow_id"`
	Status       types.WorkflowStatus `json:"status"`
	CurrentAgent string               `json:"current_agent,omitempty"`
	Progress     float64              `json:"progress"`
	Errors       []types.ErrorEntry   `json:"errors,omitempty"`
}

// ResultView 是结果查询的返回形状。Output 在 workflow 未完成时为空。
type ResultView struct {
	WorkflowID string                `json:"workflow_id"`
	Status     types.WorkflowStatus  `json:"status"`
	Research   *types.ResearchRecord `json:"research,omitempty"`
	Output     *types.OutputRecord   `json:"output,omitempty"`
}

// Repository 是只读查询面，纯粹透传到文档存储，无业务逻辑
type Repository struct {
	store store.Store
}

// NewRepository 创建只读仓库
func NewRepository(st store.Store) *Repository {
	return &Repository{store: st}
}

// GetStatus 查询 workflow 当前状态
func (r *Repository) GetStatus(ctx context.Context, workflowID string) (*StatusView, error) {
	wf, err := r.getWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	return &StatusView{
		WorkflowID:   wf.ID,
		Status:       wf.Status,
		CurrentAgent: wf.CurrentAgent(),
		Progress:     wf.Progress(),
		Errors:       wf.Errors,
	}, nil
}

// GetResult 查询 workflow 结果。失败的 workflow 返回已有的部分数据
// （research 记录，如果存在），Output 为空。
func (r *Repository) GetResult(ctx context.Context, workflowID string) (*ResultView, error) {
	wf, err := r.getWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	view := &ResultView{WorkflowID: wf.ID, Status: wf.Status}

	if wf.ResearchID != "" {
		var research types.ResearchRecord
		if err := r.store.Get(ctx, store.CollectionResearch, wf.ResearchID, &research); err == nil {
			view.Research = &research
		}
	}
	if wf.OutputID != "" {
		var output types.OutputRecord
		if err := r.store.Get(ctx, store.CollectionOutputs, wf.OutputID, &output); err == nil {
			view.Output = &output
		}
	}
	return view, nil
}

// ListWorkflows 按状态过滤列出 workflow（status 为空列全部）
func (r *Repository) ListWorkflows(ctx context.Context, status types.WorkflowStatus) ([]types.Workflow, error) {
	filter := store.Filter{}
	if status != "" {
		filter["status"] = string(status)
	}

	docs, err := r.store.Query(ctx, store.CollectionWorkflows, filter)
	if err != nil {
		return nil, types.NewError(types.ErrPersistence, "querying workflows").WithCause(err)
	}

	out := make([]types.Workflow, 0, len(docs))
	for _, doc := range docs {
		var wf types.Workflow
		if err := json.Unmarshal(doc, &wf); err != nil {
			continue
		}
		out = append(out, wf)
	}
	return out, nil
}

func (r *Repository) getWorkflow(ctx context.Context, workflowID string) (*types.Workflow, error) {
	if workflowID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "workflow id must not be empty")
	}

	var wf types.Workflow
	if err := r.store.Get(ctx, store.CollectionWorkflows, workflowID, &wf); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, types.NewNotFoundError("workflow " + workflowID + " not found")
		}
		return nil, types.NewError(types.ErrPersistence, "loading workflow").WithCause(err)
	}
	return &wf, nil
}
