package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/researchflow/orchestrator"
	"github.com/BaSui01/researchflow/types"
)

// =============================================================================
// Workflow Handler
// =============================================================================

// WorkflowExecutor 是 handler 对编排器的依赖面
type WorkflowExecutor interface {
	Execute(ctx context.Context, query string, params map[string]any) (*types.WorkflowResult, error)
	Cancel(id string) bool
}

// WorkflowReader 是 handler 对只读仓库的依赖面
type WorkflowReader interface {
	GetStatus(ctx context.Context, workflowID string) (*orchestrator.StatusView, error)
	GetResult(ctx context.Context, workflowID string) (*orchestrator.ResultView, error)
	ListWorkflows(ctx context.Context, status types.WorkflowStatus) ([]types.Workflow, error)
}

// WorkflowHandler workflow 管理处理器
type WorkflowHandler struct {
	executor WorkflowExecutor
	reader   WorkflowReader
	logger   *zap.Logger
}

// ExecuteRequest workflow 执行请求
type ExecuteRequest struct {
	Query      string         `json:"query"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ExecuteResponse workflow 执行响应。
// Errors 在 workflow 失败时携带审计条目；Research 在 writing 阶段
// 失败时仍然填充（部分结果）。
type ExecuteResponse struct {
	WorkflowID string                `json:"workflow_id"`
	Status     types.WorkflowStatus  `json:"status"`
	Research   *types.ResearchRecord `json:"research,omitempty"`
	Output     *types.OutputRecord   `json:"output,omitempty"`
	Errors     []types.ErrorEntry    `json:"errors,omitempty"`
	Duration   string                `json:"duration"`
}

// WorkflowSummary 列表项
type WorkflowSummary struct {
	WorkflowID string               `json:"workflow_id"`
	Status     types.WorkflowStatus `json:"status"`
	Query      string               `json:"query"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// NewWorkflowHandler 创建 workflow 处理器
func NewWorkflowHandler(executor WorkflowExecutor, reader WorkflowReader, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{
		executor: executor,
		reader:   reader,
		logger:   logger.Named("api"),
	}
}

// =============================================================================
// HTTP Handlers
// =============================================================================

// HandleExecute 同步执行一个 workflow。
// workflow 执行失败不是请求错误：返回 200，body 里 status=failed
// 并携带错误条目。只有请求本身非法（空 query、坏 JSON）才返回 4xx。
func (h *WorkflowHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if strings.TrimSpace(req.Query) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "query is required", h.logger)
		return
	}

	start := time.Now()
	result, err := h.executor.Execute(r.Context(), req.Query, req.Parameters)
	if result == nil {
		// 没有创建任何记录的快速失败路径
		WriteErrorFrom(w, err, h.logger)
		return
	}

	if err != nil {
		h.logger.Warn("workflow execution failed",
			zap.String("workflow_id", result.Workflow.ID),
			zap.Error(err),
		)
	}

	WriteSuccess(w, toExecuteResponse(result, time.Since(start)))
}

// HandleList 按状态列出 workflow（?status=completed）
func (h *WorkflowHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	status := types.WorkflowStatus(r.URL.Query().Get("status"))
	if status != "" && !validStatus(status) {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"unknown status filter: "+string(status), h.logger)
		return
	}

	workflows, err := h.reader.ListWorkflows(r.Context(), status)
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}

	result := make([]WorkflowSummary, 0, len(workflows))
	for _, wf := range workflows {
		result = append(result, WorkflowSummary{
			WorkflowID: wf.ID,
			Status:     wf.Status,
			Query:      wf.Query,
			CreatedAt:  wf.CreatedAt,
			UpdatedAt:  wf.UpdatedAt,
		})
	}

	WriteSuccess(w, result)
}

// HandleStatus 查询 workflow 当前状态
func (h *WorkflowHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id := extractWorkflowID(r)
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "workflow ID is required", h.logger)
		return
	}

	status, err := h.reader.GetStatus(r.Context(), id)
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}

	WriteSuccess(w, status)
}

// HandleResult 查询 workflow 结果。终态 workflow 上重复查询
// 返回相同内容；失败的 workflow 返回已有的部分数据。
func (h *WorkflowHandler) HandleResult(w http.ResponseWriter, r *http.Request) {
	id := extractWorkflowID(r)
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "workflow ID is required", h.logger)
		return
	}

	result, err := h.reader.GetResult(r.Context(), id)
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}

	WriteSuccess(w, result)
}

// HandleCancel 请求取消一个执行中的 workflow
func (h *WorkflowHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := extractWorkflowID(r)
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "workflow ID is required", h.logger)
		return
	}

	if !h.executor.Cancel(id) {
		// 要么不存在，要么已进入终态；靠只读查询区分
		if _, err := h.reader.GetStatus(r.Context(), id); err != nil {
			WriteErrorFrom(w, err, h.logger)
			return
		}
		WriteErrorMessage(w, http.StatusConflict, types.ErrInvalidTransition,
			"workflow is not running", h.logger)
		return
	}

	h.logger.Info("workflow cancellation requested", zap.String("workflow_id", id))
	WriteSuccess(w, map[string]any{"workflow_id": id, "cancelled": true})
}

// =============================================================================
// Helper Functions
// =============================================================================

func toExecuteResponse(result *types.WorkflowResult, duration time.Duration) ExecuteResponse {
	return ExecuteResponse{
		WorkflowID: result.Workflow.ID,
		Status:     result.Workflow.Status,
		Research:   result.Research,
		Output:     result.Output,
		Errors:     result.Workflow.Errors,
		Duration:   duration.String(),
	}
}

func validStatus(s types.WorkflowStatus) bool {
	switch s {
	case types.StatusCreated, types.StatusResearching, types.StatusWriting,
		types.StatusCompleted, types.StatusFailed:
		return true
	default:
		return false
	}
}

// extractWorkflowID 从路径取 workflow ID。
// 支持 Go 1.22+ 的 PathValue 和 /api/v1/workflows/{id}/... 前缀裁剪。
func extractWorkflowID(r *http.Request) string {
	if id := r.PathValue("id"); id != "" {
		return id
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/workflows/")
	if path == r.URL.Path {
		return ""
	}
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		path = path[:idx]
	}
	return path
}
