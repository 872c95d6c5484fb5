// Package orchestrator owns the workflow state machine. It sequences the
// research and synthesis stages, persists every status transition before the
// next stage runs (write-ahead), and exposes partial results on failure.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/researchflow/internal/metrics"
	"github.com/BaSui01/researchflow/stage"
	"github.com/BaSui01/researchflow/store"
	"github.com/BaSui01/researchflow/types"
)

const tracerName = "github.com/BaSui01/researchflow/orchestrator"

// Config 编排器配置
type Config struct {
	// Deadline 单个 workflow 的总体超时
	Deadline time.Duration `yaml:"deadline" json:"deadline"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{Deadline: 10 * time.Minute}
}

// Orchestrator 按 created → researching → writing → completed 推进
// workflow，researching/writing 中任何不可恢复失败进入终态 failed。
// 每次转换都先持久化状态再执行下一阶段，并发的状态查询
// 永远不会观察到未落盘的进度。
type Orchestrator struct {
	store     store.Store
	research  stage.Stage
	synthesis stage.Stage
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer
	collector *metrics.Collector

	// 活跃 workflow 的取消入口
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New 创建编排器。collector 可为 nil（不记指标）。
func New(st store.Store, research, synthesis stage.Stage, cfg Config, collector *metrics.Collector, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 10 * time.Minute
	}
	return &Orchestrator{
		store:     st,
		research:  research,
		synthesis: synthesis,
		cfg:       cfg,
		logger:    logger.Named("orchestrator"),
		tracer:    otel.Tracer(tracerName),
		collector: collector,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Execute 执行一次端到端 workflow。
// 返回的 WorkflowResult 总是带有 workflow 快照；writing 阶段失败时
// Research 字段仍然填充（部分结果）。Execute 对同一 workflow 不可
// 重入：每次调用都创建新的 workflow 标识。
func (o *Orchestrator) Execute(ctx context.Context, query string, params map[string]any) (*types.WorkflowResult, error) {
	// 格式问题快速失败，不创建任何记录
	if strings.TrimSpace(query) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "query must not be empty")
	}

	ctx, span := o.tracer.Start(ctx, "workflow.execute",
		trace.WithAttributes(attribute.String("workflow.query", query)))
	defer span.End()

	wf := types.NewWorkflow(query, params)
	span.SetAttributes(attribute.String("workflow.id", wf.ID))

	if err := o.store.Create(ctx, store.CollectionWorkflows, wf.ID, wf); err != nil {
		return nil, types.NewError(types.ErrPersistence, "creating workflow record").WithCause(err)
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Deadline)
	defer cancel()
	o.register(wf.ID, cancel)
	defer o.unregister(wf.ID)

	if o.collector != nil {
		o.collector.WorkflowStarted()
		defer o.collector.WorkflowFinished()
	}

	start := time.Now()
	result, err := o.run(ctx, wf)

	status := string(wf.Status)
	span.SetAttributes(attribute.String("workflow.status", status))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	if o.collector != nil {
		o.collector.RecordWorkflow(status, time.Since(start))
	}
	return result, err
}

// run 推进状态机，wf 为本次调用独占的可变记录
func (o *Orchestrator) run(ctx context.Context, wf *types.Workflow) (*types.WorkflowResult, error) {
	result := &types.WorkflowResult{Workflow: wf}

	// created → researching
	if err := o.transition(ctx, wf, types.StatusResearching); err != nil {
		return result, err
	}

	researchOut, err := o.runStage(ctx, o.research, &stage.Input{Workflow: wf})
	if err != nil {
		return result, o.fail(ctx, wf, err)
	}
	result.Research = researchOut.Research

	// researching → writing，write-ahead 同时落盘 research 引用
	wf.ResearchID = researchOut.Research.ID
	if err := o.transition(ctx, wf, types.StatusWriting); err != nil {
		return result, o.fail(ctx, wf, err)
	}

	synthesisOut, err := o.runStage(ctx, o.synthesis, &stage.Input{Workflow: wf, ResearchID: wf.ResearchID})
	if err != nil {
		// 优雅降级：research 记录已持久化，作为部分结果返回
		return result, o.fail(ctx, wf, err)
	}
	result.Output = synthesisOut.Output

	// writing → completed
	wf.OutputID = synthesisOut.Output.ID
	if err := o.transition(ctx, wf, types.StatusCompleted); err != nil {
		return result, o.fail(ctx, wf, err)
	}

	o.logger.Info("workflow completed",
		zap.String("workflow_id", wf.ID),
		zap.String("research_id", wf.ResearchID),
		zap.String("output_id", wf.OutputID),
	)

	return result, nil
}

func (o *Orchestrator) runStage(ctx context.Context, s stage.Stage, in *stage.Input) (*stage.Output, error) {
	ctx, span := o.tracer.Start(ctx, "stage."+s.Name(),
		trace.WithAttributes(attribute.String("workflow.id", in.Workflow.ID)))
	defer span.End()

	start := time.Now()
	out, err := s.Execute(ctx, in)

	status := "success"
	if err != nil {
		status = "failure"
		span.SetStatus(codes.Error, err.Error())
	}
	if o.collector != nil {
		o.collector.RecordStageExecution(s.Name(), status, time.Since(start))
	}
	return out, err
}

// transition 校验并落盘一次状态转换（写前持久化）
func (o *Orchestrator) transition(ctx context.Context, wf *types.Workflow, next types.WorkflowStatus) error {
	if !wf.Status.CanTransitionTo(next) {
		return types.NewError(types.ErrInvalidTransition,
			"invalid workflow transition "+string(wf.Status)+" -> "+string(next))
	}

	prev := wf.Status
	wf.Status = next
	wf.UpdatedAt = time.Now().UTC()

	if err := o.store.Update(ctx, store.CollectionWorkflows, wf.ID, wf); err != nil {
		wf.Status = prev
		return types.NewError(types.ErrPersistence, "persisting workflow transition").WithCause(err)
	}

	if o.collector != nil {
		o.collector.RecordWorkflowTransition(string(prev), string(next))
	}
	o.logger.Debug("workflow transition",
		zap.String("workflow_id", wf.ID),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
	)
	return nil
}

// fail 记录错误条目并把 workflow 推进到终态 failed。
// 审计条目先于状态转换落盘，调用方连接断开也不会丢失失败原因。
func (o *Orchestrator) fail(ctx context.Context, wf *types.Workflow, cause error) error {
	kind := failureKind(cause)

	// 取消/超时后原 ctx 已失效，审计写入用独立的短超时
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	entry := types.NewErrorEntry(wf.ID, kind, cause.Error(), map[string]any{
		"stage": wf.CurrentAgent(),
	})
	if err := o.store.AppendToList(persistCtx, store.CollectionWorkflows, wf.ID, "errors", entry); err != nil {
		o.logger.Error("failed to persist error entry",
			zap.String("workflow_id", wf.ID),
			zap.Error(err),
		)
	}
	wf.Errors = append(wf.Errors, entry)

	if err := o.transition(persistCtx, wf, types.StatusFailed); err != nil {
		o.logger.Error("failed to persist failed transition",
			zap.String("workflow_id", wf.ID),
			zap.Error(err),
		)
	}

	o.logger.Warn("workflow failed",
		zap.String("workflow_id", wf.ID),
		zap.String("kind", string(kind)),
		zap.Error(cause),
	)
	return cause
}

// failureKind 把失败原因折叠为错误条目的 kind
func failureKind(err error) types.ErrorCode {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return types.ErrCancelled
	}
	if code := types.GetErrorCode(err); code != "" {
		if code == types.ErrCancelled {
			return types.ErrCancelled
		}
		return code
	}
	return types.ErrInternalError
}

// register 登记 workflow 的取消入口
func (o *Orchestrator) register(id string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancels[id] = cancel
}

func (o *Orchestrator) unregister(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cancels, id)
}

// Cancel 请求取消一个执行中的 workflow。
// 返回 false 表示 workflow 不存在或已进入终态。
func (o *Orchestrator) Cancel(id string) bool {
	o.mu.Lock()
	cancel, ok := o.cancels[id]
	o.mu.Unlock()

	if !ok {
		return false
	}
	cancel()
	return true
}
