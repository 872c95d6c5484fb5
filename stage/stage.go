// Package stage implements the two sequential processing units of a workflow:
// Research (coverage synthesis + citation fetch) and Synthesis (narrative
// report generation). Stages call backends only through the policy executor
// and persist their own output records; the orchestrator never touches a
// stage's internals.
package stage

import (
	"context"

	"github.com/BaSui01/researchflow/types"
)

// 阶段名，同时用作日志和指标标签
const (
	StageResearch  = "research"
	StageSynthesis = "synthesis"
)

// Input 阶段输入上下文。
// Research 只用 Workflow（原始查询）；Synthesis 用 ResearchID 从
// 存储读回已提交的研究记录，而不是接收内存引用。
type Input struct {
	Workflow   *types.Workflow
	ResearchID string
}

// Output 阶段输出，最多填充一种记录
type Output struct {
	Research *types.ResearchRecord
	Output   *types.OutputRecord
}

// Stage 阶段契约
type Stage interface {
	// Name 返回阶段名
	Name() string

	// Execute 执行阶段：调用后端、构造记录、持久化、返回。
	// 失败返回 StageError（Upstream / MissingDependency / Validation）
	// 或 PersistenceError。
	Execute(ctx context.Context, in *Input) (*Output, error)
}
