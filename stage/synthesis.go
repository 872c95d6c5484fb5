package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/researchflow/backend"
	"github.com/BaSui01/researchflow/policy"
	"github.com/BaSui01/researchflow/store"
	"github.com/BaSui01/researchflow/types"
)

// SynthesisConfig 综合阶段配置
type SynthesisConfig struct {
	// Temperature LM 采样温度
	Temperature float32 `yaml:"temperature" json:"temperature"`

	// MaxRecommendations 报告建议条数上限
	MaxRecommendations int `yaml:"max_recommendations" json:"max_recommendations"`
}

// SynthesisStage 从存储读回已提交的研究记录，调用一次 LM 生成
// 叙述性报告，应用确定性格式化规则产出结构化结果并持久化。
// 读回而不是接收内存引用，保证跨进程/崩溃后也在已提交数据上工作。
type SynthesisStage struct {
	lm     backend.LanguageModel
	exec   *policy.Executor
	store  store.Store
	scorer QualityScorer
	cfg    SynthesisConfig
	logger *zap.Logger
}

// NewSynthesisStage 创建综合阶段
func NewSynthesisStage(
	lm backend.LanguageModel,
	exec *policy.Executor,
	st store.Store,
	scorer QualityScorer,
	cfg SynthesisConfig,
	logger *zap.Logger,
) *SynthesisStage {
	if scorer == nil {
		scorer = DefaultQualityScorer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRecommendations <= 0 {
		cfg.MaxRecommendations = 5
	}
	return &SynthesisStage{
		lm:     lm,
		exec:   exec,
		store:  st,
		scorer: scorer,
		cfg:    cfg,
		logger: logger.Named(StageSynthesis),
	}
}

func (s *SynthesisStage) Name() string { return StageSynthesis }

const synthesisSystemPrompt = "You are a professional insurance advisor."

func buildSynthesisPrompt(research *types.ResearchRecord) string {
	data, _ := json.MarshalIndent(research.Coverage, "", "  ")
	return fmt.Sprintf(`Using the research data below, create a clear and structured
insurance comparison report.

Include:

1. Policy types explanation
2. Hospital network info
3. Claim process
4. Claim rejection reasons
5. Exclusions explanation
6. Policy comparison

Write professionally in paragraphs.

Query: %s

Research Data:
%s`, research.Query, data)
}

// Execute implements Stage.Execute
func (s *SynthesisStage) Execute(ctx context.Context, in *Input) (*Output, error) {
	if in == nil || in.Workflow == nil || in.ResearchID == "" {
		return nil, types.NewStageError(types.ErrStageValidation, "synthesis input requires a research id")
	}
	wf := in.Workflow

	var research types.ResearchRecord
	if err := s.store.Get(ctx, store.CollectionResearch, in.ResearchID, &research); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, types.NewStageError(types.ErrStageMissingDependency,
				fmt.Sprintf("research record %s not found", in.ResearchID))
		}
		return nil, types.NewError(types.ErrPersistence, "loading research record").WithCause(err)
	}

	completion, err := policy.ExecuteTyped(s.exec, ctx, s.lm.Name(), func(ctx context.Context) (*backend.CompletionResponse, error) {
		return s.lm.Complete(ctx, &backend.CompletionRequest{
			System:      synthesisSystemPrompt,
			Prompt:      buildSynthesisPrompt(&research),
			Temperature: s.cfg.Temperature,
		})
	})
	if err != nil {
		return nil, types.NewStageError(types.ErrStageUpstream, "narrative synthesis failed").WithCause(err)
	}

	narrative := strings.TrimSpace(completion.Content)
	if narrative == "" {
		return nil, types.NewStageError(types.ErrStageValidation, "synthesized narrative is empty")
	}

	formatted := formatResult(narrative, &research, s.cfg.MaxRecommendations)

	record := types.NewOutputRecord(wf.ID, research.ID)
	record.Narrative = narrative
	record.Formatted = formatted
	record.Quality = s.scorer.Score(&research, narrative, formatted)

	if err := s.store.Create(ctx, store.CollectionOutputs, record.ID, record); err != nil {
		return nil, types.NewError(types.ErrPersistence, "persisting output record").WithCause(err)
	}

	s.logger.Info("synthesis complete",
		zap.String("workflow_id", wf.ID),
		zap.String("output_id", record.ID),
		zap.Float64("completeness", record.Quality.Completeness),
	)

	return &Output{Output: record}, nil
}

// formatResult applies the deterministic formatting rules: summary is the
// narrative's first paragraph, sections mirror the coverage fields, and
// recommendations derive from the comparison points.
func formatResult(narrative string, research *types.ResearchRecord, maxRecs int) types.FormattedResult {
	coverage := research.Coverage

	sections := make(map[string]string)
	if len(coverage.Types) > 0 {
		sections["policy_types"] = strings.Join(coverage.Types, ", ")
	}
	if hospitals, ok := coverage.Limits["network_hospitals"]; ok && hospitals != "" {
		sections["network_hospitals"] = hospitals
	}
	if len(coverage.ClaimProcess) > 0 {
		sections["claim_process"] = strings.Join(coverage.ClaimProcess, "; ")
	}
	if len(coverage.RejectionReasons) > 0 {
		sections["rejection_reasons"] = strings.Join(coverage.RejectionReasons, "; ")
	}
	if len(coverage.Exclusions) > 0 {
		sections["exclusions"] = strings.Join(coverage.Exclusions, "; ")
	}
	for name, value := range coverage.Limits {
		if name == "network_hospitals" {
			continue
		}
		sections["limit:"+name] = value
	}

	recommendations := make([]string, 0, len(coverage.ComparisonPoints))
	for _, point := range coverage.ComparisonPoints {
		if len(recommendations) >= maxRecs {
			break
		}
		recommendations = append(recommendations, "Compare policies on: "+point)
	}

	return types.FormattedResult{
		Summary:         firstParagraph(narrative),
		Sections:        sections,
		Recommendations: recommendations,
	}
}

func firstParagraph(narrative string) string {
	if idx := strings.Index(narrative, "\n\n"); idx > 0 {
		return strings.TrimSpace(narrative[:idx])
	}
	return narrative
}
