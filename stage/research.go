package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/researchflow/backend"
	"github.com/BaSui01/researchflow/policy"
	"github.com/BaSui01/researchflow/store"
	"github.com/BaSui01/researchflow/types"
)

// ResearchConfig 研究阶段配置
type ResearchConfig struct {
	// Sources 默认引用来源，workflow 参数里的 sources 优先
	Sources []string `yaml:"sources" json:"sources"`

	// AllowPartial 引用抓取失败时是否继续产出低置信度记录。
	// 默认关闭：任一后端耗尽重试即整个阶段失败。
	AllowPartial bool `yaml:"allow_partial" json:"allow_partial"`

	// Temperature LM 采样温度
	Temperature float32 `yaml:"temperature" json:"temperature"`
}

// ResearchStage 调用 LM 做保险覆盖范围分析，同时抓取引用来源，
// 合并为 ResearchRecord 并持久化。两个后端各走独立的熔断器。
type ResearchStage struct {
	lm      backend.LanguageModel
	fetcher backend.DocumentFetcher
	exec    *policy.Executor
	store   store.Store
	scorer  ConfidenceScorer
	cfg     ResearchConfig
	logger  *zap.Logger
}

// NewResearchStage 创建研究阶段
func NewResearchStage(
	lm backend.LanguageModel,
	fetcher backend.DocumentFetcher,
	exec *policy.Executor,
	st store.Store,
	scorer ConfidenceScorer,
	cfg ResearchConfig,
	logger *zap.Logger,
) *ResearchStage {
	if scorer == nil {
		scorer = DefaultConfidenceScorer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResearchStage{
		lm:      lm,
		fetcher: fetcher,
		exec:    exec,
		store:   st,
		scorer:  scorer,
		cfg:     cfg,
		logger:  logger.Named(StageResearch),
	}
}

func (s *ResearchStage) Name() string { return StageResearch }

// coveragePayload 是 LM 返回的 JSON 结构
type coveragePayload struct {
	InsuranceType    string            `json:"insurance_type"`
	PolicyTypes      []string          `json:"available_policy_types"`
	NetworkHospitals []string          `json:"network_hospitals"`
	ClaimProcess     []string          `json:"claim_process"`
	RejectionReasons []string          `json:"claim_rejection_reasons"`
	Exclusions       []string          `json:"exclusions"`
	ComparisonPoints []string          `json:"comparison_points"`
	Limits           map[string]string `json:"limits"`
	Confidence       float64           `json:"confidence"`
}

const researchSystemPrompt = "You are an insurance research expert."

func buildResearchPrompt(query string) string {
	return fmt.Sprintf(`Analyze the following query and extract:

- insurance_type
- available_policy_types
- network_hospitals
- claim_process
- claim_rejection_reasons
- exclusions
- comparison_points
- limits (named limit -> value)
- confidence (your confidence in this analysis, 0.0 to 1.0)

Return ONLY valid JSON.
No explanation, no markdown, no extra text.
Just a pure JSON object.

Query:
%s`, query)
}

// Execute implements Stage.Execute.
// LM 调用与引用抓取并发执行；LM 失败总是失败整个阶段，
// 抓取失败在 AllowPartial 开启时降级为无引用的低置信度记录。
func (s *ResearchStage) Execute(ctx context.Context, in *Input) (*Output, error) {
	if in == nil || in.Workflow == nil || strings.TrimSpace(in.Workflow.Query) == "" {
		return nil, types.NewStageError(types.ErrStageValidation, "research input requires a non-empty query")
	}
	wf := in.Workflow

	var (
		completion *backend.CompletionResponse
		citations  []types.SourceCitation
		fetchErr   error
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		resp, err := policy.ExecuteTyped(s.exec, gctx, s.lm.Name(), func(ctx context.Context) (*backend.CompletionResponse, error) {
			return s.lm.Complete(ctx, &backend.CompletionRequest{
				System:      researchSystemPrompt,
				Prompt:      buildResearchPrompt(wf.Query),
				Temperature: s.cfg.Temperature,
			})
		})
		if err != nil {
			return types.NewStageError(types.ErrStageUpstream, "coverage synthesis failed").WithCause(err)
		}
		completion = resp
		return nil
	})

	locators := s.resolveSources(wf)
	if len(locators) > 0 {
		g.Go(func() error {
			docs, err := policy.ExecuteTyped(s.exec, gctx, s.fetcher.Name(), func(ctx context.Context) ([]*backend.Document, error) {
				return s.fetcher.FetchAll(ctx, locators)
			})
			if err != nil {
				if s.cfg.AllowPartial {
					// 降级：无引用继续，置信度会相应降低
					fetchErr = err
					s.logger.Warn("citation fetch failed, continuing without citations",
						zap.String("workflow_id", wf.ID),
						zap.Error(err),
					)
					return nil
				}
				return types.NewStageError(types.ErrStageUpstream, "citation fetch failed").WithCause(err)
			}
			for _, doc := range docs {
				citations = append(citations, types.SourceCitation{
					Origin:      doc.Origin,
					Locator:     doc.Locator,
					Content:     doc.Content,
					ExtractedAt: doc.FetchedAt,
				})
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	coverage, modelConfidence := parseCoverage(completion.Content, s.logger, wf.ID)
	if fetchErr != nil {
		modelConfidence *= 0.8
	}

	record := types.NewResearchRecord(wf.ID, wf.Query)
	record.Coverage = coverage
	record.Citations = citations
	record.Confidence = s.scorer.Score(modelConfidence, len(citations))

	if err := s.store.Create(ctx, store.CollectionResearch, record.ID, record); err != nil {
		return nil, types.NewError(types.ErrPersistence, "persisting research record").WithCause(err)
	}

	s.logger.Info("research complete",
		zap.String("workflow_id", wf.ID),
		zap.String("research_id", record.ID),
		zap.Float64("confidence", record.Confidence),
		zap.Int("citations", len(citations)),
	)

	return &Output{Research: record}, nil
}

// resolveSources 解析引用来源：workflow 参数优先，退回配置默认值
func (s *ResearchStage) resolveSources(wf *types.Workflow) []string {
	raw, ok := wf.Parameters["sources"]
	if !ok {
		return s.cfg.Sources
	}

	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return s.cfg.Sources
	}
}

// parseCoverage 解析 LM 返回的覆盖范围 JSON。模型偶尔会包一层
// markdown 代码栅栏或附加说明文字，先裁剪出最外层对象再解析；
// 仍解析不了就退回空覆盖 + 低自报置信度，由置信度体现质量。
func parseCoverage(content string, logger *zap.Logger, workflowID string) (types.CoverageData, float64) {
	var payload coveragePayload
	if err := json.Unmarshal([]byte(extractJSONObject(content)), &payload); err != nil {
		logger.Warn("coverage payload is not valid JSON, using empty coverage",
			zap.String("workflow_id", workflowID),
			zap.Error(err),
		)
		return types.CoverageData{}, 0.25
	}

	coverage := types.CoverageData{
		Types:            payload.PolicyTypes,
		Limits:           payload.Limits,
		Exclusions:       payload.Exclusions,
		ClaimProcess:     payload.ClaimProcess,
		RejectionReasons: payload.RejectionReasons,
		ComparisonPoints: payload.ComparisonPoints,
	}
	if payload.InsuranceType != "" {
		coverage.Types = append([]string{payload.InsuranceType}, coverage.Types...)
	}
	if len(payload.NetworkHospitals) > 0 {
		if coverage.Limits == nil {
			coverage.Limits = make(map[string]string)
		}
		coverage.Limits["network_hospitals"] = strings.Join(payload.NetworkHospitals, ", ")
	}

	confidence := payload.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = 0.5
	}
	return coverage, confidence
}

// extractJSONObject 裁出内容里最外层的 {...}
func extractJSONObject(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end < start {
		return content
	}
	return content[start : end+1]
}
