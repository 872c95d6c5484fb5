package stage

import (
	"strings"

	"github.com/BaSui01/researchflow/types"
)

// ConfidenceScorer 计算研究记录的置信度
type ConfidenceScorer interface {
	// Score combines the model-reported confidence with the citation count
	// into a final confidence in [0,1].
	Score(modelConfidence float64, citationCount int) float64
}

// QualityScorer 计算综合报告的质量指标
type QualityScorer interface {
	Score(research *types.ResearchRecord, narrative string, formatted types.FormattedResult) types.QualityMetrics
}

// defaultConfidenceScorer 加权平均：模型自报置信度 0.7，
// 引用数量（3 条封顶）0.3
type defaultConfidenceScorer struct{}

// DefaultConfidenceScorer returns the built-in confidence scorer.
func DefaultConfidenceScorer() ConfidenceScorer { return defaultConfidenceScorer{} }

func (defaultConfidenceScorer) Score(modelConfidence float64, citationCount int) float64 {
	citationScore := float64(citationCount) / 3.0
	if citationScore > 1 {
		citationScore = 1
	}
	return clamp01(0.7*modelConfidence + 0.3*citationScore)
}

// defaultQualityScorer 确定性启发式：
// completeness = 非空报告区块占比
// accuracy     = 有引用支撑时取研究置信度，否则打七折
// readability  = 句长启发式（15~25 词为佳）
type defaultQualityScorer struct{}

// DefaultQualityScorer returns the built-in quality scorer.
func DefaultQualityScorer() QualityScorer { return defaultQualityScorer{} }

func (defaultQualityScorer) Score(research *types.ResearchRecord, narrative string, formatted types.FormattedResult) types.QualityMetrics {
	return types.QualityMetrics{
		Completeness: scoreCompleteness(formatted),
		Accuracy:     scoreAccuracy(research),
		Readability:  scoreReadability(narrative),
	}
}

func scoreCompleteness(formatted types.FormattedResult) float64 {
	total := 2 + len(formatted.Sections) // summary + recommendations + sections
	filled := 0
	if strings.TrimSpace(formatted.Summary) != "" {
		filled++
	}
	if len(formatted.Recommendations) > 0 {
		filled++
	}
	for _, v := range formatted.Sections {
		if strings.TrimSpace(v) != "" {
			filled++
		}
	}
	if total == 0 {
		return 0
	}
	return clamp01(float64(filled) / float64(total))
}

func scoreAccuracy(research *types.ResearchRecord) float64 {
	if research == nil {
		return 0
	}
	if len(research.Citations) == 0 {
		return clamp01(research.Confidence * 0.7)
	}
	return clamp01(research.Confidence)
}

func scoreReadability(narrative string) float64 {
	narrative = strings.TrimSpace(narrative)
	if narrative == "" {
		return 0
	}

	sentences := 0
	words := len(strings.Fields(narrative))
	for _, r := range narrative {
		if r == '.' || r == '!' || r == '?' {
			sentences++
		}
	}
	if sentences == 0 {
		sentences = 1
	}

	avg := float64(words) / float64(sentences)
	switch {
	case avg >= 15 && avg <= 25:
		return 1.0
	case avg < 15:
		return clamp01(0.5 + avg/30)
	default:
		// 句子越长可读性越差，40 词以上视为 0.4
		return clamp01(1.0 - (avg-25)/25*0.6)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
