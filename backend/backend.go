// Package backend defines the outbound ports of the engine and their HTTP
// adapters: a language model reached over an OpenAI-compatible chat API and a
// plain document fetcher. Stages depend only on the interfaces; adapters are
// swapped freely in tests.
package backend

import (
	"context"
	"time"
)

// 后端标识，用于熔断器按后端划分状态
const (
	BackendLLM     = "llm"
	BackendFetcher = "fetcher"
)

// CompletionRequest 一次 LLM 补全请求
type CompletionRequest struct {
	System      string  `json:"system,omitempty"`      // 系统提示词
	Prompt      string  `json:"prompt"`                // 用户提示词
	Model       string  `json:"model,omitempty"`       // 覆盖默认模型
	MaxTokens   int     `json:"max_tokens,omitempty"`  // 输出 token 上限
	Temperature float32 `json:"temperature,omitempty"` // 采样温度
}

// CompletionUsage token 用量统计
type CompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse LLM 补全响应
type CompletionResponse struct {
	Content      string          `json:"content"`
	Model        string          `json:"model"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Usage        CompletionUsage `json:"usage"`
}

// Document 抓取到的单个文档
type Document struct {
	Origin    string    `json:"origin"`  // 来源名称（host）
	Locator   string    `json:"locator"` // URL
	Content   string    `json:"content"`
	FetchedAt time.Time `json:"fetched_at"`
}

// LanguageModel 语言模型端口。
// 实现必须把上游失败映射为 types.Error 并正确标记可重试性，
// 重试和熔断由调用方的 policy.Executor 负责。
type LanguageModel interface {
	// Name 返回后端标识
	Name() string

	// Complete 执行一次补全调用
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}

// DocumentFetcher 文档抓取端口
type DocumentFetcher interface {
	// Name 返回后端标识
	Name() string

	// Fetch 抓取单个文档
	Fetch(ctx context.Context, locator string) (*Document, error)

	// FetchAll 并发抓取多个文档，任何一个失败则整体失败
	FetchAll(ctx context.Context, locators []string) ([]*Document, error)
}
