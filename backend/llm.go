package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/researchflow/types"
)

// LLMConfig OpenAI 兼容 LLM 后端配置
type LLMConfig struct {
	BaseURL     string        `yaml:"base_url" json:"base_url"`
	APIKey      string        `yaml:"api_key" json:"api_key"`
	Model       string        `yaml:"model" json:"model"`
	MaxTokens   int           `yaml:"max_tokens" json:"max_tokens"`
	Temperature float32       `yaml:"temperature" json:"temperature"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultLLMConfig 返回默认 LLM 配置（本地 Ollama 端点）
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		BaseURL:   "http://localhost:11434/v1",
		Model:     "llama3",
		MaxTokens: 4096,
		Timeout:   120 * time.Second,
	}
}

// ChatClient 通过 OpenAI 兼容的 chat completions API 实现 LanguageModel。
// 覆盖 OpenAI、Ollama（/v1）、vLLM 等所有兼容端点：
// 1. 认证使用 Bearer Token（Ollama 等本地端点可留空）
// 2. system 提示词作为 messages[0] 传递
// 3. 上游错误按状态码映射可重试性（429/5xx 可重试，其余 4xx 不可重试）
type ChatClient struct {
	cfg    LLMConfig
	client *http.Client
	logger *zap.Logger
}

// NewChatClient 创建 chat completions 客户端
func NewChatClient(cfg LLMConfig, logger *zap.Logger) *ChatClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second // 研究类补全可能较慢
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "llama3"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	return &ChatClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

func (c *ChatClient) Name() string { return BackendLLM }

// OpenAI chat completions 线格式
type chatMessage struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

type chatErrorResp struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code,omitempty"`
	} `json:"error"`
}

func (c *ChatClient) buildHeaders(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

// Complete 实现 LanguageModel.Complete
func (c *ChatClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "completion prompt must not be empty")
	}

	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body := chatRequest{
		Model:       c.chooseModel(req),
		Messages:    messages,
		MaxTokens:   c.chooseMaxTokens(req),
		Temperature: c.chooseTemperature(req),
	}

	payload, _ := json.Marshal(body)
	endpoint := fmt.Sprintf("%s/chat/completions", strings.TrimRight(c.cfg.BaseURL, "/"))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, err.Error())
	}
	c.buildHeaders(httpReq)

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewError(types.ErrCancelled, "completion cancelled").WithCause(ctx.Err())
		}
		return nil, types.NewBackendError(c.Name(), err.Error()).
			WithHTTPStatus(http.StatusBadGateway).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, mapChatError(resp.StatusCode, readChatErrMsg(resp.Body), c.Name())
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, types.NewBackendError(c.Name(), "malformed upstream response: "+err.Error()).
			WithHTTPStatus(http.StatusBadGateway).WithCause(err)
	}

	if len(chatResp.Choices) == 0 {
		return nil, types.NewBackendError(c.Name(), "upstream returned no choices").
			WithHTTPStatus(http.StatusBadGateway)
	}

	choice := chatResp.Choices[0]
	out := &CompletionResponse{
		Content:      choice.Message.Content,
		Model:        chatResp.Model,
		FinishReason: choice.FinishReason,
	}
	if chatResp.Usage != nil {
		out.Usage = CompletionUsage{
			PromptTokens:     chatResp.Usage.PromptTokens,
			CompletionTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:      chatResp.Usage.TotalTokens,
		}
	}

	c.logger.Debug("completion finished",
		zap.String("model", out.Model),
		zap.Int("total_tokens", out.Usage.TotalTokens),
		zap.Duration("latency", time.Since(start)),
	)

	return out, nil
}

func (c *ChatClient) chooseModel(req *CompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return c.cfg.Model
}

func (c *ChatClient) chooseMaxTokens(req *CompletionRequest) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return c.cfg.MaxTokens
}

func (c *ChatClient) chooseTemperature(req *CompletionRequest) float32 {
	if req.Temperature > 0 {
		return req.Temperature
	}
	return c.cfg.Temperature
}

func readChatErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 1<<16))
	var errResp chatErrorResp
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return strings.TrimSpace(string(data))
}

// mapChatError 按状态码映射可重试性：
// 429 和 5xx 是瞬时失败可重试，其余 4xx 是请求问题不可重试。
// 401/403 标记为凭证问题，重试不会恢复，日志里要能一眼认出来
func mapChatError(status int, msg, backend string) *types.Error {
	switch {
	case status == http.StatusTooManyRequests:
		return types.NewBackendError(backend, msg).WithHTTPStatus(status)
	case status >= 500:
		return types.NewBackendError(backend, msg).WithHTTPStatus(status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.NewError(types.ErrBackend, "credentials rejected: "+msg).
			WithBackend(backend).WithHTTPStatus(status).WithRetryable(false)
	default:
		return types.NewError(types.ErrBackend, msg).
			WithBackend(backend).WithHTTPStatus(status).WithRetryable(false)
	}
}
