package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/researchflow/types"
)

// FetcherConfig 文档抓取后端配置
type FetcherConfig struct {
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	MaxConcurrency int           `yaml:"max_concurrency" json:"max_concurrency"`
	UserAgent      string        `yaml:"user_agent" json:"user_agent"`
}

// DefaultFetcherConfig 返回默认配置
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		Timeout:        15 * time.Second,
		MaxBodyBytes:   2 << 20, // 2 MiB
		MaxConcurrency: 4,
		UserAgent:      "researchflow/1.0",
	}
}

// HTTPFetcher 通过 HTTP GET 抓取文档，实现 DocumentFetcher。
// 抓取失败映射为可重试的后端错误（网络抖动、5xx），
// 无效 URL 等请求问题不可重试。
type HTTPFetcher struct {
	cfg    FetcherConfig
	client *http.Client
	logger *zap.Logger
}

// NewHTTPFetcher 创建 HTTP 文档抓取器
func NewHTTPFetcher(cfg FetcherConfig, logger *zap.Logger) *HTTPFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 2 << 20
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "researchflow/1.0"
	}

	return &HTTPFetcher{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

func (f *HTTPFetcher) Name() string { return BackendFetcher }

// Fetch 实现 DocumentFetcher.Fetch
func (f *HTTPFetcher) Fetch(ctx context.Context, locator string) (*Document, error) {
	u, err := url.Parse(locator)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("invalid document locator: %q", locator))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, err.Error())
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html, text/plain, application/json")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewError(types.ErrCancelled, "fetch cancelled").WithCause(ctx.Err())
		}
		return nil, types.NewBackendError(f.Name(), err.Error()).
			WithHTTPStatus(http.StatusBadGateway).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, types.NewError(types.ErrBackend,
			fmt.Sprintf("fetch %s: status %d", locator, resp.StatusCode)).
			WithBackend(f.Name()).WithHTTPStatus(resp.StatusCode).WithRetryable(retryable)
	}

	// 限制读取长度，超大文档截断而不是失败
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return nil, types.NewBackendError(f.Name(), "reading document body: "+err.Error()).
			WithCause(err)
	}

	f.logger.Debug("document fetched",
		zap.String("locator", locator),
		zap.Int("bytes", len(data)),
		zap.Duration("latency", time.Since(start)),
	)

	return &Document{
		Origin:    u.Host,
		Locator:   locator,
		Content:   strings.ToValidUTF8(string(data), ""),
		FetchedAt: time.Now().UTC(),
	}, nil
}

// FetchAll 实现 DocumentFetcher.FetchAll，并发抓取并保持输入顺序
func (f *HTTPFetcher) FetchAll(ctx context.Context, locators []string) ([]*Document, error) {
	if len(locators) == 0 {
		return nil, nil
	}

	docs := make([]*Document, len(locators))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.MaxConcurrency)

	for i, locator := range locators {
		g.Go(func() error {
			doc, err := f.Fetch(ctx, locator)
			if err != nil {
				return err
			}
			docs[i] = doc
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}
