package policy

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Executor 组合重试器和按后端标识划分的熔断器。
// 所有对外部后端（LLM、文档抓取等）的调用都应经过 Executor，
// 以获得统一的重试 + 熔断语义。
type Executor struct {
	retryer       Retryer
	breakerConfig BreakerConfig
	logger        *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker // key: 后端标识
}

// NewExecutor 创建策略执行器
func NewExecutor(retryPolicy *RetryPolicy, breakerConfig BreakerConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Executor{
		retryer:       NewBackoffRetryer(retryPolicy, logger.Named("retryer")),
		breakerConfig: breakerConfig,
		logger:        logger,
		breakers:      make(map[string]*CircuitBreaker),
	}
}

// Breaker 返回指定后端的熔断器，不存在时创建。
// 同一后端标识的所有调用共享同一个熔断器实例。
func (e *Executor) Breaker(backend string) *CircuitBreaker {
	e.mu.RLock()
	b, ok := e.breakers[backend]
	e.mu.RUnlock()
	if ok {
		return b
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// 双重检查，避免并发创建
	if b, ok := e.breakers[backend]; ok {
		return b
	}

	b = NewCircuitBreaker(backend, e.breakerConfig, e.logger.Named("breaker"))
	e.breakers[backend] = b
	return b
}

// Do 在重试和熔断保护下执行后端调用。
// 每次尝试（包括重试）之前都会检查熔断器状态；熔断打开时
// 立即返回 CIRCUIT_OPEN 错误而不调用 fn，且不计入重试。
func (e *Executor) Do(ctx context.Context, backend string, fn func(ctx context.Context) error) error {
	_, err := e.DoWithResult(ctx, backend, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// DoWithResult 同 Do，但返回调用结果
func (e *Executor) DoWithResult(ctx context.Context, backend string, fn func(ctx context.Context) (any, error)) (any, error) {
	breaker := e.Breaker(backend)

	return e.retryer.DoWithResult(ctx, func() (any, error) {
		// 熔断检查在每次尝试之前，拒绝不触发 fn。
		// CIRCUIT_OPEN 不可重试，重试器会立即向上传播。
		if err := breaker.Allow(); err != nil {
			return nil, err
		}

		result, err := fn(ctx)
		if err != nil {
			breaker.RecordFailure()
			return nil, err
		}

		breaker.RecordSuccess()
		return result, nil
	})
}

// ExecuteTyped is a type-safe wrapper around Executor.DoWithResult.
func ExecuteTyped[T any](e *Executor, ctx context.Context, backend string, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := e.DoWithResult(ctx, backend, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}
