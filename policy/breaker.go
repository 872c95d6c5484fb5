package policy

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/researchflow/types"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// FailureThreshold 连续失败次数阈值（触发熔断）
	FailureThreshold int

	// Cooldown 熔断恢复等待时间（从 Open -> HalfOpen）
	Cooldown time.Duration

	// OnStateChange 状态变更回调
	OnStateChange func(backend string, from State, to State)
}

// DefaultBreakerConfig 返回默认配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
	}
}

// CircuitBreaker 是单个后端标识的熔断器状态机。
// 失败计数是该后端的全局事实，跨所有并发 workflow 共享。
//
// 半开状态严格只放行一个试探调用：试探在途期间，其余调用方一律收到
// CIRCUIT_OPEN，无论并发多少。试探成功回到 Closed 并清零计数，
// 失败回到 Open 并重置冷却计时。
type CircuitBreaker struct {
	backend string
	config  BreakerConfig
	logger  *zap.Logger

	mu            sync.Mutex
	state         State
	failureCount  int       // 连续失败次数
	openedAt      time.Time // 进入 Open 状态的时间
	trialInFlight bool      // 半开状态下是否已放行试探调用
	now           func() time.Time
}

// NewCircuitBreaker 创建指定后端标识的熔断器
func NewCircuitBreaker(backend string, config BreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}

	// 参数校验
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 60 * time.Second
	}

	return &CircuitBreaker{
		backend: backend,
		config:  config,
		logger:  logger,
		state:   StateClosed,
		now:     time.Now,
	}
}

// Allow 在每次尝试（包括同一逻辑调用内的重试）之前调用。
// 返回 nil 表示放行；熔断中返回 CIRCUIT_OPEN 错误。
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		// 冷却结束后进入半开，放行唯一的试探调用
		if b.now().Sub(b.openedAt) >= b.config.Cooldown {
			b.setState(StateHalfOpen)
			b.trialInFlight = true
			b.logger.Info("circuit breaker half-open, allowing trial call",
				zap.String("backend", b.backend))
			return nil
		}
		return types.NewError(types.ErrCircuitOpen, "circuit breaker is open").
			WithBackend(b.backend)

	case StateHalfOpen:
		// 试探在途，其余调用一律拒绝
		if b.trialInFlight {
			return types.NewError(types.ErrCircuitOpen, "circuit breaker is half-open, trial call in flight").
				WithBackend(b.backend)
		}
		b.trialInFlight = true
		return nil

	default:
		return types.NewError(types.ErrInternalError, "unknown circuit breaker state").
			WithBackend(b.backend)
	}
}

// RecordSuccess 记录一次成功调用
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		// 试探成功，恢复正常
		b.logger.Info("circuit breaker recovered",
			zap.String("backend", b.backend))
		b.setState(StateClosed)
		b.failureCount = 0
		b.trialInFlight = false
	}
}

// RecordFailure 记录一次失败调用
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.logger.Warn("circuit breaker tripped",
				zap.String("backend", b.backend),
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.FailureThreshold),
			)
			b.setState(StateOpen)
			b.openedAt = b.now()
		}

	case StateHalfOpen:
		// 试探失败，重新打开并重置冷却计时
		b.logger.Warn("circuit breaker trial call failed, reopening",
			zap.String("backend", b.backend))
		b.setState(StateOpen)
		b.openedAt = b.now()
		b.trialInFlight = false
	}
}

// State 返回当前状态
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset 重置熔断器（手动恢复）
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.trialInFlight = false

	b.logger.Info("circuit breaker reset",
		zap.String("backend", b.backend),
		zap.String("from_state", oldState.String()),
	)

	if b.config.OnStateChange != nil && oldState != StateClosed {
		go b.config.OnStateChange(b.backend, oldState, StateClosed)
	}
}

// setState 设置状态并触发回调，调用方必须持有锁
func (b *CircuitBreaker) setState(newState State) {
	oldState := b.state
	b.state = newState

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.backend, oldState, newState)
	}
}
