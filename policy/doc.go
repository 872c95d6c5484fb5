// Package policy wraps backend calls with bounded retries, exponential
// backoff with jitter, and a per-backend-identity circuit breaker.
//
// 重试和熔断是两个独立的机制：重试器处理单次逻辑调用内的瞬时失败，
// 熔断器跟踪后端的全局健康状态（跨所有 workflow 共享）。
// Executor 将两者组合：每次尝试（包括重试）之前都检查熔断器状态。
package policy
