// Package handlers implements the HTTP API surface.
//
// 路由约定：
//
//	POST /api/v1/workflows          同步执行一个 workflow
//	GET  /api/v1/workflows          按状态列出 workflow
//	GET  /api/v1/workflows/{id}/status
//	GET  /api/v1/workflows/{id}/result
//	POST /api/v1/workflows/{id}/cancel
//	GET  /health /healthz /ready /version
//
// 所有响应都使用统一的 Response 信封。workflow 失败不是请求格式
// 错误：执行失败的 POST /workflows 返回 200，body 里 status=failed。
package handlers
