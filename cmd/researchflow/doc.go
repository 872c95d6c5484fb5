// ResearchFlow 服务入口。
//
// 子命令:
//
//	serve     启动 HTTP 服务
//	version   显示版本信息
//	health    对运行中的服务做健康检查
//
// serve 从默认值 → YAML 文件 → RESEARCHFLOW_* 环境变量加载配置，
// 依次组装存储、后端客户端、策略执行器、两个阶段和编排器，
// 最后在一个 HTTP 端口上同时暴露 API、健康检查和 /metrics。
package main
