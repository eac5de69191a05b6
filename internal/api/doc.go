// Package api 暴露 AgentPay 的 REST 接口：x402 结算、托管会话、任务工件、
// 待签名交易，以及 MCP 工具端点、指标与健康检查。
package api
