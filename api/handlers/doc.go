/*
Package handlers 提供 aura 分析运行服务的 HTTP 处理器。

# 概述

处理器只做协议转换：解析请求、调用 pipeline、hitl 与 stream 包，
再以统一的 JSON 结构或 text/event-stream 写回。所有 Handler 遵循
标准 net/http 接口，路由由 cmd/aura 按 Go 1.22 ServeMux 模式注册。

# 核心类型

  - RunHandler：触发、恢复、快照，以及运行级 SSE / WebSocket 流
  - ResourceHandler：资源级可重放 SSE 流（Last-Event-ID + 实时跟随）
  - ApprovalHandler：审批查询、决策与会话信号补查
  - HealthHandler：/health、/healthz、/ready、/version
  - Response：统一 JSON 响应结构（success + data + error + timestamp）

# 错误映射

types.Error 的错误码映射为 HTTP 状态码：INVALID_REQUEST 为 400，
NOT_FOUND 为 404，CONFLICT 与 APPROVAL_REJECTED 为 409，
APPROVAL_TIMEOUT 为 410，STREAM_TIMEOUT 为 504，其余为 5xx。
4xx 以 Warn 记录，5xx 以 Error 记录。
*/
package handlers
