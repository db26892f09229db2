/*
包 metrics 提供基于 Prometheus 的指标采集，覆盖 HTTP、分析运行、
事件流、人工审批、终态回调与数据库连接池。

# 概述

Collector 使用 promauto 注册全部指标，按 namespace 隔离。
各业务组件不直接依赖本包，而是通过 Hooks、WithDropHandler、
WithOutcomeHook 与 WithAttemptHook 等回调在 cmd/aura 中接线。

# 主要指标

  - HTTP：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 运行：runs_started_total、runs_finished_total、run_duration_seconds、runs_active。
  - 事件流：queue_dropped_events_total、stream_frames_total、
    stream_timeouts_total、stream_connections。
  - 审批与回调：approval_waits_total、callback_attempts_total。
  - 数据库：db_connections_open、db_connections_idle。
*/
package metrics
