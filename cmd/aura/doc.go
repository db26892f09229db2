/*
Package main 提供 aura 服务端程序入口。

# 概述

cmd/aura 是分析运行服务的可执行入口，提供 HTTP API、数据库迁移、
健康检查和版本查询等子命令。启动时按依赖顺序装配审批协调器、
挂起记录存储、终态回调、事件队列与资源日志，再把它们交给运行管理器。

# 核心类型

  - Server：持有全部组件，管理 API 与 Metrics 双端口及优雅关闭
  - Middleware：HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、migrate（up/down/steps/status/version/info/force）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、Metrics、
    RequestLogger、CORS、BodyLimit、JWTAuth 或 APIKeyAuth、RateLimiter（租户优先）
  - 审批后端：memory 或 redis（approval.backend）
  - 挂起记录：配置 database.driver 时落库，可选启动时迁移
  - 优雅关闭：就绪探针摘流 → 关闭 HTTP → 等待运行结束 → 关闭 Metrics → 释放连接 → 刷新遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
