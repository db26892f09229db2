/*
包 server 提供 HTTP 服务器生命周期管理：非阻塞启动、异步错误传播
与优雅关闭。

Manager 为所有请求提供可取消的基础 context，Shutdown 开始时取消，
运行事件流与资源事件流等长连接据此结束，避免拖满关闭超时。
cmd/aura 用两个 Manager 分别承载 API 与 /metrics。
*/
package server
