/*
Package pipeline 驱动分析运行的状态机。

Manager.Trigger 注册运行、创建事件队列并在后台启动 Analyzer。运行开始时
自动发出 started；Analyzer 通过 Emitter 按阶段顺序发出事件：

	started → step* → evidence* → confidence? → proposal* → completed|failed

无论 Analyzer 返回错误、panic 还是在关闭时被取消，每个运行都恰好以一个
终止事件结束。终止后按配置的宽限期移除队列，并至多一次回调外部系统。

需要人工审批时，Analyzer 调用 RunContext.AwaitApproval：请求与挂起记录
（Suspension）被持久化，proposal 事件携带恢复令牌。进程重启后可通过
Manager.Resume 以新的运行 ID 在同一步骤重入。
*/
package pipeline
