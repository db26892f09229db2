/*
Package hitl 实现人机协同（Human-in-the-Loop）审批协调。

# 流程

 1. 分析任务调用 SaveApprovalRequest 保存 pending 请求
 2. WaitForApprovalSignal 订阅会话频道并阻塞等待，超时返回 nil 信号
 3. 外部审批方调用 Resolve，状态迁移到 approved/rejected 后发布信号

Resolve 是唯一的状态迁移入口，先写状态再发布；等待方订阅后会再读一次
持久化状态，因此决策不会因订阅时机而丢失。

# 存储

Redis 布局（TTL 分别为 30 分钟和 60 分钟）：

	hitl:request:{requestId}
	hitl:session:{sessionId}
	hitl:signal:{sessionId}
	hitl:approval:{sessionId}  (Pub/Sub 频道)

单实例部署可使用 MemoryStore 与 MemoryBus。
*/
package hitl
