/*
包 cache 封装 go-redis 客户端，为审批协调器提供跨进程共享的
持久键与发布/订阅信号通道。

# 核心类型

  - Manager：持有 Redis 客户端与连接池配置，提供 Get/Set/Delete/
    Exists/Expire、GetJSON/SetJSON，以及基于 WATCH 的 UpdateJSON。
  - Config：地址、密码、键前缀、连接池大小、默认 TTL 与健康检查间隔。

# 发布 / 订阅

Subscribe 在返回前等待服务器确认订阅，调用方在确认之后读取持久记录，
即可覆盖“信号先于订阅到达”的竞态窗口。Publish 返回实际收到消息的
订阅者数量，为 0 表示信号已丢失。
*/
package cache
