/*
Package stream 提供分析运行事件的传输层。

# 概述

QueueRegistry 为每个运行维护一个有界 FIFO 队列：生产者（分析任务）推送事件，
唯一的消费者（SSE/WebSocket 连接）按序弹出。队列满时普通事件被丢弃并记录，
终止事件通过驱逐最旧事件保证入队。

ResourceLog 为每个资源维护一个固定容量的环形缓冲区，供断线重连时按
Last-Event-ID 重放，并支持实时订阅。

Relay 将单个运行的队列转发给帧写入器，直到终止事件出现或等待超时；
超时时合成 failed 帧并以 [DONE] 结束流。
*/
package stream
