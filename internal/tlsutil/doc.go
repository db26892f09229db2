// Package tlsutil 提供出站连接的 TLS 加固配置（TLS 1.2+，仅 AEAD 密码套件），
// 用于终态回调的 HTTP 客户端与审批协调的 Redis 连接。
package tlsutil
