// Package config 提供 Aura 的配置加载。
//
// 配置来源依次为默认值、YAML 文件和以 AURA_ 为前缀的环境变量，
// 嵌套字段以下划线连接，例如 AURA_STREAM_POP_TIMEOUT。
package config
