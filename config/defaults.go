// =============================================================================
// 📦 Aura 默认配置
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Auth:      AuthConfig{},
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Stream:    DefaultStreamConfig(),
		Approval:  DefaultApprovalConfig(),
		Callback:  DefaultCallbackConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 45 * time.Second,
		RateLimitRPS:    50,
		RateLimitBurst:  100,
		MaxBodyBytes:    1 << 20,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:                "",
		DB:                  0,
		PoolSize:            10,
		MinIdleConns:        2,
		MaxRetries:          3,
		HealthCheckInterval: 30 * time.Second,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "",
		Host:            "localhost",
		Port:            5432,
		User:            "aura",
		Name:            "aura",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultStreamConfig 返回默认事件流配置
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		QueueCapacity:     256,
		PopTimeout:        300 * time.Second,
		MaxStreamDuration: time.Hour,
		GracePeriod:       30 * time.Second,
		RingCapacity:      200,
		KeepaliveInterval: 15 * time.Second,
		MaxConcurrentRuns: 0,
	}
}

// DefaultApprovalConfig 返回默认审批配置
func DefaultApprovalConfig() ApprovalConfig {
	return ApprovalConfig{
		RequestTTL:  30 * time.Minute,
		SessionTTL:  60 * time.Minute,
		WaitTimeout: 4 * time.Minute,
		Backend:     "memory",
	}
}

// DefaultCallbackConfig 返回默认回调配置
func DefaultCallbackConfig() CallbackConfig {
	return CallbackConfig{
		MaxAttempts:    3,
		BaseBackoff:    time.Second,
		RequestTimeout: 10 * time.Second,
		Budget:         2 * time.Minute,
		SuccessCodes:   []int{200, 201, 202},
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "aura",
		SampleRate:   0.1,
	}
}
