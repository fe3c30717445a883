// =============================================================================
// 📦 guardflow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Guardrails: DefaultGuardrailsConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
		Metrics:    DefaultMetricsConfig(),
		Audit:      DefaultAuditConfig(),
	}
}

// DefaultGuardrailsConfig 返回默认护栏执行配置
func DefaultGuardrailsConfig() GuardrailsConfig {
	return GuardrailsConfig{
		Mode:           "parallel",
		MaxConcurrency: 0,
		StageTimeout:   0,
		MaxTurns:       10,
		ToolRateLimit:  0,
		ToolRateBurst:  1,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:        false,
		OTLPEndpoint:   "localhost:4317",
		ServiceName:    "guardflow",
		SampleRate:     0.1,
		MetricInterval: 30 * time.Second,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "guardflow",
	}
}

// DefaultAuditConfig 返回默认审计配置
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		Backend:    "memory",
		MaxEntries: 1000,
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			DB:        0,
			KeyPrefix: "guardflow:audit",
		},
		Database: DatabaseConfig{
			Driver:  "sqlite",
			Name:    "guardflow_audit.db",
			SSLMode: "disable",
		},
	}
}
