// Package config provides unified configuration loading for the engine:
// defaults, then a YAML file, then environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("batchflow.yaml").
//	    WithEnvPrefix("BATCHFLOW").
//	    Load()
package config

import "time"

// Config is the complete engine configuration.
type Config struct {
	// Engine holds scheduler and dispatcher knobs.
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`
	// Log holds logging configuration.
	Log LogConfig `yaml:"log" env:"LOG"`
	// Metrics holds prometheus metrics configuration.
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
	// Telemetry holds OpenTelemetry configuration.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// EngineConfig configures the executor and batch dispatcher.
type EngineConfig struct {
	// MaxOutstandingCalls bounds concurrently outstanding adapter calls.
	// Zero means unbounded.
	MaxOutstandingCalls int `yaml:"max_outstanding_calls" env:"MAX_OUTSTANDING_CALLS"`
	// CallRateLimit limits adapter calls per second across all source
	// keys. Zero means unlimited.
	CallRateLimit float64 `yaml:"call_rate_limit" env:"CALL_RATE_LIMIT"`
	// RunTimeout caps a single run. Zero means no timeout.
	RunTimeout time.Duration `yaml:"run_timeout" env:"RUN_TIMEOUT"`
	// DisableRewrite skips the batching rewrite, executing graphs as
	// written. Intended for debugging and equivalence testing.
	DisableRewrite bool `yaml:"disable_rewrite" env:"DISABLE_REWRITE"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig configures prometheus metrics.
type MetricsConfig struct {
	// Enabled toggles metric collection.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// TelemetryConfig configures the OpenTelemetry SDK.
type TelemetryConfig struct {
	// Enabled toggles telemetry; when false no exporters are created.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// ServiceName identifies this service in traces.
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// OTLPEndpoint is the OTLP gRPC collector endpoint.
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// SampleRate is the trace sampling ratio in [0, 1].
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxOutstandingCalls: 64,
			CallRateLimit:       0,
			RunTimeout:          0,
			DisableRewrite:      false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "batchflow",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "batchflow",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}
