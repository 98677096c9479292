package telemetry

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Config is the observability setup of one tg invocation.
type Config struct {
	ServiceName    string
	ServiceVersion string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is a zerolog level name (trace, debug, info, warn, error, fatal).
	Level string

	// Format is console or json.
	Format string

	// Output is stderr, stdout or a file path. Files are rotated.
	Output string

	// Caller adds file:line to every event.
	Caller bool

	// Rotation limits for file output.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none.
	Exporter string

	// Endpoint is the OTLP gRPC collector, e.g. "localhost:4317".
	Endpoint string

	// Insecure disables TLS towards the collector.
	Insecure bool

	// SamplingRate is the fraction of runs traced, 0 to 1.
	SamplingRate float64
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	// Enabled false turns every recorder into a no-op.
	Enabled bool

	// ListenAddress serves Path while a run is in progress. Empty means
	// metrics are collected but not served.
	ListenAddress string

	Path      string
	Namespace string

	// DefaultHistogramBuckets are the latency buckets in seconds. Runs and
	// pct operations reach minutes, so the top buckets are wide.
	DefaultHistogramBuckets []float64
}

// DefaultConfig returns console logging at info, metrics on and tracing off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "tengil",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "tengil",
			DefaultHistogramBuckets: []float64{
				0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600,
			},
		},
	}
}

// DebugConfig is DefaultConfig with debug logging, caller info and
// stdout traces.
func DebugConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.Caller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service version is required")
	}

	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil || c.Logging.Level == "" {
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "none", "stdout":
		case "otlp":
			if c.Tracing.Endpoint == "" {
				return fmt.Errorf("otlp exporter requires an endpoint")
			}
		default:
			return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	return nil
}
