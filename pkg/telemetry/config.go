package telemetry

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`

	// Format is json or console.
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`

	// Output is stdout, stderr, or a file path.
	Output string `yaml:"output"`

	// EnableCaller adds file:line to every event.
	EnableCaller bool `yaml:"enable_caller"`
}

// DefaultLoggingConfig returns the default logging configuration.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stderr",
	}
}

// MetricsConfig configures the Prometheus metrics collector.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "machinist",
	}
}

// TracingConfig configures the OpenTelemetry tracer.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter is stdout or otlp.
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=stdout otlp"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `yaml:"endpoint"`

	// SampleRatio is the fraction of traces to sample.
	SampleRatio float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`

	ServiceName string `yaml:"service_name"`
}

// DefaultTracingConfig returns the default tracing configuration.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:     false,
		Exporter:    "stdout",
		SampleRatio: 1.0,
		ServiceName: "machinist",
	}
}
