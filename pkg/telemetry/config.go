package telemetry

import (
	"fmt"
	"io"
	"time"
)

// Config configures logging, tracing and metrics of a graphexec process.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Environment tags traces (development, production, ...).
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error, fatal.
	Level string

	// Format is console or json.
	Format string

	// Output is stdout, stderr or a file path.
	Output string

	EnableCaller bool

	// With sampling, SamplingBurst messages per second pass and then one
	// in SamplingEvery.
	EnableSampling bool
	SamplingBurst  int
	SamplingEvery  int

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string
}

// TracingConfig configures the OpenTelemetry tracer.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none. With none spans are sampled but
	// never exported.
	Exporter string

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string

	// Insecure dials the collector without TLS.
	Insecure bool

	// Headers are sent with every OTLP export.
	Headers map[string]string

	// Writer receives the stdout exporter's spans; os.Stdout when nil.
	Writer io.Writer

	SamplingRate       float64
	MaxExportBatchSize int
	ExportTimeout      time.Duration
}

// MetricsConfig configures the Prometheus registry and its endpoint.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress and Path locate the endpoint StartMetricsServer serves.
	ListenAddress string
	Path          string

	// Namespace prefixes every metric name.
	Namespace string

	// LatencyBuckets are the histogram buckets, in seconds, of build and
	// task durations.
	LatencyBuckets []float64
}

// DefaultConfig logs info to stderr, traces nothing and collects metrics
// without serving them until StartMetricsServer.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "graphexec",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "console",
			Output:        "stderr",
			SamplingBurst: 100,
			SamplingEvery: 100,
			TimeFormat:    "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			Endpoint:           "localhost:4317",
			Insecure:           true,
			Headers:            make(map[string]string),
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "graphexec",
			LatencyBuckets: []float64{
				0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0,
			},
		},
	}
}

// ProductionConfig logs sampled JSON and exports a tenth of all builds
// over OTLP with TLS.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	return cfg
}

// DevelopmentConfig logs at debug with callers and prints every span.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

var (
	logLevels      = []string{"trace", "debug", "info", "warn", "error", "fatal"}
	logFormats     = []string{"console", "json"}
	traceExporters = []string{"otlp", "stdout", "none"}
)

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch {
	case c.ServiceName == "":
		return fmt.Errorf("service name is required")
	case c.ServiceVersion == "":
		return fmt.Errorf("service version is required")
	case !oneOf(c.Logging.Level, logLevels):
		return fmt.Errorf("invalid log level: %s (want one of %v)", c.Logging.Level, logLevels)
	case !oneOf(c.Logging.Format, logFormats):
		return fmt.Errorf("invalid log format: %s (want one of %v)", c.Logging.Format, logFormats)
	case c.Tracing.Enabled && !oneOf(c.Tracing.Exporter, traceExporters):
		return fmt.Errorf("invalid trace exporter: %s (want one of %v)", c.Tracing.Exporter, traceExporters)
	case c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "":
		return fmt.Errorf("otlp trace exporter needs an endpoint")
	case c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1:
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	case c.Metrics.Enabled && c.Metrics.ListenAddress == "":
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}
	return nil
}
