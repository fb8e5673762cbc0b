package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config configures logging, tracing, metrics and events of an animus
// process.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`

	// Environment is the target environment of the run. It becomes a trace
	// resource attribute.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig

	// ResourceAttributes are extra trace resource attributes.
	ResourceAttributes map[string]string
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`

	// Output is stdout, stderr or a file path.
	Output string `validate:"required"`

	// Caller adds file:line to every entry.
	Caller bool

	// Sampling keeps the first SamplingBurst entries of every second and then
	// one in SamplingEvery.
	Sampling      bool
	SamplingBurst int `validate:"gte=0"`
	SamplingEvery int `validate:"gte=0"`

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string `validate:"omitempty,oneof=rfc3339 unix unixms unixmicro"`

	NoColor bool
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none. Only checked when Enabled.
	Exporter string

	// Endpoint is the OTLP gRPC collector address, e.g. "localhost:4317".
	Endpoint string

	SamplingRate       float64 `validate:"gte=0,lte=1"`
	MaxExportBatchSize int     `validate:"gte=0"`
	ExportTimeout      time.Duration
	Headers            map[string]string

	// Insecure disables TLS towards the collector.
	Insecure bool
}

// MetricsConfig configures the Prometheus collectors and their endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string `validate:"required_if=Enabled true"`
	Path          string
	Namespace     string

	// DefaultHistogramBuckets are the duration buckets in seconds.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the event publisher.
type EventsConfig struct {
	Enabled bool

	// BufferSize bounds the queue of undelivered events.
	BufferSize int

	// FlushInterval and MaxBatchSize drive delivery when EnableAsync is set.
	FlushInterval time.Duration
	MaxBatchSize  int
	EnableAsync   bool
}

// DefaultConfig is the configuration of a CLI run: console logs on stderr,
// synchronous events, no tracing and no metrics endpoint.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "animus",
		ServiceVersion: "dev",
		Environment:    "default",
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
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "animus",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
			},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: time.Second,
			MaxBatchSize:  100,
		},
		ResourceAttributes: map[string]string{},
	}
}

// ScheduleConfig is the configuration of a long running `animus schedule`:
// sampled JSON logs, OTLP tracing at 10%, metrics served and async events.
// Tracing.Endpoint must still be set.
func ScheduleConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Format = "json"
	cfg.Logging.Sampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	cfg.Metrics.Enabled = true
	cfg.Events.EnableAsync = true
	return cfg
}

// DebugConfig logs at debug level with callers and prints every span.
func DebugConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.Caller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

var configValidate = validator.New()

// Validate reports every invalid field of c.
func (c *Config) Validate() error {
	var errs []error

	var verrs validator.ValidationErrors
	if err := configValidate.Struct(c); err != nil {
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, fieldError(fe))
		}
	}

	if c.Logging.Sampling && (c.Logging.SamplingBurst < 1 || c.Logging.SamplingEvery < 1) {
		errs = append(errs, errors.New("log sampling burst and every must be at least 1"))
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize))
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp":
			if c.Tracing.Endpoint == "" {
				errs = append(errs, errors.New("trace endpoint is required for the otlp exporter"))
			}
		case "stdout", "none":
		default:
			errs = append(errs, fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter))
		}
	}

	return errors.Join(errs...)
}

func fieldError(fe validator.FieldError) error {
	switch fe.StructNamespace() {
	case "Config.ServiceName":
		return errors.New("service name is required")
	case "Config.ServiceVersion":
		return errors.New("service version is required")
	case "Config.Logging.Level":
		return fmt.Errorf("invalid log level: %v", fe.Value())
	case "Config.Logging.Format":
		return fmt.Errorf("invalid log format: %v (must be 'console' or 'json')", fe.Value())
	case "Config.Tracing.SamplingRate":
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %v", fe.Value())
	case "Config.Metrics.ListenAddress":
		return errors.New("metrics listen address is required when metrics are enabled")
	default:
		return fmt.Errorf("%s: failed %s", fe.Namespace(), fe.Tag())
	}
}
