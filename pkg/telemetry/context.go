package telemetry

import (
	"context"
	"errors"
)

// Telemetry bundles the logger, tracer and metrics of a process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// NewTelemetry validates cfg and creates all three components.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, errors.Join(err, tracer.Shutdown(context.Background()))
	}
	return &Telemetry{Logger: logger, Tracer: tracer, Metrics: metrics, Config: cfg}, nil
}

// Nop returns telemetry that logs, traces and records nothing.
func Nop() *Telemetry {
	return &Telemetry{
		Logger:  NewNopLogger(),
		Tracer:  NewNopTracer(),
		Metrics: &Metrics{},
		Config:  DefaultConfig(),
	}
}

// WithContext stores the logger in ctx; see FromContext.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(ctx)
}

// Shutdown flushes the tracer. The metrics server keeps serving until the
// process exits.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}

func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}
