package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for instruction builds and the work
// queue. A Metrics built with metrics disabled, and a nil *Metrics, record
// nothing.
type Metrics struct {
	config MetricsConfig

	// Build metrics
	builds        *prometheus.CounterVec
	buildDuration *prometheus.HistogramVec
	instructions  *prometheus.CounterVec
	fallbacks     *prometheus.CounterVec
	transfers     *prometheus.CounterVec
	reclaimed     prometheus.Counter
	warnings      *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	// Queue metrics
	queueTasks   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	// Device metrics
	deviceMemory *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.LatencyBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		builds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_total",
				Help:      "Total number of instruction list builds",
			},
			[]string{"mode", "status"},
		),
		buildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "build_duration_seconds",
				Help:      "Duration of instruction list builds in seconds",
				Buckets:   buckets,
			},
			[]string{"mode"},
		),
		instructions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instructions_built_total",
				Help:      "Total number of instructions built",
			},
			[]string{"func_type", "kernel_kind"},
		),
		fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kernel_fallbacks_total",
				Help:      "Total number of kernel resolutions that left the structured path",
			},
			[]string{"op_type", "path"},
		),
		transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "data_transfers_total",
				Help:      "Total number of injected data transfer instructions",
			},
			[]string{"transfer_op"},
		),
		reclaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vars_reclaimed_total",
				Help:      "Total number of variables whose storage was reclaimed during builds",
			},
		),
		warnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "build_warnings_total",
				Help:      "Total number of distinct build warnings emitted",
			},
			[]string{"kind"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of build errors by error class",
			},
			[]string{"class", "code"},
		),
		queueTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_tasks_total",
				Help:      "Total number of work queue tasks run",
			},
			[]string{"lane", "status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_task_duration_seconds",
				Help:      "Duration of work queue tasks in seconds",
				Buckets:   buckets,
			},
			[]string{"lane"},
		),
		deviceMemory: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "device_memory_bytes",
				Help:      "Device memory accounting by place",
			},
			[]string{"place", "stat"},
		),
	}

	registry.MustRegister(
		m.builds,
		m.buildDuration,
		m.instructions,
		m.fallbacks,
		m.transfers,
		m.reclaimed,
		m.warnings,
		m.errorsByClass,
		m.queueTasks,
		m.taskDuration,
		m.deviceMemory,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Build Metrics

// RecordBuild records a finished build by mode (run, plan) and status.
func (m *Metrics) RecordBuild(mode, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.builds.WithLabelValues(mode, status).Inc()
	m.buildDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordInstruction counts one appended instruction.
func (m *Metrics) RecordInstruction(funcType, kernelKind string) {
	if !m.enabled() {
		return
	}
	m.instructions.WithLabelValues(funcType, kernelKind).Inc()
}

// RecordKernelFallback counts a resolution served by the host fallback or
// the legacy table.
func (m *Metrics) RecordKernelFallback(opType, path string) {
	if !m.enabled() {
		return
	}
	m.fallbacks.WithLabelValues(opType, path).Inc()
}

// RecordTransfer counts one injected transfer instruction.
func (m *Metrics) RecordTransfer(transferOp string) {
	if !m.enabled() {
		return
	}
	m.transfers.WithLabelValues(transferOp).Inc()
}

// RecordReclaimed adds n reclaimed variables.
func (m *Metrics) RecordReclaimed(n int) {
	if !m.enabled() || n <= 0 {
		return
	}
	m.reclaimed.Add(float64(n))
}

// RecordWarning counts one distinct warning.
func (m *Metrics) RecordWarning(kind string) {
	if !m.enabled() {
		return
	}
	m.warnings.WithLabelValues(kind).Inc()
}

// Error Metrics

// RecordError records a build error by class and code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass, errorCode).Inc()
}

// Queue Metrics

// RecordTask records one work queue task.
func (m *Metrics) RecordTask(lane string, duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.queueTasks.WithLabelValues(lane, status).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
}

// Device Metrics

// SetDeviceMemory sets the allocated and peak bytes of a place.
func (m *Metrics) SetDeviceMemory(place string, allocated, peak int64) {
	if !m.enabled() {
		return
	}
	m.deviceMemory.WithLabelValues(place, "allocated").Set(float64(allocated))
	m.deviceMemory.WithLabelValues(place, "max_allocated").Set(float64(peak))
}

// Registry exposes the private registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
