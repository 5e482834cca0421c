package interpreter

import (
	"sync"

	"github.com/openfroyo/graphexec/pkg/telemetry"
)

// Warning kinds.
const (
	WarnDeviceDowngrade = "device_downgrade"
	WarnMissingComm     = "missing_comm_context"
	WarnKernelFallback  = "kernel_fallback"
)

// Warning is one distinct build warning.
type Warning struct {
	Kind    string `json:"kind" yaml:"kind"`
	Key     string `json:"key" yaml:"key"`
	Message string `json:"message" yaml:"message"`
}

// WarnOnce logs each (kind, key) warning the first time it is raised.
// One registry is usually shared by every build of a process.
type WarnOnce struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	logger *telemetry.Logger
	m      *telemetry.Metrics
}

// NewWarnOnce returns a registry logging to logger and counting into m.
// Both may be nil.
func NewWarnOnce(logger *telemetry.Logger, m *telemetry.Metrics) *WarnOnce {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &WarnOnce{seen: make(map[string]struct{}), logger: logger, m: m}
}

// Warn raises w and reports whether it was the first with its kind and key.
func (r *WarnOnce) Warn(w Warning) bool {
	id := w.Kind + "\x00" + w.Key
	r.mu.Lock()
	_, dup := r.seen[id]
	if !dup {
		r.seen[id] = struct{}{}
	}
	r.mu.Unlock()
	if dup {
		return false
	}
	r.logger.WithField("kind", w.Kind).Warn(w.Message)
	r.m.RecordWarning(w.Kind)
	return true
}

// Seen reports whether kind and key have been raised.
func (r *WarnOnce) Seen(kind, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[kind+"\x00"+key]
	return ok
}

// warningSet collects the warnings of one build, first occurrence only.
type warningSet struct {
	registry *WarnOnce
	seen     map[string]struct{}
	list     []Warning
}

func newWarningSet(registry *WarnOnce) *warningSet {
	return &warningSet{registry: registry, seen: make(map[string]struct{})}
}

func (s *warningSet) warn(w Warning) {
	s.registry.Warn(w)
	id := w.Kind + "\x00" + w.Key
	if _, ok := s.seen[id]; ok {
		return
	}
	s.seen[id] = struct{}{}
	s.list = append(s.list, w)
}
