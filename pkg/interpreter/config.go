package interpreter

import (
	"github.com/go-playground/validator/v10"
)

const (
	// DefaultHostNumThreads is the worker count of the host lane.
	DefaultHostNumThreads = 4
	// DefaultDeviceNumThreads is the worker count of the device launch lane.
	DefaultDeviceNumThreads = 1
)

// ExecutionConfig controls a single build.
type ExecutionConfig struct {
	// SkipGCVars are never reclaimed, even after their last use.
	SkipGCVars []string `json:"skip_gc_vars,omitempty" yaml:"skip_gc_vars,omitempty" validate:"dive,required"`

	// CreateLocalScope places non-persistent variables in a child scope
	// of the variable scope's root scope.
	CreateLocalScope bool `json:"create_local_scope" yaml:"create_local_scope"`

	// StaticBuild is planning mode: kernels are selected but not run and
	// outputs get fake storage.
	StaticBuild bool `json:"static_build" yaml:"static_build"`

	// UsedForControlFlowOp makes variable lookups search ancestor scopes.
	UsedForControlFlowOp bool `json:"used_for_control_flow_op" yaml:"used_for_control_flow_op"`

	// UsedForJIT disables the eager deletion protection of variables
	// shared between control flow ops and their grad ops.
	UsedForJIT bool `json:"used_for_jit" yaml:"used_for_jit"`

	// ForceRootScopeVars are created in the root scope like persistables.
	ForceRootScopeVars []string `json:"force_root_scope_vars,omitempty" yaml:"force_root_scope_vars,omitempty" validate:"dive,required"`

	HostNumThreads   int `json:"host_num_threads" yaml:"host_num_threads" validate:"gte=0,lte=256"`
	DeviceNumThreads int `json:"device_num_threads" yaml:"device_num_threads" validate:"gte=0,lte=256"`

	// LogMemoryStats logs device memory after every op on GPU places.
	LogMemoryStats bool `json:"log_memory_stats" yaml:"log_memory_stats"`

	// CheckNaNInf fails the build when a kernel writes NaN or Inf.
	CheckNaNInf bool `json:"check_nan_inf" yaml:"check_nan_inf"`
}

// DefaultExecutionConfig returns the settings of a plain build.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		HostNumThreads:   DefaultHostNumThreads,
		DeviceNumThreads: DefaultDeviceNumThreads,
	}
}

var validate = validator.New()

// Validate checks field constraints.
func (c ExecutionConfig) Validate() error {
	return validate.Struct(c)
}

// Threads returns the lane worker counts with zero values replaced by the
// defaults.
func (c ExecutionConfig) Threads() (host, device int) {
	host, device = c.HostNumThreads, c.DeviceNumThreads
	if host <= 0 {
		host = DefaultHostNumThreads
	}
	if device <= 0 {
		device = DefaultDeviceNumThreads
	}
	return host, device
}

func stringSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
