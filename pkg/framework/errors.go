package framework

import (
	"errors"
	"fmt"
)

// ErrorClass is the category of a build failure.
type ErrorClass string

const (
	// ErrorClassConfiguration covers malformed input: undeclared variables,
	// rejected attributes, incompatible redeclarations, bad settings.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassKernelResolution means every resolver tier failed.
	ErrorClassKernelResolution ErrorClass = "kernel_resolution"

	// ErrorClassUnsupportedDevice means the place or op_device value
	// cannot be honored.
	ErrorClassUnsupportedDevice ErrorClass = "unsupported_device"

	// ErrorClassRuntime wraps failures raised by a kernel or operator.
	ErrorClassRuntime ErrorClass = "runtime"
)

// ErrEOF signals end of a data stream. The builder returns it unchanged.
var ErrEOF = errors.New("end of data stream")

// BuildError is a classified build failure with operator context.
type BuildError struct {
	Class ErrorClass `json:"class"`

	Message string `json:"message"`

	// Code is an optional machine-readable code.
	Code string `json:"code,omitempty"`

	// OpType is the operator being built, if any.
	OpType string `json:"op_type,omitempty"`

	// Key is the kernel key in effect, if any.
	Key *KernelKey `json:"key,omitempty"`

	// Attrs is a snapshot of the operator attributes.
	Attrs AttributeMap `json:"attrs,omitempty"`

	Err error `json:"-"`

	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.OpType != "" && e.Key != nil:
		msg += fmt.Sprintf(" (op=%s, key=%s)", e.OpType, e.Key)
	case e.OpType != "":
		msg += fmt.Sprintf(" (op=%s)", e.OpType)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// Is matches on class and code.
func (e *BuildError) Is(target error) bool {
	t, ok := target.(*BuildError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func NewConfigurationError(message string, err error) *BuildError {
	return &BuildError{Class: ErrorClassConfiguration, Message: message, Err: err}
}

func NewKernelResolutionError(message string, err error) *BuildError {
	return &BuildError{Class: ErrorClassKernelResolution, Message: message, Err: err}
}

func NewUnsupportedDeviceError(message string, err error) *BuildError {
	return &BuildError{Class: ErrorClassUnsupportedDevice, Message: message, Err: err}
}

func NewRuntimeFailure(message string, err error) *BuildError {
	return &BuildError{Class: ErrorClassRuntime, Message: message, Err: err}
}

// WithOp records the operator type.
func (e *BuildError) WithOp(opType string) *BuildError {
	e.OpType = opType
	return e
}

// WithKey records the kernel key.
func (e *BuildError) WithKey(key KernelKey) *BuildError {
	e.Key = &key
	return e
}

// WithAttrs records a copy of the operator attributes.
func (e *BuildError) WithAttrs(attrs AttributeMap) *BuildError {
	e.Attrs = attrs.Clone()
	return e
}

func (e *BuildError) WithCode(code string) *BuildError {
	e.Code = code
	return e
}

func (e *BuildError) WithDetail(key string, value interface{}) *BuildError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *BuildError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

func IsConfiguration(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConfiguration
}

func IsKernelResolution(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassKernelResolution
}

func IsUnsupportedDevice(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassUnsupportedDevice
}

func IsRuntime(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassRuntime
}

// IsRetryable always reports false: nothing in a build is retried
// internally. Callers decide whether to rebuild with other settings.
func IsRetryable(err error) bool {
	return false
}

// Error codes.
const (
	ErrCodeInvalidArgument  = "INVALID_ARGUMENT"
	ErrCodeUnknownOp        = "UNKNOWN_OP"
	ErrCodeUndeclaredVar    = "UNDECLARED_VAR"
	ErrCodeRedeclaredVar    = "REDECLARED_VAR"
	ErrCodeAttrRejected     = "ATTR_REJECTED"
	ErrCodeNotStaticBuild   = "NOT_STATIC_BUILD"
	ErrCodeBuildInProgress  = "BUILD_IN_PROGRESS"
	ErrCodeNoKernel         = "NO_KERNEL"
	ErrCodeUnsupportedPlace = "UNSUPPORTED_PLACE"
	ErrCodeKernelFailed     = "KERNEL_FAILED"
	ErrCodeKernelPanic      = "KERNEL_PANIC"
	ErrCodeNaNInf           = "NAN_INF"
	ErrCodeUnavailable      = "UNAVAILABLE"
)
