package kernels

import (
	"sort"
	"sync"

	"github.com/openfroyo/graphexec/pkg/framework"
)

// AttrChecker validates and completes an operator's attributes in place.
type AttrChecker interface {
	Check(opType string, attrs framework.AttributeMap) error
}

// AttrCheckerFunc adapts a function to AttrChecker.
type AttrCheckerFunc func(opType string, attrs framework.AttributeMap) error

func (f AttrCheckerFunc) Check(opType string, attrs framework.AttributeMap) error {
	return f(opType, attrs)
}

// DefaultsChecker fills in missing attributes.
type DefaultsChecker framework.AttributeMap

func (d DefaultsChecker) Check(_ string, attrs framework.AttributeMap) error {
	for k, v := range d {
		if !attrs.Has(k) {
			attrs[k] = v
		}
	}
	return nil
}

// OpInfo is the static metadata of an operator type.
type OpInfo struct {
	Type string

	// InferShape sets output dims and dtypes before the kernel runs.
	InferShape KernelFn

	// NoNeedBufferInputs are input params whose storage the operator never
	// reads; only metadata matters.
	NoNeedBufferInputs map[string]bool

	Checker AttrChecker

	// Signature maps the operator onto the structured registry. Nil means
	// only the legacy table applies.
	Signature *Signature

	// ExpectedKernelKey computes the desired kernel key. When nil the key
	// is derived from the first initialized input and the context place.
	ExpectedKernelKey func(ctx *ExecContext) framework.KernelKey

	// KernelKeyForVar returns the key an input tensor must match. When nil
	// every input must match the kernel key.
	KernelKeyForVar func(param string, t *framework.DenseTensor, expected framework.KernelKey) framework.KernelKey

	// CanCUDNN reports whether a cudnn kernel should be preferred.
	CanCUDNN func(ctx *ExecContext, dtype framework.DataType) bool

	// Run is set for operators that execute themselves without a kernel.
	Run KernelFn
}

// NoNeedBuffer reports whether param's storage is unused.
func (i *OpInfo) NoNeedBuffer(param string) bool {
	return i != nil && i.NoNeedBufferInputs[param]
}

// IsOperatorBase reports whether the operator runs without a kernel.
func (i *OpInfo) IsOperatorBase() bool {
	return i.Run != nil
}

// OpInfoMap indexes OpInfo by operator type.
type OpInfoMap struct {
	mu    sync.RWMutex
	infos map[string]*OpInfo
	extra map[string][]AttrChecker
}

func NewOpInfoMap() *OpInfoMap {
	return &OpInfoMap{
		infos: make(map[string]*OpInfo),
		extra: make(map[string][]AttrChecker),
	}
}

func (m *OpInfoMap) insert(info *OpInfo) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.infos[info.Type]; ok {
		return false
	}
	m.infos[info.Type] = info
	return true
}

func (m *OpInfoMap) Get(opType string) (*OpInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.infos[opType]
	return info, ok
}

func (m *OpInfoMap) Has(opType string) bool {
	_, ok := m.Get(opType)
	return ok
}

// AddExtraChecker appends a checker run after the operator's own.
func (m *OpInfoMap) AddExtraChecker(opType string, c AttrChecker) {
	m.mu.Lock()
	m.extra[opType] = append(m.extra[opType], c)
	m.mu.Unlock()
}

// ExtraCheckers returns the additional checkers for opType.
func (m *OpInfoMap) ExtraCheckers(opType string) []AttrChecker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]AttrChecker(nil), m.extra[opType]...)
}

// Types lists registered operator types in sorted order.
func (m *OpInfoMap) Types() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.infos))
	for t := range m.infos {
		out = append(out, t)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}
