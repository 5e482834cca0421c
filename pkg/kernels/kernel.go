// Package kernels holds the kernel factory: a structured kernel registry
// keyed by kernel name, a legacy per-operator kernel table, operator
// metadata, and the resolver chain that picks one kernel for an operator.
package kernels

import "github.com/openfroyo/graphexec/pkg/framework"

// KernelFn computes an operator's outputs from its execution context.
type KernelFn func(ctx *ExecContext) error

// RegisteredType distinguishes the two calling conventions of structured
// kernels.
type RegisteredType int

const (
	// Function kernels take their arguments through a signature mapping.
	Function RegisteredType = iota
	// Structure kernels take the whole execution context.
	Structure
)

func (t RegisteredType) String() string {
	if t == Structure {
		return "structure"
	}
	return "function"
}

// ArgDef declares a kernel output: its data type and the backend it is
// produced on. Backend PlaceUndefined or PlaceCustom means the device
// context's place.
type ArgDef struct {
	DType   framework.DataType
	Backend framework.PlaceKind
}

// StructuredKernel is an entry of the structured registry.
type StructuredKernel struct {
	Name       string
	Key        framework.KernelKey
	Type       RegisteredType
	Fn         KernelFn
	OutputDefs []ArgDef
}

// IsValid reports whether the kernel can be called.
func (k *StructuredKernel) IsValid() bool {
	return k != nil && k.Fn != nil
}

// LegacyKernel is an entry of the per-operator legacy table.
type LegacyKernel struct {
	OpType string
	Key    framework.KernelKey
	Fn     KernelFn
}

// Signature maps an operator onto a structured kernel name with ordered
// argument names.
type Signature struct {
	Name    string
	Inputs  []string
	Attrs   []string
	Outputs []string
}
