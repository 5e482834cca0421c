package interpreter

import (
	"fmt"

	"github.com/openfroyo/graphexec/pkg/device"
	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/kernels"
)

// Kernel kinds of an instruction.
const (
	KindStructured   = "structured"
	KindLegacy       = "legacy"
	KindOperatorBase = "operator_base"
)

// InplacePair records that an op wrote Transformed in place of Original;
// after the op runs Original shares Transformed's storage.
type InplacePair struct {
	Transformed int `json:"transformed" yaml:"transformed"`
	Original    int `json:"original" yaml:"original"`

	transformed *framework.Variable
	original    *framework.Variable
}

// Apply makes the original variable's tensor alias the transformed one.
func (p InplacePair) Apply() {
	dst := framework.TensorFromVar(p.original)
	src := framework.TensorFromVar(p.transformed)
	if dst != nil && src != nil {
		dst.ShareDataWith(src)
	}
}

// Instruction is one executable step: an operator bound to a kernel, a
// device context and a scheduling class. Instructions are not modified
// after they are appended to a build result.
type Instruction struct {
	// Index is the position in the instruction list.
	Index int

	// OpIndex is the block position of the op the instruction was built
	// for, -1 for injected transfers.
	OpIndex int

	Op *Operator

	// At most one of Structured and Legacy is set. Neither is set for
	// operators that run themselves.
	Structured *kernels.StructuredKernel
	Legacy     *kernels.LegacyKernel

	Device *device.Context
	Type   framework.OpFuncType
	Key    framework.KernelKey
	Path   kernels.Path

	ExecutionStream    string
	StreamPriority     int
	SchedulingPriority int

	Inputs  VariableIDMap
	Outputs VariableIDMap

	InplaceBack []InplacePair

	// CommRing is the ring bound to the device context, -1 when none.
	CommRing int

	ctx *kernels.ExecContext
}

func newInstruction(op *Operator, opIndex int) *Instruction {
	return &Instruction{
		Op:       op,
		OpIndex:  opIndex,
		CommRing: -1,
		Inputs:   make(VariableIDMap),
		Outputs:  make(VariableIDMap),
	}
}

// KernelKind is structured, legacy or operator_base.
func (i *Instruction) KernelKind() string {
	switch {
	case i.Structured != nil:
		return KindStructured
	case i.Legacy != nil:
		return KindLegacy
	}
	return KindOperatorBase
}

// KernelName is the structured kernel name or the op type.
func (i *Instruction) KernelName() string {
	if i.Structured != nil {
		return i.Structured.Name
	}
	return i.Op.Type
}

// ExecContext is the runtime context the instruction runs with.
func (i *Instruction) ExecContext() *kernels.ExecContext { return i.ctx }

func (i *Instruction) kernelFn() kernels.KernelFn {
	switch {
	case i.Structured != nil:
		return i.Structured.Fn
	case i.Legacy != nil:
		return i.Legacy.Fn
	case i.Op.Info != nil:
		return i.Op.Info.Run
	}
	return nil
}

// Run executes the instruction once against its bound variables and then
// transfers in-place outputs back.
func (i *Instruction) Run() error {
	fn := i.kernelFn()
	if fn == nil || i.ctx == nil {
		return fmt.Errorf("instruction %d (%s) has nothing to run", i.Index, i.Op.Type)
	}
	if err := fn(i.ctx); err != nil {
		return err
	}
	for _, p := range i.InplaceBack {
		p.Apply()
	}
	return nil
}

func (i *Instruction) String() string {
	return fmt.Sprintf("#%d %s %s %s %s", i.Index, i.Op.Type, i.KernelKind(), i.Type, i.Key)
}
