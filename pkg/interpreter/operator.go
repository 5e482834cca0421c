package interpreter

import (
	"fmt"
	"strings"

	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/kernels"
)

// Attribute names read by the builder.
const (
	AttrOpDevice                          = "op_device"
	AttrRingID                            = "ring_id"
	AttrUseCalcStream                     = "use_calc_stream"
	AttrAllKernelsMustComputeRuntimeShape = "all_kernels_must_compute_runtime_shape"
	AttrSkipEagerDeletionVars             = "skip_eager_deletion_vars"
)

// Operator is the per-build instance of an OpDesc. It owns copies of the
// argument maps and the attributes completed by the checkers, so the
// description stays untouched.
type Operator struct {
	Type     string
	Inputs   map[string][]string
	Outputs  map[string][]string
	Attrs    framework.AttributeMap
	DistAttr *framework.DistAttr
	Info     *kernels.OpInfo
}

// NewOperator copies desc and binds it to info.
func NewOperator(desc *framework.OpDesc, info *kernels.OpInfo) *Operator {
	op := &Operator{
		Type:    desc.Type,
		Inputs:  copyArgs(desc.Inputs),
		Outputs: copyArgs(desc.Outputs),
		Attrs:   desc.Attrs.Clone(),
		Info:    info,
	}
	if op.Attrs == nil {
		op.Attrs = make(framework.AttributeMap)
	}
	if desc.DistAttr != nil {
		d := *desc.DistAttr
		op.DistAttr = &d
	}
	return op
}

func copyArgs(m map[string][]string) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Input returns the first argument of param, or "".
func (o *Operator) Input(param string) string {
	if names := o.Inputs[param]; len(names) > 0 {
		return names[0]
	}
	return ""
}

// Output returns the first argument of param, or "".
func (o *Operator) Output(param string) string {
	if names := o.Outputs[param]; len(names) > 0 {
		return names[0]
	}
	return ""
}

func (o *Operator) InputArgumentNames() []string {
	return flatten(o.Inputs)
}

func (o *Operator) OutputArgumentNames() []string {
	return flatten(o.Outputs)
}

func flatten(m map[string][]string) []string {
	var out []string
	for _, param := range framework.SortedParams(m) {
		out = append(out, m[param]...)
	}
	return out
}

// IsOperatorBase reports whether the operator runs itself without a
// kernel.
func (o *Operator) IsOperatorBase() bool {
	return o.Info != nil && o.Info.IsOperatorBase()
}

// OpDevice is the device_guard placement, or "".
func (o *Operator) OpDevice() string {
	return o.Attrs.StringOr(AttrOpDevice, "")
}

func (o *Operator) String() string {
	var b strings.Builder
	b.WriteString("{")
	writeArgs(&b, o.Inputs)
	b.WriteString("} = ")
	b.WriteString(o.Type)
	b.WriteString("(")
	writeArgs(&b, o.Outputs)
	b.WriteString(")")
	return b.String()
}

func writeArgs(b *strings.Builder, m map[string][]string) {
	for i, param := range framework.SortedParams(m) {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(b, "%s=%v", param, m[param])
	}
}

// CreateAllOps instantiates every operator of block. Each operator's
// attributes are completed by its own checker and then by the extra
// checkers registered for its type. Unknown types and rejected attributes
// are configuration errors.
func CreateAllOps(block *framework.BlockDesc, ops *kernels.OpInfoMap) ([]*Operator, error) {
	out := make([]*Operator, 0, len(block.Ops))
	for i, desc := range block.Ops {
		info, ok := ops.Get(desc.Type)
		if !ok {
			return nil, framework.NewConfigurationError(fmt.Sprintf("op %d: operator type is not registered", i), nil).
				WithOp(desc.Type).
				WithCode(framework.ErrCodeUnknownOp)
		}
		op := NewOperator(desc, info)
		checkers := ops.ExtraCheckers(desc.Type)
		if info.Checker != nil {
			checkers = append([]kernels.AttrChecker{info.Checker}, checkers...)
		}
		for _, c := range checkers {
			if err := c.Check(op.Type, op.Attrs); err != nil {
				return nil, framework.NewConfigurationError("attribute check failed", err).
					WithOp(op.Type).
					WithAttrs(op.Attrs).
					WithCode(framework.ErrCodeAttrRejected)
			}
		}
		out = append(out, op)
	}
	return out, nil
}

// singleStreamGuard forces c_allreduce_sum onto the calculation stream
// while it is built. restore undoes the change.
type singleStreamGuard struct {
	op      *Operator
	changed bool
}

func newSingleStreamGuard(op *Operator) *singleStreamGuard {
	g := &singleStreamGuard{op: op}
	if op.Type == "c_allreduce_sum" && !op.Attrs.BoolOr(AttrUseCalcStream, false) {
		op.Attrs[AttrUseCalcStream] = true
		g.changed = true
	}
	return g
}

func (g *singleStreamGuard) restore() {
	if g.changed {
		g.op.Attrs[AttrUseCalcStream] = false
	}
}
