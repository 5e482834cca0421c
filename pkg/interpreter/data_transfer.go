package interpreter

import (
	"fmt"

	"github.com/openfroyo/graphexec/pkg/device"
	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/kernels"
	"github.com/openfroyo/graphexec/pkg/telemetry"
)

// transferStep is one synthesized transfer op.
type transferStep struct {
	opType string
	attrs  framework.AttributeMap
	// target is where the transferred tensor lives.
	target framework.Place
}

// planTransfers lists the transfers that bring t to want, layout first,
// then dtype, then place.
func planTransfers(t *framework.DenseTensor, want framework.KernelKey) []transferStep {
	var steps []transferStep
	here := t.Place()
	if t.Layout() != want.Layout && t.Layout() != framework.LayoutAny && want.Layout != framework.LayoutAny {
		steps = append(steps, transferStep{
			opType: OpTransferLayout,
			attrs: framework.AttributeMap{
				"src_layout": t.Layout().String(),
				"dst_layout": want.Layout.String(),
			},
			target: here,
		})
	}
	if want.DType != framework.Undefined && t.DType() != want.DType {
		steps = append(steps, transferStep{
			opType: OpTransferDType,
			attrs: framework.AttributeMap{
				"in_dtype":  t.DType().String(),
				"out_dtype": want.DType.String(),
			},
			target: here,
		})
	}
	if want.Place.IsUndefined() || here == want.Place {
		return steps
	}
	if !here.IsCPU() {
		steps = append(steps, transferStep{opType: OpMemcpyD2H, attrs: framework.AttributeMap{}, target: framework.CPUPlace()})
	}
	if !want.Place.IsCPU() {
		steps = append(steps, transferStep{
			opType: OpMemcpyH2D,
			attrs:  framework.AttributeMap{"dst_place_type": want.Place.Kind.String()},
			target: want.Place,
		})
	}
	return steps
}

// DataTransferer injects transfer instructions in front of a consumer
// whose kernel expects its inputs on another place, dtype or layout.
type DataTransferer struct {
	Registry *kernels.Registry
	Pool     *device.Pool
	VarScope *VariableScope
	// Scope is where temporaries are created.
	Scope *framework.Scope
	// Static fake-initializes transfer outputs instead of running them.
	Static bool

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
}

// ApplyDataTransform rewrites the inputs of instr, built for op at block
// position opIndex with runtime context ctx, so that every tensor matches
// the kernel key. It returns the transfer instructions to append before
// instr, already executed. Inputs the op does not read the storage of,
// and uninitialized or absent inputs, are left alone.
func (d *DataTransferer) ApplyDataTransform(op *Operator, opIndex int, instr *Instruction, ctx *kernels.ExecContext) ([]*Instruction, error) {
	var out []*Instruction
	n := 0
	for _, param := range framework.SortedParams(ctx.Inputs) {
		if op.Info.NoNeedBuffer(param) {
			continue
		}
		for j, v := range ctx.Inputs[param] {
			t := framework.PeekTensor(v)
			if t == nil || !t.Initialized() {
				continue
			}
			want := ctx.Key
			if op.Info.KernelKeyForVar != nil {
				want = op.Info.KernelKeyForVar(param, t, ctx.Key)
			}
			steps := planTransfers(t, want)
			if len(steps) == 0 {
				continue
			}

			cur := v
			for _, step := range steps {
				tmpName := fmt.Sprintf("%s.transfer_%d_%d", v.Name(), opIndex, n)
				n++
				tmp, ti, err := d.transfer(step, cur, tmpName)
				if err != nil {
					return nil, framework.NewRuntimeFailure("data transfer failed", err).
						WithOp(op.Type).
						WithDetail("variable", v.Name()).
						WithDetail("transfer_op", step.opType)
				}
				out = append(out, ti)
				cur = tmp
			}

			tmpID, _ := d.VarScope.VarID(cur.Name())
			origID, _ := d.VarScope.VarID(v.Name())
			ctx.Inputs[param][j] = cur
			if ids := instr.Inputs[param]; j < len(ids) {
				ids[j] = tmpID
			}
			if d.repointOutputs(instr, ctx, v, cur, tmpID) {
				instr.InplaceBack = append(instr.InplaceBack, InplacePair{
					Transformed: tmpID,
					Original:    origID,
					transformed: cur,
					original:    v,
				})
			}
		}
	}
	return out, nil
}

// repointOutputs replaces every output bound to orig with tmp.
func (d *DataTransferer) repointOutputs(instr *Instruction, ctx *kernels.ExecContext, orig, tmp *framework.Variable, tmpID int) bool {
	found := false
	for param, vars := range ctx.Outputs {
		for k, out := range vars {
			if out != orig {
				continue
			}
			vars[k] = tmp
			if ids := instr.Outputs[param]; k < len(ids) {
				ids[k] = tmpID
			}
			found = true
		}
	}
	return found
}

// transfer creates tmpName, moves src into it with one transfer op and
// returns the temporary plus its instruction.
func (d *DataTransferer) transfer(step transferStep, src *framework.Variable, tmpName string) (*framework.Variable, *Instruction, error) {
	tmp := d.Scope.Var(tmpName)
	tmp.Set(framework.NewDenseTensor())
	tmpID, err := d.VarScope.AddVar(tmpName, &framework.VarDesc{Name: tmpName, Type: framework.KindDenseTensor})
	if err != nil {
		return nil, nil, err
	}
	srcID, ok := d.VarScope.VarID(src.Name())
	if !ok {
		if srcID, err = d.VarScope.AddVar(src.Name(), nil); err != nil {
			return nil, nil, err
		}
	}

	instr, err := d.runTransfer(step, src, tmp)
	if err != nil {
		return nil, nil, err
	}
	instr.Op.Inputs = map[string][]string{"X": {src.Name()}}
	instr.Op.Outputs = map[string][]string{"Out": {tmpName}}
	instr.Inputs["X"] = []int{srcID}
	instr.Outputs["Out"] = []int{tmpID}
	return tmp, instr, nil
}

// runTransfer resolves and runs (or fake-initializes) a transfer op from
// src into dst.
func (d *DataTransferer) runTransfer(step transferStep, src, dst *framework.Variable) (*Instruction, error) {
	info, ok := d.Registry.OpInfo(step.opType)
	if !ok {
		return nil, framework.NewKernelResolutionError("transfer op is not registered", nil).
			WithOp(step.opType).
			WithCode(framework.ErrCodeUnknownOp)
	}
	t := framework.PeekTensor(src)
	key := framework.KernelKey{Place: step.target, DType: t.DType(), Layout: t.Layout()}
	k := d.Registry.SelectLegacy(step.opType, key)
	if k == nil {
		return nil, framework.NewKernelResolutionError("no transfer kernel found", nil).
			WithOp(step.opType).
			WithKey(key).
			WithCode(framework.ErrCodeNoKernel)
	}

	op := &Operator{Type: step.opType, Attrs: step.attrs.Clone(), Info: info}
	dc := d.Pool.Get(step.target)
	ectx := &kernels.ExecContext{
		OpType:  step.opType,
		Attrs:   op.Attrs,
		Inputs:  map[string][]*framework.Variable{"X": {src}},
		Outputs: map[string][]*framework.Variable{"Out": {dst}},
		Device:  dc,
		Key:     key,
	}

	if d.Static {
		if err := fakeTransfer(info, ectx, src == dst); err != nil {
			return nil, err
		}
	} else if err := k.Fn(ectx); err != nil {
		return nil, err
	}

	instr := newInstruction(op, -1)
	instr.Legacy = k
	instr.Device = dc
	instr.Type = framework.CPUSync
	instr.Key = key
	instr.Path = kernels.PathLegacy
	instr.ctx = ectx
	d.Metrics.RecordTransfer(step.opType)
	if d.Logger != nil {
		d.Logger.Debugf("transfer %s -> %s via %s on %s", src.Name(), dst.Name(), step.opType, step.target)
	}
	return instr, nil
}

// fakeTransfer infers the transfer output and gives it fake storage on
// the context place. An in-place cast only retags the dtype.
func fakeTransfer(info *kernels.OpInfo, ctx *kernels.ExecContext, inplace bool) error {
	out, err := ctx.OutputTensor("Out")
	if err != nil {
		return err
	}
	if inplace {
		dst, err := ctx.Attrs.DataTypeAttr("out_dtype")
		if err != nil {
			return err
		}
		out.SetDType(dst)
		return nil
	}
	if info.InferShape != nil {
		if err := info.InferShape(ctx); err != nil {
			return err
		}
	}
	return FakeInitializeTensor(ctx.Device, out.DType(), ctx.Place(), out)
}

// HandleComplexGradToRealGrad casts, in place, the outputs of a grad op
// computed with a complex kernel whose declarations are real. It returns
// the injected transfer_dtype instructions.
func (d *DataTransferer) HandleComplexGradToRealGrad(op *Operator, instr *Instruction, ctx *kernels.ExecContext) ([]*Instruction, error) {
	var out []*Instruction
	for _, param := range framework.SortedParams(ctx.Outputs) {
		for k, v := range ctx.Outputs[param] {
			if v == nil {
				continue
			}
			ids := instr.Outputs[param]
			if k >= len(ids) {
				continue
			}
			desc := d.VarScope.VarDesc(ids[k])
			if desc == nil || desc.DType == framework.Undefined || desc.DType.IsComplex() {
				continue
			}
			t := framework.PeekTensor(v)
			if t == nil || !t.Initialized() || !t.DType().IsComplex() {
				continue
			}
			step := transferStep{
				opType: OpTransferDType,
				attrs: framework.AttributeMap{
					"in_dtype":  t.DType().String(),
					"out_dtype": desc.DType.String(),
				},
				target: t.Place(),
			}
			ti, err := d.runTransfer(step, v, v)
			if err != nil {
				return nil, framework.NewRuntimeFailure("complex grad cast failed", err).
					WithOp(op.Type).
					WithDetail("variable", v.Name())
			}
			ti.Op.Inputs = map[string][]string{"X": {v.Name()}}
			ti.Op.Outputs = map[string][]string{"Out": {v.Name()}}
			ti.Inputs["X"] = []int{ids[k]}
			ti.Outputs["Out"] = []int{ids[k]}
			out = append(out, ti)
		}
	}
	return out, nil
}
