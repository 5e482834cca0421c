package builtin

import (
	"fmt"

	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/kernels"
)

type binaryOp int

const (
	opAdd binaryOp = iota
	opSub
	opMul
)

func (op binaryOp) String() string {
	switch op {
	case opAdd:
		return "add"
	case opSub:
		return "subtract"
	default:
		return "multiply"
	}
}

func apply[T number](op binaryOp, a, b T) T {
	switch op {
	case opAdd:
		return a + b
	case opSub:
		return a - b
	default:
		return a * b
	}
}

// binary computes out[i] = x[i] op y[i]; a single-element y broadcasts.
func binary[T number](op binaryOp, x, y, out *framework.DenseTensor) {
	xs, ys, res := framework.Data[T](x), framework.Data[T](y), framework.Data[T](out)
	for i := range res {
		b := ys[0]
		if len(ys) > 1 {
			b = ys[i]
		}
		res[i] = apply(op, xs[i], b)
	}
}

func elementwiseKernel(op binaryOp) kernels.KernelFn {
	return func(ctx *kernels.ExecContext) error {
		x, err := ctx.InputTensor("X")
		if err != nil {
			return err
		}
		y, err := ctx.InputTensor("Y")
		if err != nil {
			return err
		}
		if err := requireInitialized(ctx.OpType, "X", x); err != nil {
			return err
		}
		if err := requireInitialized(ctx.OpType, "Y", y); err != nil {
			return err
		}
		if x.DType() != y.DType() {
			return fmt.Errorf("%s: dtype mismatch %s vs %s", ctx.OpType, x.DType(), y.DType())
		}
		if y.Numel() != 1 && y.Numel() != x.Numel() {
			return fmt.Errorf("%s: cannot broadcast %v to %v", ctx.OpType, y.Dims(), x.Dims())
		}
		out, err := ctx.OutputTensor("Out")
		if err != nil {
			return err
		}
		xs, ys := snapshot(x), snapshot(y)
		out.SetDims(xs.Dims())
		out.SetLayout(xs.Layout())
		if err := ctx.Device.Alloc(out, xs.DType(), -1, false); err != nil {
			return err
		}
		switch xs.DType() {
		case framework.Float32:
			binary[float32](op, xs, ys, out)
		case framework.Float64:
			binary[float64](op, xs, ys, out)
		case framework.Int32:
			binary[int32](op, xs, ys, out)
		case framework.Int64:
			binary[int64](op, xs, ys, out)
		default:
			return fmt.Errorf("%s: unsupported data type %s", ctx.OpType, xs.DType())
		}
		return nil
	}
}

func scaleKernel(ctx *kernels.ExecContext) error {
	x, err := ctx.InputTensor("X")
	if err != nil {
		return err
	}
	if err := requireInitialized(ctx.OpType, "X", x); err != nil {
		return err
	}
	scale := ctx.Attrs.FloatOr("scale", 1)
	bias := ctx.Attrs.FloatOr("bias", 0)
	after := ctx.Attrs.BoolOr("bias_after_scale", true)

	out, err := ctx.OutputTensor("Out")
	if err != nil {
		return err
	}
	in := snapshot(x)
	out.SetDims(in.Dims())
	if err := ctx.Device.Alloc(out, in.DType(), -1, false); err != nil {
		return err
	}
	read, err := elementReader(in)
	if err != nil {
		return fmt.Errorf("%s: %w", ctx.OpType, err)
	}
	write, err := elementWriter(out)
	if err != nil {
		return fmt.Errorf("%s: %w", ctx.OpType, err)
	}
	s, b := complex(scale, 0), complex(bias, 0)
	for i := 0; i < int(in.Numel()); i++ {
		v := read(i)
		if after {
			write(i, v*s+b)
		} else {
			write(i, (v+b)*s)
		}
	}
	return nil
}

func reluKernel(ctx *kernels.ExecContext) error {
	x, err := ctx.InputTensor("X")
	if err != nil {
		return err
	}
	if err := requireInitialized(ctx.OpType, "X", x); err != nil {
		return err
	}
	out, err := ctx.OutputTensor("Out")
	if err != nil {
		return err
	}
	in := snapshot(x)
	out.SetDims(in.Dims())
	if err := ctx.Device.Alloc(out, in.DType(), -1, false); err != nil {
		return err
	}
	switch in.DType() {
	case framework.Float32:
		relu(framework.Data[float32](in), framework.Data[float32](out))
	case framework.Float64:
		relu(framework.Data[float64](in), framework.Data[float64](out))
	default:
		return fmt.Errorf("%s: unsupported data type %s", ctx.OpType, in.DType())
	}
	return nil
}

func relu[T number](in, out []T) {
	for i, v := range in {
		if v < 0 {
			v = 0
		}
		out[i] = v
	}
}

// addGradKernel passes the output gradient through to both inputs.
func addGradKernel(ctx *kernels.ExecContext) error {
	dout, err := ctx.InputTensor("Out@GRAD")
	if err != nil {
		return err
	}
	if err := requireInitialized(ctx.OpType, "Out@GRAD", dout); err != nil {
		return err
	}
	for _, param := range []string{"X@GRAD", "Y@GRAD"} {
		if !ctx.HasOutput(param) {
			continue
		}
		dx, err := ctx.OutputTensor(param)
		if err != nil {
			return err
		}
		if err := copyInto(dx, dout, func(t *framework.DenseTensor, d framework.DataType) error {
			return ctx.Device.Alloc(t, d, -1, false)
		}); err != nil {
			return err
		}
	}
	return nil
}

func registerMath(reg *kernels.Registry) error {
	for _, op := range []struct {
		opType string
		kind   binaryOp
	}{
		{"elementwise_add", opAdd},
		{"elementwise_sub", opSub},
	} {
		sig := &kernels.Signature{Name: op.kind.String(), Inputs: []string{"X", "Y"}, Outputs: []string{"Out"}}
		if err := reg.RegisterOp(&kernels.OpInfo{
			Type:       op.opType,
			InferShape: inferSameAs("X", "Out"),
			Signature:  sig,
			Checker:    kernels.DefaultsChecker{"axis": -1},
		}); err != nil {
			return err
		}
		if err := structured(reg, sig.Name, kernels.Function, cpuAndGPU, numericTypes, elementwiseKernel(op.kind), sameAsKey("Out")); err != nil {
			return err
		}
	}

	if err := reg.RegisterOp(&kernels.OpInfo{
		Type:       "elementwise_mul",
		InferShape: inferSameAs("X", "Out"),
		Checker:    kernels.DefaultsChecker{"axis": -1},
	}); err != nil {
		return err
	}
	if err := legacy(reg, "elementwise_mul", cpuAndGPU, numericTypes, elementwiseKernel(opMul)); err != nil {
		return err
	}

	if err := reg.RegisterOp(&kernels.OpInfo{
		Type:       "scale",
		InferShape: inferSameAs("X", "Out"),
		Checker:    kernels.DefaultsChecker{"scale": 1.0, "bias": 0.0, "bias_after_scale": true},
	}); err != nil {
		return err
	}
	if err := legacy(reg, "scale", cpuAndGPU, numericTypes, scaleKernel); err != nil {
		return err
	}

	reluSig := &kernels.Signature{Name: "relu", Inputs: []string{"X"}, Outputs: []string{"Out"}}
	if err := reg.RegisterOp(&kernels.OpInfo{Type: "relu", InferShape: inferSameAs("X", "Out"), Signature: reluSig}); err != nil {
		return err
	}
	if err := structured(reg, "relu", kernels.Function, cpuAndGPU, floatTypes, reluKernel, sameAsKey("Out")); err != nil {
		return err
	}

	gradSig := &kernels.Signature{Name: "add_grad", Inputs: []string{"X", "Y", "Out@GRAD"}, Outputs: []string{"X@GRAD", "Y@GRAD"}}
	if err := reg.RegisterOp(&kernels.OpInfo{
		Type:               "elementwise_add_grad",
		InferShape:         inferSameAs("Out@GRAD", "X@GRAD", "Y@GRAD"),
		NoNeedBufferInputs: map[string]bool{"X": true, "Y": true},
		Signature:          gradSig,
		ExpectedKernelKey: func(ctx *kernels.ExecContext) framework.KernelKey {
			key := framework.KernelKey{Place: ctx.Place()}
			if t := framework.PeekTensor(ctx.Input("Out@GRAD")); t != nil {
				key.DType = t.DType()
			}
			return key
		},
	}); err != nil {
		return err
	}
	return structured(reg, "add_grad", kernels.Function, cpuAndGPU, gradDataTypes, addGradKernel, sameAsKey("X@GRAD", "Y@GRAD"))
}
