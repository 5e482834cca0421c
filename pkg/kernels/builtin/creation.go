package builtin

import (
	"fmt"

	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/kernels"
)

func fillConstantInfer(ctx *kernels.ExecContext) error {
	shape, _ := ctx.Attrs.Ints("shape")
	dtype, err := ctx.Attrs.DataTypeAttr("dtype")
	if err != nil {
		return err
	}
	out, err := ctx.OutputTensor("Out")
	if err != nil {
		return err
	}
	out.SetDims(shape)
	out.SetDType(dtype)
	return nil
}

func fillConstantKernel(ctx *kernels.ExecContext) error {
	if err := fillConstantInfer(ctx); err != nil {
		return err
	}
	out, _ := ctx.OutputTensor("Out")
	if err := ctx.Device.Alloc(out, out.DType(), -1, false); err != nil {
		return err
	}
	write, err := elementWriter(out)
	if err != nil {
		return fmt.Errorf("%s: %w", ctx.OpType, err)
	}
	v := complex(ctx.Attrs.FloatOr("value", 0), 0)
	for i := 0; i < int(out.Numel()); i++ {
		write(i, v)
	}
	return nil
}

func shapeInfer(ctx *kernels.ExecContext) error {
	in, err := ctx.InputTensor("Input")
	if err != nil {
		return err
	}
	out, err := ctx.OutputTensor("Out")
	if err != nil {
		return err
	}
	out.SetDims([]int64{int64(len(in.Dims()))})
	out.SetDType(framework.Int32)
	return nil
}

// shapeKernel writes the input dims into a host int32 tensor.
func shapeKernel(ctx *kernels.ExecContext) error {
	if err := shapeInfer(ctx); err != nil {
		return err
	}
	in, _ := ctx.InputTensor("Input")
	out, _ := ctx.OutputTensor("Out")
	dims := append([]int64(nil), in.Dims()...)
	if err := ctx.Device.HostAlloc(out, framework.Int32, -1, false); err != nil {
		return err
	}
	data := framework.Data[int32](out)
	for i, d := range dims {
		data[i] = int32(d)
	}
	return nil
}

// coalesceKernel packs the inputs into one contiguous FusedOutput and
// hands each Output its slice.
func coalesceKernel(ctx *kernels.ExecContext) error {
	ins := ctx.MultiInput("Input")
	outs := ctx.MultiOutput("Output")
	if len(ins) != len(outs) {
		return fmt.Errorf("%s: %d inputs but %d outputs", ctx.OpType, len(ins), len(outs))
	}
	dtype, err := ctx.Attrs.DataTypeAttr("dtype")
	if err != nil {
		return err
	}
	copyData := ctx.Attrs.BoolOr("copy_data", false)
	setConstant := ctx.Attrs.BoolOr("set_constant", false)
	constant := complex(ctx.Attrs.FloatOr("constant", 0), 0)

	var total int64
	sources := make([]*framework.DenseTensor, len(ins))
	for i, v := range ins {
		t := framework.TensorFromVar(v)
		if t == nil {
			return fmt.Errorf("%s: input %d is not a tensor", ctx.OpType, i)
		}
		if dtype == framework.Undefined {
			dtype = t.DType()
		}
		sources[i] = snapshot(t)
		total += t.Numel()
	}

	fusedOut, err := ctx.OutputTensor("FusedOutput")
	if err != nil {
		return err
	}
	fusedOut.SetDims([]int64{total})
	if err := ctx.Device.Alloc(fusedOut, dtype, -1, false); err != nil {
		return err
	}
	write, err := elementWriter(fusedOut)
	if err != nil {
		return fmt.Errorf("%s: %w", ctx.OpType, err)
	}

	offset := 0
	for i, src := range sources {
		n := int(src.Numel())
		if copyData && src.Initialized() {
			read, err := elementReader(src)
			if err != nil {
				return fmt.Errorf("%s: %w", ctx.OpType, err)
			}
			for j := 0; j < n; j++ {
				write(offset+j, read(j))
			}
		} else if setConstant {
			for j := 0; j < n; j++ {
				write(offset+j, constant)
			}
		}

		dst := framework.TensorFromVar(outs[i])
		if dst == nil {
			return fmt.Errorf("%s: output %d is not a tensor", ctx.OpType, i)
		}
		dst.SetDims(src.Dims())
		if err := ctx.Device.Alloc(dst, dtype, -1, false); err != nil {
			return err
		}
		width := dtype.Size()
		copy(dst.Holder().Bytes(), fusedOut.Holder().Bytes()[offset*width:(offset+n)*width])
		offset += n
	}
	return nil
}

func coalesceInfer(ctx *kernels.ExecContext) error {
	dtype, err := ctx.Attrs.DataTypeAttr("dtype")
	if err != nil {
		return err
	}
	var total int64
	ins, outs := ctx.MultiInput("Input"), ctx.MultiOutput("Output")
	for i, v := range ins {
		t := framework.TensorFromVar(v)
		if t == nil {
			continue
		}
		if dtype == framework.Undefined {
			dtype = t.DType()
		}
		total += t.Numel()
		if i < len(outs) {
			if o := framework.TensorFromVar(outs[i]); o != nil {
				o.SetDims(t.Dims())
				o.SetDType(dtype)
			}
		}
	}
	if fused, err := ctx.OutputTensor("FusedOutput"); err == nil {
		fused.SetDims([]int64{total})
		fused.SetDType(dtype)
	}
	return nil
}

func registerCreation(reg *kernels.Registry) error {
	fullSig := &kernels.Signature{Name: "full", Attrs: []string{"shape", "value", "dtype"}, Outputs: []string{"Out"}}
	if err := reg.RegisterOp(&kernels.OpInfo{
		Type:       "fill_constant",
		InferShape: fillConstantInfer,
		Signature:  fullSig,
		Checker:    kernels.DefaultsChecker{"dtype": "float32", "value": 0.0},
		ExpectedKernelKey: func(ctx *kernels.ExecContext) framework.KernelKey {
			dtype, _ := ctx.Attrs.DataTypeAttr("dtype")
			return framework.KernelKey{Place: ctx.Place(), DType: dtype}
		},
	}); err != nil {
		return err
	}
	if err := structured(reg, "full", kernels.Function, cpuAndGPU, anyDataType, fillConstantKernel, sameAsKey("Out")); err != nil {
		return err
	}

	shapeSig := &kernels.Signature{Name: "shape", Inputs: []string{"Input"}, Outputs: []string{"Out"}}
	if err := reg.RegisterOp(&kernels.OpInfo{
		Type:               "shape",
		InferShape:         shapeInfer,
		NoNeedBufferInputs: map[string]bool{"Input": true},
		Signature:          shapeSig,
		KernelKeyForVar:    keepPlace,
	}); err != nil {
		return err
	}
	if err := structured(reg, "shape", kernels.Function, cpuAndGPU, anyDataType, shapeKernel, func(framework.KernelKey) []kernels.ArgDef {
		return []kernels.ArgDef{{DType: framework.Int32, Backend: framework.PlaceCPU}}
	}); err != nil {
		return err
	}

	if err := reg.RegisterOp(&kernels.OpInfo{
		Type:       "coalesce_tensor",
		InferShape: coalesceInfer,
		Checker:    kernels.DefaultsChecker{"copy_data": false, "set_constant": false, "constant": 0.0},
		ExpectedKernelKey: func(ctx *kernels.ExecContext) framework.KernelKey {
			key := kernels.DefaultKernelKey(ctx)
			if dtype, err := ctx.Attrs.DataTypeAttr("dtype"); err == nil && dtype != framework.Undefined {
				key.DType = dtype
			}
			return key
		},
	}); err != nil {
		return err
	}
	return legacy(reg, "coalesce_tensor", cpuAndGPU, anyDataType, coalesceKernel)
}
