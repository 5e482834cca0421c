package builtin

import (
	"fmt"

	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/kernels"
)

func memcpyH2DKernel(ctx *kernels.ExecContext) error {
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
	return copyInto(out, x, func(t *framework.DenseTensor, d framework.DataType) error {
		return ctx.Device.Alloc(t, d, -1, false)
	})
}

func memcpyD2HKernel(ctx *kernels.ExecContext) error {
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
	return copyInto(out, x, func(t *framework.DenseTensor, d framework.DataType) error {
		return ctx.Device.HostAlloc(t, d, -1, false)
	})
}

// transferDTypeKernel casts X to out_dtype; complex to real keeps the real
// part.
func transferDTypeKernel(ctx *kernels.ExecContext) error {
	x, err := ctx.InputTensor("X")
	if err != nil {
		return err
	}
	if err := requireInitialized(ctx.OpType, "X", x); err != nil {
		return err
	}
	dst, err := ctx.Attrs.DataTypeAttr("out_dtype")
	if err != nil {
		return err
	}
	out, err := ctx.OutputTensor("Out")
	if err != nil {
		return err
	}
	in := snapshot(x)
	read, err := elementReader(in)
	if err != nil {
		return fmt.Errorf("%s: %w", ctx.OpType, err)
	}
	out.SetDims(in.Dims())
	out.SetLayout(in.Layout())
	if err := ctx.Device.AllocLike(in, out, dst); err != nil {
		return err
	}
	write, err := elementWriter(out)
	if err != nil {
		return fmt.Errorf("%s: %w", ctx.OpType, err)
	}
	for i := 0; i < int(in.Numel()); i++ {
		write(i, read(i))
	}
	return nil
}

// transferLayoutKernel permutes a 4-D tensor between NCHW and NHWC. Other
// layout pairs only retag the tensor.
func transferLayoutKernel(ctx *kernels.ExecContext) error {
	x, err := ctx.InputTensor("X")
	if err != nil {
		return err
	}
	if err := requireInitialized(ctx.OpType, "X", x); err != nil {
		return err
	}
	dst, err := framework.ParseLayout(ctx.Attrs.StringOr("dst_layout", "any"))
	if err != nil {
		return err
	}
	out, err := ctx.OutputTensor("Out")
	if err != nil {
		return err
	}
	in := snapshot(x)
	src := in.Layout()
	dims := in.Dims()

	permute := len(dims) == 4 &&
		((src == framework.LayoutNCHW && dst == framework.LayoutNHWC) ||
			(src == framework.LayoutNHWC && dst == framework.LayoutNCHW))
	if !permute {
		if err := copyInto(out, in, func(t *framework.DenseTensor, d framework.DataType) error {
			return ctx.Device.AllocLike(in, t, d)
		}); err != nil {
			return err
		}
		out.SetLayout(dst)
		return nil
	}

	var outDims []int64
	if src == framework.LayoutNCHW {
		outDims = []int64{dims[0], dims[2], dims[3], dims[1]}
	} else {
		outDims = []int64{dims[0], dims[3], dims[1], dims[2]}
	}
	out.SetDims(outDims)
	out.SetLayout(dst)
	if err := ctx.Device.AllocLike(in, out, in.DType()); err != nil {
		return err
	}

	width := in.DType().Size()
	srcBuf, dstBuf := in.Holder().Bytes(), out.Holder().Bytes()
	n, a, b, c := int(dims[0]), int(dims[1]), int(dims[2]), int(dims[3])
	// Source index (i, j, k, l) over dims a, b, c maps to (i, k, l, j) for
	// NCHW->NHWC and (i, l, j, k) for NHWC->NCHW.
	for i := 0; i < n; i++ {
		for j := 0; j < a; j++ {
			for k := 0; k < b; k++ {
				for l := 0; l < c; l++ {
					from := ((i*a+j)*b+k)*c + l
					var to int
					if src == framework.LayoutNCHW {
						to = ((i*b+k)*c+l)*a + j
					} else {
						to = ((i*c+l)*a+j)*b + k
					}
					copy(dstBuf[to*width:(to+1)*width], srcBuf[from*width:(from+1)*width])
				}
			}
		}
	}
	return nil
}

func transferInfer(ctx *kernels.ExecContext) error {
	x, err := ctx.InputTensor("X")
	if err != nil {
		return err
	}
	out, err := ctx.OutputTensor("Out")
	if err != nil {
		return err
	}
	out.SetDims(x.Dims())
	out.SetDType(x.DType())
	out.SetLayout(x.Layout())
	if ctx.Attrs.Has("out_dtype") {
		dst, err := ctx.Attrs.DataTypeAttr("out_dtype")
		if err != nil {
			return err
		}
		out.SetDType(dst)
	}
	return nil
}

func registerTransfer(reg *kernels.Registry) error {
	ops := []struct {
		opType string
		places []framework.PlaceKind
		fn     kernels.KernelFn
	}{
		{"memcpy_h2d", devicesOnly, memcpyH2DKernel},
		{"memcpy_d2h", allPlaces, memcpyD2HKernel},
		{"transfer_dtype", allPlaces, transferDTypeKernel},
		{"transfer_layout", allPlaces, transferLayoutKernel},
	}
	for _, op := range ops {
		if err := reg.RegisterOp(&kernels.OpInfo{
			Type:            op.opType,
			InferShape:      transferInfer,
			KernelKeyForVar: keepPlace,
		}); err != nil {
			return err
		}
		if err := legacy(reg, op.opType, op.places, anyDataType, op.fn); err != nil {
			return err
		}
	}
	return nil
}
