package builtin

import (
	"fmt"

	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/kernels"
)

// fetchKernel copies X to the host and stores it in column col of the
// fetch list bound to Out.
func fetchKernel(ctx *kernels.ExecContext) error {
	x, err := ctx.InputTensor("X")
	if err != nil {
		return err
	}
	if err := requireInitialized(ctx.OpType, "X", x); err != nil {
		return err
	}
	outVar := ctx.Output("Out")
	if outVar == nil {
		return fmt.Errorf("%s: output Out is not set", ctx.OpType)
	}
	list := outVar.FetchList()
	if list == nil {
		return fmt.Errorf("%s: output %s holds %s, not a fetch list", ctx.OpType, outVar.Name(), outVar.Kind())
	}
	col := int(ctx.Attrs.IntOr("col", 0))
	if col < 0 {
		return fmt.Errorf("%s: negative col %d", ctx.OpType, col)
	}

	dst := framework.NewDenseTensor()
	if x.Holder().Fake {
		dst.SetDims(x.Dims())
		if err := ctx.Device.HostAlloc(dst, x.DType(), 0, true); err != nil {
			return err
		}
	} else if err := copyInto(dst, x, func(t *framework.DenseTensor, d framework.DataType) error {
		return ctx.Device.HostAlloc(t, d, -1, false)
	}); err != nil {
		return err
	}
	list.Set(col, dst)
	return nil
}

// tensorSummaryRun appends one line describing X to the Strings payload of
// Out. It runs without a kernel.
func tensorSummaryRun(ctx *kernels.ExecContext) error {
	in := ctx.Input("X")
	if in == nil {
		return fmt.Errorf("%s: input X is not set", ctx.OpType)
	}
	out := ctx.Output("Out")
	if out == nil {
		return fmt.Errorf("%s: output Out is not set", ctx.OpType)
	}
	line := fmt.Sprintf("%s: %s", in.Name(), in.Kind())
	if t := framework.PeekTensor(in); t != nil {
		line = fmt.Sprintf("%s: %s", in.Name(), t)
	}
	switch p := out.Payload().(type) {
	case nil:
		out.Set(&framework.Strings{Values: []string{line}})
	case *framework.Strings:
		p.Values = append(p.Values, line)
	default:
		return fmt.Errorf("%s: output %s holds %s, not strings", ctx.OpType, out.Name(), out.Kind())
	}
	return nil
}

func registerFetch(reg *kernels.Registry) error {
	if err := reg.RegisterOp(&kernels.OpInfo{
		Type:            "fetch_v2",
		Checker:         kernels.DefaultsChecker{"col": 0},
		KernelKeyForVar: keepPlace,
	}); err != nil {
		return err
	}
	if err := legacy(reg, "fetch_v2", cpuAndGPU, anyDataType, fetchKernel); err != nil {
		return err
	}
	return reg.RegisterOp(&kernels.OpInfo{Type: "tensor_summary", Run: tensorSummaryRun})
}
