package builtin

import (
	"fmt"

	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/kernels"
)

// allreduceSumKernel is a single-rank all-reduce: Out is a copy of X. It
// requires the device context to carry the communication context of the
// op's ring.
func allreduceSumKernel(ctx *kernels.ExecContext) error {
	ring := ctx.Attrs.IntOr("ring_id", 0)
	if ctx.Place().IsGPU() {
		cc := ctx.Device.CommContext()
		if cc == nil || int64(cc.RingID) != ring {
			return fmt.Errorf("%s: no communication context for ring %d", ctx.OpType, ring)
		}
	}
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

func registerCollective(reg *kernels.Registry) error {
	if err := reg.RegisterOp(&kernels.OpInfo{
		Type:       "c_allreduce_sum",
		InferShape: inferSameAs("X", "Out"),
		Checker:    kernels.DefaultsChecker{"ring_id": 0, "use_calc_stream": false},
	}); err != nil {
		return err
	}
	return legacy(reg, "c_allreduce_sum", cpuAndGPU, numericTypes, allreduceSumKernel)
}
