package builtin

import (
	"fmt"

	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/kernels"
)

type number interface {
	~int32 | ~int64 | ~float32 | ~float64
}

var (
	cpuOnly       = []framework.PlaceKind{framework.PlaceCPU}
	cpuAndGPU     = []framework.PlaceKind{framework.PlaceCPU, framework.PlaceGPU}
	devicesOnly   = []framework.PlaceKind{framework.PlaceGPU, framework.PlaceNPU, framework.PlaceXPU, framework.PlaceCustom}
	allPlaces     = []framework.PlaceKind{framework.PlaceCPU, framework.PlaceGPU, framework.PlaceNPU, framework.PlaceXPU, framework.PlaceCustom}
	floatTypes    = []framework.DataType{framework.Float32, framework.Float64}
	numericTypes  = []framework.DataType{framework.Float32, framework.Float64, framework.Int32, framework.Int64}
	anyDataType   = []framework.DataType{framework.Undefined}
	gradDataTypes = []framework.DataType{framework.Float32, framework.Float64, framework.Complex64}
)

// structured registers fn under name for every place kind and dtype.
func structured(reg *kernels.Registry, name string, typ kernels.RegisteredType, places []framework.PlaceKind, dtypes []framework.DataType, fn kernels.KernelFn, outputs func(framework.KernelKey) []kernels.ArgDef) error {
	for _, kind := range places {
		for _, dt := range dtypes {
			key := framework.KernelKey{Place: framework.Place{Kind: kind}, DType: dt}
			k := &kernels.StructuredKernel{Name: name, Key: key, Type: typ, Fn: fn}
			if outputs != nil {
				k.OutputDefs = outputs(key)
			}
			if err := reg.RegisterStructured(k); err != nil {
				return err
			}
		}
	}
	return nil
}

// legacy registers fn in the legacy table of opType.
func legacy(reg *kernels.Registry, opType string, places []framework.PlaceKind, dtypes []framework.DataType, fn kernels.KernelFn) error {
	for _, kind := range places {
		for _, dt := range dtypes {
			k := &kernels.LegacyKernel{OpType: opType, Key: framework.KernelKey{Place: framework.Place{Kind: kind}, DType: dt}, Fn: fn}
			if err := reg.RegisterLegacy(k); err != nil {
				return err
			}
		}
	}
	return nil
}

// sameAsKey declares one output with the kernel's dtype and backend.
func sameAsKey(params ...string) func(framework.KernelKey) []kernels.ArgDef {
	return func(key framework.KernelKey) []kernels.ArgDef {
		defs := make([]kernels.ArgDef, len(params))
		for i := range defs {
			defs[i] = kernels.ArgDef{DType: key.DType, Backend: key.Place.Kind}
		}
		return defs
	}
}

// snapshot aliases t's current storage so that t may be reallocated while
// the old contents are still read.
func snapshot(t *framework.DenseTensor) *framework.DenseTensor {
	s := framework.NewDenseTensor()
	s.ShareDataWith(t)
	return s
}

func requireInitialized(op, param string, t *framework.DenseTensor) error {
	if !t.Initialized() {
		return fmt.Errorf("%s: input %s is not initialized", op, param)
	}
	return nil
}

// elementReader returns an accessor reading element i as complex128.
func elementReader(t *framework.DenseTensor) (func(i int) complex128, error) {
	switch t.DType() {
	case framework.Float32:
		d := framework.Data[float32](t)
		return func(i int) complex128 { return complex(float64(d[i]), 0) }, nil
	case framework.Float64:
		d := framework.Data[float64](t)
		return func(i int) complex128 { return complex(d[i], 0) }, nil
	case framework.Int32:
		d := framework.Data[int32](t)
		return func(i int) complex128 { return complex(float64(d[i]), 0) }, nil
	case framework.Int64:
		d := framework.Data[int64](t)
		return func(i int) complex128 { return complex(float64(d[i]), 0) }, nil
	case framework.Complex64:
		d := framework.Data[complex64](t)
		return func(i int) complex128 { return complex128(d[i]) }, nil
	case framework.Complex128:
		d := framework.Data[complex128](t)
		return func(i int) complex128 { return d[i] }, nil
	}
	return nil, fmt.Errorf("unsupported data type %s", t.DType())
}

// elementWriter returns an accessor storing v at element i, dropping the
// imaginary part for real types.
func elementWriter(t *framework.DenseTensor) (func(i int, v complex128), error) {
	switch t.DType() {
	case framework.Float32:
		d := framework.Data[float32](t)
		return func(i int, v complex128) { d[i] = float32(real(v)) }, nil
	case framework.Float64:
		d := framework.Data[float64](t)
		return func(i int, v complex128) { d[i] = real(v) }, nil
	case framework.Int32:
		d := framework.Data[int32](t)
		return func(i int, v complex128) { d[i] = int32(real(v)) }, nil
	case framework.Int64:
		d := framework.Data[int64](t)
		return func(i int, v complex128) { d[i] = int64(real(v)) }, nil
	case framework.Complex64:
		d := framework.Data[complex64](t)
		return func(i int, v complex128) { d[i] = complex64(v) }, nil
	case framework.Complex128:
		d := framework.Data[complex128](t)
		return func(i int, v complex128) { d[i] = v }, nil
	}
	return nil, fmt.Errorf("unsupported data type %s", t.DType())
}

// copyInto allocates dst like src on the side chosen by alloc and copies
// the bytes.
func copyInto(dst, src *framework.DenseTensor, alloc func(*framework.DenseTensor, framework.DataType) error) error {
	in := snapshot(src)
	dst.SetDims(in.Dims())
	dst.SetLayout(in.Layout())
	if err := alloc(dst, in.DType()); err != nil {
		return err
	}
	copy(dst.Holder().Bytes(), in.Holder().Bytes())
	return nil
}

// inferSameAs sets every output's meta to the given input's.
func inferSameAs(in string, outs ...string) kernels.KernelFn {
	return func(ctx *kernels.ExecContext) error {
		x, err := ctx.InputTensor(in)
		if err != nil {
			return err
		}
		for _, param := range outs {
			for _, v := range ctx.MultiOutput(param) {
				t := framework.TensorFromVar(v)
				if t == nil {
					continue
				}
				t.SetDims(x.Dims())
				t.SetDType(x.DType())
			}
		}
		return nil
	}
}

// keepPlace makes an input exempt from place transfer.
func keepPlace(_ string, t *framework.DenseTensor, expected framework.KernelKey) framework.KernelKey {
	k := expected
	k.Place = t.Place()
	k.DType = t.DType()
	k.Layout = t.Layout()
	return k
}
