package kernels

import (
	"fmt"

	"github.com/openfroyo/graphexec/pkg/device"
	"github.com/openfroyo/graphexec/pkg/framework"
)

// ExecContext is what a kernel sees: resolved argument variables, the
// attributes, the device context and the chosen kernel key.
type ExecContext struct {
	OpType  string
	Attrs   framework.AttributeMap
	Inputs  map[string][]*framework.Variable
	Outputs map[string][]*framework.Variable
	Device  *device.Context
	Key     framework.KernelKey

	// Scope is set only for operators that look variables up themselves.
	Scope *framework.Scope
}

// Place is the device context's place.
func (c *ExecContext) Place() framework.Place {
	if c.Device == nil {
		return framework.Place{}
	}
	return c.Device.Place()
}

// Input returns the first variable bound to param, or nil.
func (c *ExecContext) Input(param string) *framework.Variable {
	if vs := c.Inputs[param]; len(vs) > 0 {
		return vs[0]
	}
	return nil
}

func (c *ExecContext) MultiInput(param string) []*framework.Variable {
	return c.Inputs[param]
}

// Output returns the first variable bound to param, or nil.
func (c *ExecContext) Output(param string) *framework.Variable {
	if vs := c.Outputs[param]; len(vs) > 0 {
		return vs[0]
	}
	return nil
}

func (c *ExecContext) MultiOutput(param string) []*framework.Variable {
	return c.Outputs[param]
}

// HasInput reports whether param has a bound variable.
func (c *ExecContext) HasInput(param string) bool {
	return c.Input(param) != nil
}

func (c *ExecContext) HasOutput(param string) bool {
	return c.Output(param) != nil
}

// InputTensor returns the tensor of the first variable bound to param.
func (c *ExecContext) InputTensor(param string) (*framework.DenseTensor, error) {
	v := c.Input(param)
	if v == nil {
		return nil, fmt.Errorf("%s: input %s is not set", c.OpType, param)
	}
	t := framework.TensorFromVar(v)
	if t == nil {
		return nil, fmt.Errorf("%s: input %s (%s) holds %s, not a tensor", c.OpType, param, v.Name(), v.Kind())
	}
	return t, nil
}

// OutputTensor returns the tensor of the first variable bound to param.
func (c *ExecContext) OutputTensor(param string) (*framework.DenseTensor, error) {
	v := c.Output(param)
	if v == nil {
		return nil, fmt.Errorf("%s: output %s is not set", c.OpType, param)
	}
	t := framework.TensorFromVar(v)
	if t == nil {
		return nil, fmt.Errorf("%s: output %s (%s) holds %s, not a tensor", c.OpType, param, v.Name(), v.Kind())
	}
	return t, nil
}

// DefaultKernelKey derives a key from the first initialized input tensor
// (params in sorted order) and the context place.
func DefaultKernelKey(ctx *ExecContext) framework.KernelKey {
	key := framework.KernelKey{Place: ctx.Place(), Layout: framework.LayoutAny}
	for _, param := range framework.SortedParams(ctx.Inputs) {
		for _, v := range ctx.Inputs[param] {
			if v == nil {
				continue
			}
			t := framework.PeekTensor(v)
			if t == nil || t.DType() == framework.Undefined {
				continue
			}
			key.DType = t.DType()
			return key
		}
	}
	return key
}
