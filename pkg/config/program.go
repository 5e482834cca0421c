package config

import (
	"encoding/json"
	"fmt"

	"github.com/openfroyo/graphexec/pkg/device"
	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/interpreter"
)

// DefaultPlace is the place of the build, cpu when unset.
func (p *ProgramConfig) DefaultPlace() (framework.Place, error) {
	if p.Place == "" {
		return framework.CPUPlace(), nil
	}
	place, err := framework.ParsePlace(p.Place)
	if err != nil {
		return framework.Place{}, framework.NewConfigurationError("invalid program place", err).
			WithCode(framework.ErrCodeInvalidArgument)
	}
	return place, nil
}

// ToBlockDesc converts the program into block 0. A fetch_v2 op is
// appended for every fetched variable.
func (p *ProgramConfig) ToBlockDesc() (*framework.BlockDesc, error) {
	block := framework.NewBlockDesc(0)
	for _, vc := range p.Vars {
		kind, err := framework.ParsePayloadKind(vc.Type)
		if err != nil {
			return nil, framework.NewConfigurationError("variable "+vc.Name, err).
				WithCode(framework.ErrCodeInvalidArgument)
		}
		dtype, err := framework.ParseDataType(vc.DType)
		if err != nil {
			return nil, framework.NewConfigurationError("variable "+vc.Name, err).
				WithCode(framework.ErrCodeInvalidArgument)
		}
		desc := block.Var(vc.Name)
		desc.Type = kind
		desc.Persistable = vc.Persistable
		desc.DType = dtype
		desc.Shape = append([]int64(nil), vc.Shape...)
	}
	for _, oc := range p.Ops {
		desc := block.AppendOp(oc.Type)
		for param, names := range oc.Inputs {
			desc.SetInput(param, append([]string(nil), names...)...)
		}
		for param, names := range oc.Outputs {
			desc.SetOutput(param, append([]string(nil), names...)...)
		}
		for name, v := range oc.Attrs {
			desc.SetAttr(name, normalizeAttr(v))
		}
		if oc.DistAttr != nil {
			d := *oc.DistAttr
			desc.DistAttr = &d
		}
	}
	if len(p.Fetch) > 0 {
		interpreter.AddFetch(p.Fetch, block)
	}
	return block, nil
}

// normalizeAttr turns decoded numbers into int64 or float64 so checkers
// and kernels see one representation whatever the file format.
func normalizeAttr(v interface{}) interface{} {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case int:
		return int64(x)
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = normalizeAttr(e)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			out[k] = normalizeAttr(e)
		}
		return out
	}
	return v
}

// CommContexts returns a manager holding the declared rings.
func (p *ProgramConfig) CommContexts() *device.CommContextManager {
	m := device.NewCommContextManager()
	for _, c := range p.Comm {
		m.Set(&device.CommContext{RingID: c.RingID, Backend: c.Backend, Rank: c.Rank, Ranks: c.Ranks})
	}
	return m
}

// ApplyFeeds writes every feed into its variable, found in scope or an
// ancestor. Feeds without a place go to place.
func (p *ProgramConfig) ApplyFeeds(scope *framework.Scope, pool *device.Pool, place framework.Place) error {
	for i, f := range p.Feeds {
		if err := applyFeed(scope, pool, place, f); err != nil {
			return fmt.Errorf("feed %d (%s): %w", i, f.Var, err)
		}
	}
	return nil
}

func applyFeed(scope *framework.Scope, pool *device.Pool, place framework.Place, f FeedConfig) error {
	v := scope.FindVar(f.Var)
	if v == nil {
		return framework.NewConfigurationError("fed variable is not declared", nil).
			WithCode(framework.ErrCodeUndeclaredVar).
			WithDetail("variable", f.Var)
	}
	t := v.DenseTensor()
	if t == nil {
		return framework.NewConfigurationError(fmt.Sprintf("variable holds %s, not a dense tensor", v.Kind()), nil).
			WithCode(framework.ErrCodeInvalidArgument)
	}
	dtype := framework.Float32
	if f.DType != "" {
		d, err := framework.ParseDataType(f.DType)
		if err != nil {
			return framework.NewConfigurationError("invalid feed dtype", err).WithCode(framework.ErrCodeInvalidArgument)
		}
		dtype = d
	}
	if f.Place != "" {
		p, err := framework.ParsePlace(f.Place)
		if err != nil {
			return framework.NewConfigurationError("invalid feed place", err).WithCode(framework.ErrCodeInvalidArgument)
		}
		place = p
	}
	dims := f.Shape
	if len(dims) == 0 {
		dims = []int64{int64(len(f.Values))}
	}
	t.SetDims(dims)
	if int(t.Numel()) != len(f.Values) {
		return framework.NewConfigurationError(fmt.Sprintf("shape %v holds %d values, got %d", dims, t.Numel(), len(f.Values)), nil).
			WithCode(framework.ErrCodeInvalidArgument)
	}
	if err := pool.Get(place).Alloc(t, dtype, -1, false); err != nil {
		return err
	}
	switch dtype {
	case framework.Float32:
		fill(framework.Data[float32](t), f.Values)
	case framework.Float64:
		fill(framework.Data[float64](t), f.Values)
	case framework.Int32:
		fill(framework.Data[int32](t), f.Values)
	case framework.Int64:
		fill(framework.Data[int64](t), f.Values)
	case framework.Int8:
		fill(framework.Data[int8](t), f.Values)
	case framework.Uint8:
		fill(framework.Data[uint8](t), f.Values)
	default:
		return framework.NewConfigurationError(fmt.Sprintf("feeding %s tensors is not supported", dtype), nil).
			WithCode(framework.ErrCodeInvalidArgument)
	}
	return nil
}

type realNumber interface {
	~int8 | ~uint8 | ~int32 | ~int64 | ~float32 | ~float64
}

func fill[T realNumber](dst []T, src []float64) {
	for i := range dst {
		dst[i] = T(src[i])
	}
}
