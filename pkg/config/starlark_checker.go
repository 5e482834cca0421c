package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/kernels"
)

// DefaultCheckerTimeout bounds one call of a checker script.
const DefaultCheckerTimeout = 5 * time.Second

// StarlarkChecker is an attribute checker written in Starlark. The script
// defines
//
//	def check(op_type, attrs):
//
// which returns None to accept, a string to reject with that message, or
// a dict of attributes to set. fail() rejects too.
type StarlarkChecker struct {
	name    string
	fn      starlark.Callable
	timeout time.Duration
}

var _ kernels.AttrChecker = (*StarlarkChecker)(nil)

// NewStarlarkChecker runs script once and keeps its check function.
func NewStarlarkChecker(name, script string, timeout time.Duration) (*StarlarkChecker, error) {
	if timeout <= 0 {
		timeout = DefaultCheckerTimeout
	}
	thread := newThread(name)
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	globals, err := starlark.ExecFile(thread, name, script, predeclared)
	if err != nil {
		return nil, framework.NewConfigurationError("load checker "+name, err).
			WithCode(framework.ErrCodeInvalidArgument)
	}
	fn, ok := globals["check"].(starlark.Callable)
	if !ok {
		return nil, framework.NewConfigurationError(fmt.Sprintf("checker %s does not define check(op_type, attrs)", name), nil).
			WithCode(framework.ErrCodeInvalidArgument)
	}
	return &StarlarkChecker{name: name, fn: fn, timeout: timeout}, nil
}

func newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name:  name,
		Print: func(*starlark.Thread, string) {},
	}
}

// Check calls the script's check function with a copy of attrs.
func (c *StarlarkChecker) Check(opType string, attrs framework.AttributeMap) error {
	in, err := toStarlarkValue(map[string]interface{}(attrs))
	if err != nil {
		return fmt.Errorf("checker %s: %w", c.name, err)
	}

	thread := newThread(c.name)
	timer := time.AfterFunc(c.timeout, func() {
		thread.Cancel(fmt.Sprintf("timeout after %v", c.timeout))
	})
	defer timer.Stop()

	res, err := starlark.Call(thread, c.fn, starlark.Tuple{starlark.String(opType), in}, nil)
	if err != nil {
		return fmt.Errorf("checker %s: %w", c.name, err)
	}
	switch v := res.(type) {
	case starlark.NoneType:
		return nil
	case starlark.String:
		return fmt.Errorf("checker %s: %s", c.name, string(v))
	case *starlark.Dict:
		set, err := fromStarlarkValue(v)
		if err != nil {
			return fmt.Errorf("checker %s: %w", c.name, err)
		}
		for k, val := range set.(map[string]interface{}) {
			attrs[k] = val
		}
		return nil
	}
	return fmt.Errorf("checker %s: check returned %s, want None, string or dict", c.name, res.Type())
}

// RegisterCheckers compiles the program's checkers and adds them to the
// op types they name. Checker files are resolved against baseDir.
func (p *ProgramConfig) RegisterCheckers(reg *kernels.Registry, baseDir string) error {
	for i, cc := range p.Checkers {
		name, script := fmt.Sprintf("checkers[%d]", i), cc.Script
		if cc.File != "" {
			path := cc.File
			if !filepath.IsAbs(path) {
				path = filepath.Join(baseDir, path)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read checker: %w", err)
			}
			name, script = path, string(data)
		}
		c, err := NewStarlarkChecker(name, script, DefaultCheckerTimeout)
		if err != nil {
			return err
		}
		reg.Ops().AddExtraChecker(cc.Op, c)
	}
	return nil
}

func starlarkList[T any](xs []T, conv func(T) starlark.Value) *starlark.List {
	elems := make([]starlark.Value, len(xs))
	for i, x := range xs {
		elems[i] = conv(x)
	}
	return starlark.NewList(elems)
}

// toStarlarkValue converts an attribute value. Maps become dicts with
// sorted keys so scripts iterate them deterministically.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	switch x := normalizeAttr(v).(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(x), nil
	case int32:
		return starlark.MakeInt64(int64(x)), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case float32:
		return starlark.Float(x), nil
	case float64:
		return starlark.Float(x), nil
	case string:
		return starlark.String(x), nil
	case framework.DataType:
		return starlark.String(x.String()), nil
	case []int64:
		return starlarkList(x, func(n int64) starlark.Value { return starlark.MakeInt64(n) }), nil
	case []int:
		return starlarkList(x, func(n int) starlark.Value { return starlark.MakeInt(n) }), nil
	case []float64:
		return starlarkList(x, func(f float64) starlark.Value { return starlark.Float(f) }), nil
	case []string:
		return starlarkList(x, func(s string) starlark.Value { return starlark.String(s) }), nil
	case []interface{}:
		elems := make([]starlark.Value, len(x))
		for i, e := range x {
			sv, err := toStarlarkValue(e)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(x))
		for _, k := range framework.SortedParams(x) {
			sv, err := toStarlarkValue(x[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	}
	return nil, fmt.Errorf("attribute of type %T cannot be passed to starlark", v)
}

// fromStarlarkValue converts a checker result back to an attribute value.
// Integers come back as int64, sequences as []interface{} and dicts and
// structs as maps.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Int:
		n, ok := x.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s overflows int64", x)
		}
		return n, nil
	case starlark.Float:
		return float64(x), nil
	case starlark.String:
		return string(x), nil
	case *starlark.Dict:
		out := make(map[string]interface{}, x.Len())
		for _, kv := range x.Items() {
			k, ok := kv[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("attribute name %s is not a string", kv[0])
			}
			val, err := fromStarlarkValue(kv[1])
			if err != nil {
				return nil, err
			}
			out[string(k)] = val
		}
		return out, nil
	case *starlarkstruct.Struct:
		fields := make(starlark.StringDict)
		x.ToStringDict(fields)
		out := make(map[string]interface{}, len(fields))
		for k, fv := range fields {
			val, err := fromStarlarkValue(fv)
			if err != nil {
				return nil, err
			}
			out[k] = val
		}
		return out, nil
	case starlark.Iterable:
		it := x.Iterate()
		defer it.Done()
		out := []interface{}{}
		var e starlark.Value
		for it.Next(&e) {
			val, err := fromStarlarkValue(e)
			if err != nil {
				return nil, err
			}
			out = append(out, val)
		}
		return out, nil
	}
	return nil, fmt.Errorf("starlark %s cannot be an attribute", v.Type())
}
