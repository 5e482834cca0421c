package framework

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
)

// AttributeMap holds operator attributes. Values come from code or from
// decoded program files, so numeric getters accept any Go numeric type.
type AttributeMap map[string]any

// Has reports whether name is set.
func (m AttributeMap) Has(name string) bool {
	_, ok := m[name]
	return ok
}

// Clone returns a shallow copy.
func (m AttributeMap) Clone() AttributeMap {
	out := make(AttributeMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Names returns the attribute names in sorted order.
func (m AttributeMap) Names() []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Bool returns the attribute as a bool.
func (m AttributeMap) Bool(name string) (bool, bool) {
	b, ok := m[name].(bool)
	return b, ok
}

// BoolOr returns the bool attribute or def when unset or mistyped.
func (m AttributeMap) BoolOr(name string, def bool) bool {
	if b, ok := m.Bool(name); ok {
		return b
	}
	return def
}

// String returns the attribute as a string.
func (m AttributeMap) String(name string) (string, bool) {
	s, ok := m[name].(string)
	return s, ok
}

// StringOr returns the string attribute or def.
func (m AttributeMap) StringOr(name, def string) string {
	if s, ok := m.String(name); ok {
		return s
	}
	return def
}

// Int returns the attribute as an int64.
func (m AttributeMap) Int(name string) (int64, bool) {
	v, ok := m[name]
	if !ok {
		return 0, false
	}
	return toInt64(v)
}

// IntOr returns the integer attribute or def.
func (m AttributeMap) IntOr(name string, def int64) int64 {
	if i, ok := m.Int(name); ok {
		return i
	}
	return def
}

// Float returns the attribute as a float64.
func (m AttributeMap) Float(name string) (float64, bool) {
	v, ok := m[name]
	if !ok {
		return 0, false
	}
	return toFloat64(v)
}

// FloatOr returns the float attribute or def.
func (m AttributeMap) FloatOr(name string, def float64) float64 {
	if f, ok := m.Float(name); ok {
		return f
	}
	return def
}

// Ints returns a list attribute as []int64.
func (m AttributeMap) Ints(name string) ([]int64, bool) {
	switch v := m[name].(type) {
	case []int64:
		return v, true
	case []int:
		out := make([]int64, len(v))
		for i, x := range v {
			out[i] = int64(x)
		}
		return out, true
	case []any:
		out := make([]int64, len(v))
		for i, x := range v {
			n, ok := toInt64(x)
			if !ok {
				return nil, false
			}
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		if float32(int64(n)) == n {
			return int64(n), true
		}
	case float64:
		if float64(int64(n)) == n {
			return int64(n), true
		}
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case *big.Int:
		if n.IsInt64() {
			return n.Int64(), true
		}
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}

// DataTypeAttr reads a data type attribute stored either as a name or as
// its integer code.
func (m AttributeMap) DataTypeAttr(name string) (DataType, error) {
	v, ok := m[name]
	if !ok {
		return Undefined, nil
	}
	if s, ok := v.(string); ok {
		return ParseDataType(s)
	}
	if d, ok := v.(DataType); ok {
		return d, nil
	}
	if i, ok := toInt64(v); ok {
		d := DataType(i)
		if _, known := dtypeNames[d]; known {
			return d, nil
		}
	}
	return Undefined, fmt.Errorf("attribute %s: %v is not a data type", name, v)
}
