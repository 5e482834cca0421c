package framework

import (
	"fmt"
	"strings"
)

// DataType is the element type of a tensor.
type DataType int

const (
	Undefined DataType = iota
	Bool
	Int8
	Uint8
	Int16
	Int32
	Int64
	Float16
	BFloat16
	Float32
	Float64
	Complex64
	Complex128
	String
)

var dtypeNames = map[DataType]string{
	Undefined:  "undefined",
	Bool:       "bool",
	Int8:       "int8",
	Uint8:      "uint8",
	Int16:      "int16",
	Int32:      "int32",
	Int64:      "int64",
	Float16:    "float16",
	BFloat16:   "bfloat16",
	Float32:    "float32",
	Float64:    "float64",
	Complex64:  "complex64",
	Complex128: "complex128",
	String:     "pstring",
}

func (d DataType) String() string {
	if name, ok := dtypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("DataType(%d)", int(d))
}

// ParseDataType maps a type name to its DataType. "fp32"/"fp64" and
// "float"/"double" are accepted as aliases.
func ParseDataType(s string) (DataType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "fp32", "float":
		return Float32, nil
	case "fp64", "double":
		return Float64, nil
	case "fp16", "half":
		return Float16, nil
	case "string":
		return String, nil
	case "":
		return Undefined, nil
	}
	for d, name := range dtypeNames {
		if name == s {
			return d, nil
		}
	}
	return Undefined, fmt.Errorf("unknown data type %q", s)
}

// Size returns the element width in bytes, or 0 when the type has no fixed
// width.
func (d DataType) Size() int {
	switch d {
	case Bool, Int8, Uint8:
		return 1
	case Int16, Float16, BFloat16:
		return 2
	case Int32, Float32:
		return 4
	case Int64, Float64, Complex64:
		return 8
	case Complex128:
		return 16
	default:
		return 0
	}
}

func (d DataType) IsComplex() bool {
	return d == Complex64 || d == Complex128
}

func (d DataType) IsFloating() bool {
	switch d {
	case Float16, BFloat16, Float32, Float64:
		return true
	}
	return false
}

// ToReal returns the real counterpart of a complex type; other types are
// returned unchanged.
func (d DataType) ToReal() DataType {
	switch d {
	case Complex64:
		return Float32
	case Complex128:
		return Float64
	default:
		return d
	}
}

func (d DataType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DataType) UnmarshalText(text []byte) error {
	parsed, err := ParseDataType(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
