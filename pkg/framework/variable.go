package framework

import (
	"fmt"
	"strings"
)

// EmptyVarName marks an unused argument slot.
const EmptyVarName = "@EMPTY@"

// PayloadKind enumerates the closed set of variable payloads.
type PayloadKind int

const (
	KindRaw PayloadKind = iota
	KindDenseTensor
	KindSelectedRows
	KindTensorArray
	KindStrings
	KindFetchList
)

var payloadKindNames = map[PayloadKind]string{
	KindRaw:          "raw",
	KindDenseTensor:  "dense_tensor",
	KindSelectedRows: "selected_rows",
	KindTensorArray:  "tensor_array",
	KindStrings:      "strings",
	KindFetchList:    "fetch_list",
}

func (k PayloadKind) String() string {
	if name, ok := payloadKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("PayloadKind(%d)", int(k))
}

// ParsePayloadKind maps a kind name to its PayloadKind. The empty string is
// the dense tensor kind.
func ParsePayloadKind(s string) (PayloadKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "lod_tensor":
		return KindDenseTensor, nil
	case "lod_tensor_array":
		return KindTensorArray, nil
	case "fetch":
		return KindFetchList, nil
	}
	for k, name := range payloadKindNames {
		if name == s {
			return k, nil
		}
	}
	return KindRaw, fmt.Errorf("unknown payload kind %q", s)
}

// Reclaimable reports whether storage of this kind may be freed early.
func (k PayloadKind) Reclaimable() bool {
	switch k {
	case KindDenseTensor, KindSelectedRows, KindTensorArray:
		return true
	}
	return false
}

// Payload is the content of a Variable.
type Payload interface {
	Kind() PayloadKind
}

// NewPayload creates an empty payload of kind k.
func NewPayload(k PayloadKind) Payload {
	switch k {
	case KindDenseTensor:
		return NewDenseTensor()
	case KindSelectedRows:
		return NewSelectedRows()
	case KindTensorArray:
		return &TensorArray{}
	case KindStrings:
		return &Strings{}
	case KindFetchList:
		return &FetchList{}
	default:
		return &RawPayload{}
	}
}

// Variable is a named slot that holds one payload.
type Variable struct {
	name    string
	payload Payload
}

func NewVariable(name string) *Variable {
	return &Variable{name: name}
}

func (v *Variable) Name() string { return v.name }

// Kind is the payload kind, KindRaw when nothing is held.
func (v *Variable) Kind() PayloadKind {
	if v.payload == nil {
		return KindRaw
	}
	return v.payload.Kind()
}

// IsInitialized reports whether a payload has been created.
func (v *Variable) IsInitialized() bool {
	return v.payload != nil
}

func (v *Variable) Payload() Payload { return v.payload }

// Set replaces the payload.
func (v *Variable) Set(p Payload) { v.payload = p }

// Initialize creates an empty payload of kind k. It is a no-op when the
// variable already holds kind k and an error when it holds another kind.
func (v *Variable) Initialize(k PayloadKind) error {
	if v.payload == nil {
		v.payload = NewPayload(k)
		return nil
	}
	if got := v.payload.Kind(); got != k {
		return fmt.Errorf("variable %s holds %s, cannot initialize as %s", v.name, got, k)
	}
	return nil
}

// DenseTensor returns the dense tensor payload, creating it when the
// variable is empty or raw. It returns nil for other kinds.
func (v *Variable) DenseTensor() *DenseTensor {
	switch p := v.payload.(type) {
	case *DenseTensor:
		return p
	case nil, *RawPayload:
		t := NewDenseTensor()
		v.payload = t
		return t
	}
	return nil
}

// SelectedRows returns the sparse payload, creating it when empty.
func (v *Variable) SelectedRows() *SelectedRows {
	switch p := v.payload.(type) {
	case *SelectedRows:
		return p
	case nil:
		s := NewSelectedRows()
		v.payload = s
		return s
	}
	return nil
}

// TensorArray returns the array payload, creating it when empty.
func (v *Variable) TensorArray() *TensorArray {
	switch p := v.payload.(type) {
	case *TensorArray:
		return p
	case nil:
		a := &TensorArray{}
		v.payload = a
		return a
	}
	return nil
}

// FetchList returns the fetch payload, creating it when empty.
func (v *Variable) FetchList() *FetchList {
	switch p := v.payload.(type) {
	case *FetchList:
		return p
	case nil:
		f := &FetchList{}
		v.payload = f
		return f
	}
	return nil
}

// TensorFromVar returns the single dense tensor a variable stands for: the
// tensor itself or a sparse payload's value. Empty and raw variables become
// dense tensors. Arrays, strings and fetch lists have none.
func TensorFromVar(v *Variable) *DenseTensor {
	if v == nil {
		return nil
	}
	switch p := v.payload.(type) {
	case *SelectedRows:
		return p.Value()
	case *DenseTensor, *RawPayload, nil:
		return v.DenseTensor()
	}
	return nil
}

// MoveHolders detaches every allocation held by a reclaimable payload.
func MoveHolders(v *Variable) []*Allocation {
	var out []*Allocation
	take := func(t *DenseTensor) {
		if t != nil && t.Initialized() {
			out = append(out, t.MoveHolder())
		}
	}
	switch p := v.payload.(type) {
	case *DenseTensor:
		take(p)
	case *SelectedRows:
		take(p.Value())
	case *TensorArray:
		for _, t := range p.Tensors {
			take(t)
		}
	}
	return out
}

func (k PayloadKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *PayloadKind) UnmarshalText(text []byte) error {
	parsed, err := ParsePayloadKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// PeekTensor is TensorFromVar without creating a payload.
func PeekTensor(v *Variable) *DenseTensor {
	if v == nil {
		return nil
	}
	switch p := v.payload.(type) {
	case *DenseTensor:
		return p
	case *SelectedRows:
		return p.Value()
	}
	return nil
}
