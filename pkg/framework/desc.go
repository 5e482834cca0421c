package framework

import "sort"

// DefaultExecutionStream is the stream name that means "no dedicated
// stream".
const DefaultExecutionStream = "default"

// DistAttr carries scheduling hints for distributed programs.
type DistAttr struct {
	ExecutionStream    string `json:"execution_stream,omitempty" yaml:"execution_stream,omitempty"`
	StreamPriority     int    `json:"stream_priority,omitempty" yaml:"stream_priority,omitempty"`
	SchedulingPriority int    `json:"scheduling_priority,omitempty" yaml:"scheduling_priority,omitempty"`
}

// OpDesc describes one operator of a block.
type OpDesc struct {
	Type     string              `json:"type" yaml:"type"`
	Inputs   map[string][]string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs  map[string][]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Attrs    AttributeMap        `json:"attrs,omitempty" yaml:"attrs,omitempty"`
	DistAttr *DistAttr           `json:"dist_attr,omitempty" yaml:"dist_attr,omitempty"`
}

// NewOpDesc returns an OpDesc with initialized maps.
func NewOpDesc(opType string) *OpDesc {
	return &OpDesc{
		Type:    opType,
		Inputs:  make(map[string][]string),
		Outputs: make(map[string][]string),
		Attrs:   make(AttributeMap),
	}
}

func (d *OpDesc) SetInput(param string, names ...string) *OpDesc {
	if d.Inputs == nil {
		d.Inputs = make(map[string][]string)
	}
	d.Inputs[param] = names
	return d
}

func (d *OpDesc) SetOutput(param string, names ...string) *OpDesc {
	if d.Outputs == nil {
		d.Outputs = make(map[string][]string)
	}
	d.Outputs[param] = names
	return d
}

func (d *OpDesc) SetAttr(name string, value any) *OpDesc {
	if d.Attrs == nil {
		d.Attrs = make(AttributeMap)
	}
	d.Attrs[name] = value
	return d
}

// InputArgumentNames lists every input variable name, params in sorted
// order.
func (d *OpDesc) InputArgumentNames() []string {
	return argumentNames(d.Inputs)
}

// OutputArgumentNames lists every output variable name, params in sorted
// order.
func (d *OpDesc) OutputArgumentNames() []string {
	return argumentNames(d.Outputs)
}

func argumentNames(m map[string][]string) []string {
	var out []string
	for _, param := range SortedParams(m) {
		out = append(out, m[param]...)
	}
	return out
}

// SortedParams returns the keys of an argument map in sorted order.
func SortedParams[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// VarDesc declares a variable.
type VarDesc struct {
	Name        string      `json:"name" yaml:"name"`
	Type        PayloadKind `json:"type" yaml:"type"`
	Persistable bool        `json:"persistable,omitempty" yaml:"persistable,omitempty"`
	DType       DataType    `json:"dtype,omitempty" yaml:"dtype,omitempty"`
	Shape       []int64     `json:"shape,omitempty" yaml:"shape,omitempty"`
}

// BlockDesc is an ordered list of operators plus the variables they use.
type BlockDesc struct {
	ID       int        `json:"id" yaml:"id"`
	ParentID int        `json:"parent_id" yaml:"parent_id"`
	Vars     []*VarDesc `json:"vars" yaml:"vars"`
	Ops      []*OpDesc  `json:"ops" yaml:"ops"`
}

// NewBlockDesc returns an empty block with no parent.
func NewBlockDesc(id int) *BlockDesc {
	return &BlockDesc{ID: id, ParentID: -1}
}

// FindVar looks up a declared variable.
func (b *BlockDesc) FindVar(name string) *VarDesc {
	for _, v := range b.Vars {
		if v.Name == name {
			return v
		}
	}
	return nil
}

// HasVar reports whether name is declared.
func (b *BlockDesc) HasVar(name string) bool {
	return b.FindVar(name) != nil
}

// Var returns the declaration for name, adding a dense tensor declaration
// when absent.
func (b *BlockDesc) Var(name string) *VarDesc {
	if v := b.FindVar(name); v != nil {
		return v
	}
	v := &VarDesc{Name: name, Type: KindDenseTensor}
	b.Vars = append(b.Vars, v)
	return v
}

// AppendOp adds a new operator at the end of the block.
func (b *BlockDesc) AppendOp(opType string) *OpDesc {
	op := NewOpDesc(opType)
	b.Ops = append(b.Ops, op)
	return op
}
