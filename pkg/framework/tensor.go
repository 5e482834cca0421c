package framework

import (
	"fmt"
	"sync"
	"unsafe"
)

// Allocation is a block of backing storage bound to a place. A fake
// allocation has zero size and stands in for real storage in planning mode.
type Allocation struct {
	Place Place
	Size  int
	Fake  bool

	buf      []byte
	freeOnce sync.Once
	onFree   func(*Allocation)
}

// NewAllocation creates an allocation of size bytes on place. onFree, when
// non-nil, runs once on Free.
func NewAllocation(place Place, size int, fake bool, onFree func(*Allocation)) *Allocation {
	a := &Allocation{Place: place, Size: size, Fake: fake, onFree: onFree}
	if !fake && size > 0 {
		a.buf = make([]byte, size)
	}
	return a
}

// Bytes returns the raw storage. Fake allocations have none.
func (a *Allocation) Bytes() []byte {
	if a == nil {
		return nil
	}
	return a.buf
}

// Free releases the storage. Repeated calls are no-ops.
func (a *Allocation) Free() {
	if a == nil {
		return
	}
	a.freeOnce.Do(func() {
		a.buf = nil
		if a.onFree != nil {
			a.onFree(a)
		}
	})
}

// DenseTensor is a contiguous n-dimensional array: metadata plus an
// optional holder. Metadata (dims, dtype, layout) may be set long before
// storage is attached.
type DenseTensor struct {
	holder *Allocation
	dtype  DataType
	layout Layout
	dims   []int64
}

// NewDenseTensor returns an empty tensor.
func NewDenseTensor() *DenseTensor {
	return &DenseTensor{}
}

func (*DenseTensor) Kind() PayloadKind { return KindDenseTensor }

// Initialized reports whether the tensor has storage attached.
func (t *DenseTensor) Initialized() bool {
	return t != nil && t.holder != nil
}

func (t *DenseTensor) Holder() *Allocation { return t.holder }

// SetHolder attaches storage.
func (t *DenseTensor) SetHolder(a *Allocation) { t.holder = a }

// MoveHolder detaches the storage and returns it. The tensor keeps its
// metadata and reports Initialized() == false afterwards.
func (t *DenseTensor) MoveHolder() *Allocation {
	a := t.holder
	t.holder = nil
	return a
}

// ShareDataWith makes t alias src's storage and metadata.
func (t *DenseTensor) ShareDataWith(src *DenseTensor) {
	t.holder = src.holder
	t.dtype = src.dtype
	t.layout = src.layout
	t.dims = append([]int64(nil), src.dims...)
}

func (t *DenseTensor) DType() DataType     { return t.dtype }
func (t *DenseTensor) SetDType(d DataType) { t.dtype = d }
func (t *DenseTensor) Layout() Layout      { return t.layout }
func (t *DenseTensor) SetLayout(l Layout)  { t.layout = l }

func (t *DenseTensor) Dims() []int64 { return t.dims }

func (t *DenseTensor) SetDims(dims []int64) {
	t.dims = append([]int64(nil), dims...)
}

// Numel is the product of dims; a tensor with no dims holds one element.
func (t *DenseTensor) Numel() int64 {
	n := int64(1)
	for _, d := range t.dims {
		n *= d
	}
	return n
}

// Place is the holder's place, or an undefined place when uninitialized.
func (t *DenseTensor) Place() Place {
	if t.holder == nil {
		return Place{}
	}
	return t.holder.Place
}

func (t *DenseTensor) String() string {
	return fmt.Sprintf("tensor(dtype=%s, dims=%v, place=%s)", t.dtype, t.dims, t.Place())
}

// Numeric is the set of element types with typed views.
type Numeric interface {
	~int32 | ~int64 | ~float32 | ~float64 | ~uint8 | ~int8 | ~complex64 | ~complex128
}

// Data returns a typed view over the tensor's storage. It returns nil when
// the tensor is uninitialized, fake, or too small for its dims.
func Data[T Numeric](t *DenseTensor) []T {
	if !t.Initialized() {
		return nil
	}
	buf := t.holder.buf
	var zero T
	width := int(unsafe.Sizeof(zero))
	n := int(t.Numel())
	if n == 0 || len(buf) < n*width {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&buf[0])), n)
}

// DataTypeOf maps a Go element type to its DataType.
func DataTypeOf[T Numeric]() DataType {
	var zero T
	switch any(zero).(type) {
	case int32:
		return Int32
	case int64:
		return Int64
	case float32:
		return Float32
	case float64:
		return Float64
	case uint8:
		return Uint8
	case int8:
		return Int8
	case complex64:
		return Complex64
	case complex128:
		return Complex128
	}
	return Undefined
}

// SelectedRows is a sparse tensor: a subset of rows of a logical
// [height, ...] tensor.
type SelectedRows struct {
	Rows   []int64
	Height int64
	value  *DenseTensor
}

func NewSelectedRows() *SelectedRows {
	return &SelectedRows{value: NewDenseTensor()}
}

func (*SelectedRows) Kind() PayloadKind { return KindSelectedRows }

// Value is the dense tensor holding the selected rows.
func (s *SelectedRows) Value() *DenseTensor { return s.value }

// TensorArray is an ordered sequence of dense tensors.
type TensorArray struct {
	Tensors []*DenseTensor
}

func (*TensorArray) Kind() PayloadKind { return KindTensorArray }

// Strings is a list of strings.
type Strings struct {
	Values []string
}

func (*Strings) Kind() PayloadKind { return KindStrings }

// FetchList collects fetched results by column.
type FetchList struct {
	Items []*DenseTensor
}

func (*FetchList) Kind() PayloadKind { return KindFetchList }

// Set stores t at column col, growing the list as needed.
func (f *FetchList) Set(col int, t *DenseTensor) {
	for len(f.Items) <= col {
		f.Items = append(f.Items, nil)
	}
	f.Items[col] = t
}

// RawPayload is an opaque placeholder payload.
type RawPayload struct{}

func (*RawPayload) Kind() PayloadKind { return KindRaw }
