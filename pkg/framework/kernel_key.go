package framework

import (
	"fmt"
	"strings"
)

// Layout is the memory layout tag of a tensor.
type Layout int

const (
	LayoutAny Layout = iota
	LayoutNCHW
	LayoutNHWC
	LayoutOneDNN
)

var layoutNames = map[Layout]string{
	LayoutAny:    "any",
	LayoutNCHW:   "nchw",
	LayoutNHWC:   "nhwc",
	LayoutOneDNN: "onednn",
}

func (l Layout) String() string {
	if name, ok := layoutNames[l]; ok {
		return name
	}
	return fmt.Sprintf("Layout(%d)", int(l))
}

func ParseLayout(s string) (Layout, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "undefined" {
		return LayoutAny, nil
	}
	for l, name := range layoutNames {
		if name == s {
			return l, nil
		}
	}
	return LayoutAny, fmt.Errorf("unknown layout %q", s)
}

// Library is the kernel implementation family.
type Library int

const (
	LibraryPlain Library = iota
	LibraryCUDNN
	LibraryOneDNN
)

func (l Library) String() string {
	switch l {
	case LibraryPlain:
		return "plain"
	case LibraryCUDNN:
		return "cudnn"
	case LibraryOneDNN:
		return "onednn"
	default:
		return fmt.Sprintf("Library(%d)", int(l))
	}
}

// KernelKey selects a kernel: the tuple (place, data type, layout, library).
type KernelKey struct {
	Place   Place
	DType   DataType
	Layout  Layout
	Library Library
}

func (k KernelKey) String() string {
	return fmt.Sprintf("{place=%s, dtype=%s, layout=%s, library=%s}", k.Place, k.DType, k.Layout, k.Library)
}

// WithPlace returns a copy of k bound to p.
func (k KernelKey) WithPlace(p Place) KernelKey {
	k.Place = p
	return k
}

// IsZero reports whether k is the zero key.
func (k KernelKey) IsZero() bool {
	return k == KernelKey{}
}
