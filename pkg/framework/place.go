package framework

import (
	"fmt"
	"strconv"
	"strings"
)

// PlaceKind is the device class of a Place.
type PlaceKind int

const (
	PlaceUndefined PlaceKind = iota
	PlaceCPU
	PlaceGPU
	PlaceNPU
	PlaceXPU
	PlaceIPU
	PlaceCustom
)

var placeKindNames = map[PlaceKind]string{
	PlaceUndefined: "undefined",
	PlaceCPU:       "cpu",
	PlaceGPU:       "gpu",
	PlaceNPU:       "npu",
	PlaceXPU:       "xpu",
	PlaceIPU:       "ipu",
	PlaceCustom:    "custom",
}

func (k PlaceKind) String() string {
	if name, ok := placeKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("PlaceKind(%d)", int(k))
}

// ParsePlaceKind maps a device class name to its kind.
func ParsePlaceKind(s string) (PlaceKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for kind, name := range placeKindNames {
		if name == s {
			return kind, nil
		}
	}
	return PlaceUndefined, fmt.Errorf("unknown place kind %q", s)
}

// Place identifies a device: a class plus a device index.
type Place struct {
	Kind   PlaceKind
	Device int
}

func CPUPlace() Place           { return Place{Kind: PlaceCPU} }
func GPUPlace(device int) Place { return Place{Kind: PlaceGPU, Device: device} }
func NPUPlace(device int) Place { return Place{Kind: PlaceNPU, Device: device} }
func XPUPlace(device int) Place { return Place{Kind: PlaceXPU, Device: device} }
func IPUPlace(device int) Place { return Place{Kind: PlaceIPU, Device: device} }

// CustomPlace is a plugin device.
func CustomPlace(device int) Place { return Place{Kind: PlaceCustom, Device: device} }

func (p Place) IsCPU() bool       { return p.Kind == PlaceCPU }
func (p Place) IsGPU() bool       { return p.Kind == PlaceGPU }
func (p Place) IsUndefined() bool { return p.Kind == PlaceUndefined }

// SameClass reports whether two places are of the same device class,
// ignoring the device index.
func SameClass(a, b Place) bool {
	return a.Kind == b.Kind
}

func (p Place) String() string {
	switch p.Kind {
	case PlaceCPU, PlaceUndefined:
		return p.Kind.String()
	default:
		return fmt.Sprintf("%s:%d", p.Kind, p.Device)
	}
}

// ParsePlace parses "cpu", "gpu", "gpu:1", "xpu:0" and similar.
func ParsePlace(s string) (Place, error) {
	name, idx, hasIdx := strings.Cut(strings.TrimSpace(s), ":")
	kind, err := ParsePlaceKind(name)
	if err != nil {
		return Place{}, err
	}
	if kind == PlaceUndefined {
		return Place{}, fmt.Errorf("place %q is undefined", s)
	}
	p := Place{Kind: kind}
	if hasIdx {
		if kind == PlaceCPU {
			return Place{}, fmt.Errorf("cpu place takes no device index: %q", s)
		}
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			return Place{}, fmt.Errorf("invalid device index in %q", s)
		}
		p.Device = n
	}
	return p, nil
}

// MarshalText implements encoding.TextMarshaler.
func (p Place) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Place) UnmarshalText(text []byte) error {
	parsed, err := ParsePlace(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
