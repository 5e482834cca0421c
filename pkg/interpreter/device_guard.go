package interpreter

import (
	"fmt"
	"strings"

	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/kernels"
)

// guardedKinds are the device classes op_device may name explicitly.
var guardedKinds = []framework.PlaceKind{framework.PlaceGPU, framework.PlaceNPU, framework.PlaceXPU}

// ApplyDeviceGuard rewrites the place of key according to the op_device
// attribute of op, then binds key to the ambient place when both are of
// the same device class. An op placed on a device it has no kernel for is
// moved to the host and warn is called once per (op type, device class).
func ApplyDeviceGuard(op *Operator, place framework.Place, key *framework.KernelKey, reg *kernels.Registry, warn func(Warning)) error {
	if dev := op.OpDevice(); dev != "" {
		if err := guard(op, dev, place, key, reg, warn); err != nil {
			return err
		}
	}
	if framework.SameClass(place, key.Place) {
		key.Place = place
	}
	return nil
}

func guard(op *Operator, dev string, place framework.Place, key *framework.KernelKey, reg *kernels.Registry, warn func(Warning)) error {
	if dev == "cpu" || place.IsCPU() {
		key.Place = framework.CPUPlace()
		return nil
	}
	for _, kind := range guardedKinds {
		if !strings.Contains(dev, kind.String()) || place.Kind != kind {
			continue
		}
		if SupportsPlaceKind(reg, op, kind) {
			key.Place = place
			return nil
		}
		key.Place = framework.CPUPlace()
		if warn != nil {
			warn(Warning{
				Kind:    WarnDeviceDowngrade,
				Key:     op.Type + "/" + kind.String(),
				Message: fmt.Sprintf("op %s has no %s implementation, it will be assigned to cpu", op.Type, strings.ToUpper(kind.String())),
			})
		}
		return nil
	}
	return framework.NewUnsupportedDeviceError(fmt.Sprintf("unsupported op_device %q on place %s", dev, place), nil).
		WithOp(op.Type).
		WithCode(framework.ErrCodeUnsupportedPlace)
}

// SupportsPlaceKind reports whether op has a kernel for device class kind
// in either the legacy table or, through its signature, the structured
// registry.
func SupportsPlaceKind(reg *kernels.Registry, op *Operator, kind framework.PlaceKind) bool {
	if reg.SupportsPlaceKind(op.Type, kind) {
		return true
	}
	if op.Info == nil || op.Info.Signature == nil {
		return false
	}
	for _, k := range reg.StructuredKernelsFor(op.Info.Signature.Name) {
		if k.Key.Place.Kind == kind {
			return true
		}
	}
	return false
}
