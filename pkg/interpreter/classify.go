package interpreter

import (
	"strings"

	"github.com/openfroyo/graphexec/pkg/framework"
)

// Operator types with special scheduling.
const (
	OpMemcpyH2D      = "memcpy_h2d"
	OpMemcpyD2H      = "memcpy_d2h"
	OpTransferDType  = "transfer_dtype"
	OpTransferLayout = "transfer_layout"
	OpCoalesceTensor = "coalesce_tensor"
	OpShape          = "shape"
	OpFetch          = "fetch_v2"
)

var specialCommOps = map[string]bool{
	"send":    true,
	"recv":    true,
	"send_v2": true,
	"recv_v2": true,
}

// IsCommunicationOp reports whether opType is a collective or point to
// point communication op.
func IsCommunicationOp(opType string) bool {
	return strings.Contains(opType, "c_") || specialCommOps[opType]
}

// IsGradOp reports whether opType is a backward op.
func IsGradOp(opType string) bool {
	return strings.HasSuffix(opType, "_grad")
}

// IsSupportedHeterPlace reports whether place is a device the builder can
// schedule asynchronous work on.
func IsSupportedHeterPlace(place framework.Place) bool {
	switch place.Kind {
	case framework.PlaceGPU, framework.PlaceNPU, framework.PlaceXPU, framework.PlaceIPU, framework.PlaceCustom:
		return true
	}
	return false
}

// IsCpuOp reports whether instr runs on the host device context.
func IsCpuOp(instr *Instruction) bool {
	return instr.Device != nil && instr.Device.Place().IsCPU()
}

func IsMemcpyD2H(instr *Instruction) bool {
	return instr.Op.Type == OpMemcpyD2H
}

func IsMemcpyH2D(instr *Instruction) bool {
	return instr.Op.Type == OpMemcpyH2D
}

func IsMemcpyOp(instr *Instruction) bool {
	return IsMemcpyD2H(instr) || IsMemcpyH2D(instr)
}

// AnalyseOpFuncType picks the scheduling class of op running on place.
// Device ops that mostly compute on the host are classified GPUSync so
// they do not hold up the device launch lane.
func AnalyseOpFuncType(op *Operator, place framework.Place) (framework.OpFuncType, error) {
	if place.IsCPU() {
		return framework.CPUSync, nil
	}
	if !IsSupportedHeterPlace(place) {
		return framework.CPUSync, framework.NewUnsupportedDeviceError("unsupported current place "+place.String(), nil).
			WithOp(op.Type).
			WithCode(framework.ErrCodeUnsupportedPlace)
	}
	switch {
	case op.Type == OpCoalesceTensor &&
		!op.Attrs.BoolOr("set_constant", false) &&
		!op.Attrs.BoolOr("copy_data", false):
		return framework.GPUSync, nil
	case op.Type == OpMemcpyD2H:
		return framework.GPUSync, nil
	case op.Type == OpShape:
		return framework.GPUSync, nil
	}
	return framework.GPUAsync, nil
}
