package interpreter

import (
	"testing"

	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/kernels"
)

func boundOp(t *testing.T, reg *kernels.Registry, opType, dev string) *Operator {
	t.Helper()
	info, ok := reg.OpInfo(opType)
	if !ok {
		t.Fatalf("op %s is not registered", opType)
	}
	desc := framework.NewOpDesc(opType)
	if dev != "" {
		desc.SetAttr(AttrOpDevice, dev)
	}
	return NewOperator(desc, info)
}

func TestApplyDeviceGuard(t *testing.T) {
	reg := newRegistry(t)
	registerHostOp(t, reg, "host_only", hostFill)
	gpu := framework.GPUPlace(1)

	tests := []struct {
		name  string
		op    string
		dev   string
		place framework.Place
		key   framework.Place
		want  framework.Place
		warns int
	}{
		{"no op_device binds same class", "relu", "", gpu, framework.GPUPlace(0), gpu, 0},
		{"no op_device keeps other class", "relu", "", gpu, framework.CPUPlace(), framework.CPUPlace(), 0},
		{"cpu op_device", "relu", "cpu", gpu, framework.GPUPlace(0), framework.CPUPlace(), 0},
		{"host place", "relu", "gpu:0", framework.CPUPlace(), framework.GPUPlace(0), framework.CPUPlace(), 0},
		{"gpu kernel available", "relu", "gpu:1", gpu, framework.GPUPlace(0), gpu, 0},
		{"no gpu kernel", "host_only", "gpu:1", gpu, framework.GPUPlace(0), framework.CPUPlace(), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var warned []Warning
			key := framework.KernelKey{Place: tt.key, DType: framework.Float32}
			err := ApplyDeviceGuard(boundOp(t, reg, tt.op, tt.dev), tt.place, &key, reg, func(w Warning) {
				warned = append(warned, w)
			})
			if err != nil {
				t.Fatalf("ApplyDeviceGuard() error = %v", err)
			}
			if key.Place != tt.want {
				t.Errorf("key place = %s, want %s", key.Place, tt.want)
			}
			if len(warned) != tt.warns {
				t.Fatalf("warnings = %v, want %d", warned, tt.warns)
			}
			if tt.warns > 0 && (warned[0].Kind != WarnDeviceDowngrade || warned[0].Key != "host_only/gpu") {
				t.Errorf("warning = %+v", warned[0])
			}
		})
	}
}

func TestApplyDeviceGuardUnsupportedDevice(t *testing.T) {
	reg := newRegistry(t)
	key := framework.KernelKey{Place: framework.GPUPlace(0)}
	err := ApplyDeviceGuard(boundOp(t, reg, "relu", "npu:0"), framework.GPUPlace(0), &key, reg, nil)
	if !framework.IsUnsupportedDevice(err) {
		t.Fatalf("error = %v, want unsupported device", err)
	}
	if be := buildErrorCode(t, err); be.OpType != "relu" || be.Code != framework.ErrCodeUnsupportedPlace {
		t.Errorf("error = %+v", be)
	}
}

func TestSupportsPlaceKind(t *testing.T) {
	reg := newRegistry(t)
	registerHostOp(t, reg, "host_only", hostFill)
	if !SupportsPlaceKind(reg, boundOp(t, reg, "relu", ""), framework.PlaceGPU) {
		t.Error("relu has a structured gpu kernel")
	}
	if SupportsPlaceKind(reg, boundOp(t, reg, "host_only", ""), framework.PlaceGPU) {
		t.Error("host_only has no gpu kernel")
	}
	if !SupportsPlaceKind(reg, boundOp(t, reg, "host_only", ""), framework.PlaceCPU) {
		t.Error("host_only has a cpu kernel")
	}
}

func TestWarnOnce(t *testing.T) {
	w := NewWarnOnce(nil, nil)
	warning := Warning{Kind: WarnDeviceDowngrade, Key: "relu/gpu", Message: "downgraded"}
	if !w.Warn(warning) {
		t.Error("first Warn() = false")
	}
	if w.Warn(warning) {
		t.Error("second Warn() = true")
	}
	if !w.Seen(WarnDeviceDowngrade, "relu/gpu") {
		t.Error("Seen() = false after Warn")
	}
	if w.Seen(WarnMissingComm, "relu/gpu") {
		t.Error("Seen() matched another kind")
	}

	set := newWarningSet(w)
	set.warn(warning)
	set.warn(warning)
	set.warn(Warning{Kind: WarnMissingComm, Key: "c_allreduce_sum/5"})
	if len(set.list) != 2 {
		t.Errorf("build warnings = %v, want 2 distinct", set.list)
	}
}
