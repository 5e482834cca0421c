package interpreter

import (
	"strings"
	"testing"

	"github.com/openfroyo/graphexec/pkg/device"
	"github.com/openfroyo/graphexec/pkg/framework"
)

func TestBlockCanBeStaticBuilt(t *testing.T) {
	reg := newRegistry(t)
	registerHostOp(t, reg, "fused_batch_norm_act", hostFill)

	block := framework.NewBlockDesc(0)
	for _, op := range []string{"unique", "relu", "fused_batch_norm_act", "unique", "abs", "eig"} {
		block.AppendOp(op)
	}
	ok, blockers := BlockCanBeStaticBuilt(block, reg)
	if ok {
		t.Fatal("block with unplannable ops reported as plannable")
	}
	want := []StaticBuildBlocker{
		{OpType: "eig", NeedSetDtype: true},
		{OpType: "fused_batch_norm_act", HasLegacyKernel: true, NeedMoveToPhi: true},
		{OpType: "unique", NeedSetDtype: true},
	}
	if len(blockers) != len(want) {
		t.Fatalf("blockers = %v, want %v", blockers, want)
	}
	for i := range want {
		if blockers[i] != want[i] {
			t.Errorf("blockers[%d] = %+v, want %+v", i, blockers[i], want[i])
		}
	}

	msg := FormatBlockers(blockers)
	if !strings.HasPrefix(msg, "the following ops are unable to static build:\n") {
		t.Errorf("FormatBlockers() = %q", msg)
	}
	if !strings.Contains(msg, "fused_batch_norm_act [has_legacy_kernel = true, has_structure_kernel = false, need_move_to_phi = true, need_set_dtype = false]") {
		t.Errorf("FormatBlockers() = %q", msg)
	}
}

func TestBlockCanBeStaticBuiltPlainBlock(t *testing.T) {
	block := framework.NewBlockDesc(0)
	fillOp(block, "X", "float32", 1, 2)
	unaryOp(block, "relu", "X", "Y")
	if ok, blockers := BlockCanBeStaticBuilt(block, newRegistry(t)); !ok || len(blockers) != 0 {
		t.Errorf("BlockCanBeStaticBuilt() = %t, %v", ok, blockers)
	}
}

func TestFakeInitializeTensor(t *testing.T) {
	pool := device.NewPool()
	gpu := framework.GPUPlace(0)
	dc := pool.Get(gpu)

	onDevice := framework.NewDenseTensor()
	if err := FakeInitializeTensor(dc, framework.Float32, gpu, onDevice); err != nil {
		t.Fatalf("FakeInitializeTensor(gpu) error = %v", err)
	}
	if !onDevice.Holder().Fake || onDevice.Place() != gpu || onDevice.DType() != framework.Float32 {
		t.Errorf("tensor = %s", onDevice)
	}

	onHost := framework.NewDenseTensor()
	if err := FakeInitializeTensor(dc, framework.Int64, framework.CPUPlace(), onHost); err != nil {
		t.Fatalf("FakeInitializeTensor(cpu) error = %v", err)
	}
	if onHost.Place() != framework.CPUPlace() {
		t.Errorf("host tensor place = %s", onHost.Place())
	}

	err := FakeInitializeTensor(dc, framework.Float32, framework.GPUPlace(1), framework.NewDenseTensor())
	if be := buildErrorCode(t, err); be.Code != framework.ErrCodeUnavailable {
		t.Errorf("code = %s, want UNAVAILABLE", be.Code)
	}

	for _, place := range []framework.Place{gpu, framework.CPUPlace()} {
		st := pool.Stats(place)
		if st.Fake != 1 || st.Allocations != 0 || st.Allocated != 0 {
			t.Errorf("%s stats = %+v, want one fake allocation only", place, st)
		}
	}
}
