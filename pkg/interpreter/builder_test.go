package interpreter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/graphexec/pkg/device"
	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/kernels"
	"github.com/openfroyo/graphexec/pkg/kernels/builtin"
	"github.com/openfroyo/graphexec/pkg/telemetry"
	"github.com/openfroyo/graphexec/pkg/workqueue"
)

func newRegistry(t *testing.T) *kernels.Registry {
	t.Helper()
	reg, err := builtin.NewRegistry()
	if err != nil {
		t.Fatalf("builtin.NewRegistry() error = %v", err)
	}
	return reg
}

// registerHostOp adds an op with a single host legacy kernel.
func registerHostOp(t *testing.T, reg *kernels.Registry, opType string, fn kernels.KernelFn) {
	t.Helper()
	if err := reg.RegisterOp(&kernels.OpInfo{Type: opType}); err != nil {
		t.Fatalf("RegisterOp(%s) error = %v", opType, err)
	}
	k := &kernels.LegacyKernel{OpType: opType, Key: framework.KernelKey{Place: framework.CPUPlace()}, Fn: fn}
	if err := reg.RegisterLegacy(k); err != nil {
		t.Fatalf("RegisterLegacy(%s) error = %v", opType, err)
	}
}

func hostFill(ctx *kernels.ExecContext) error {
	out, err := ctx.OutputTensor("Out")
	if err != nil {
		return err
	}
	out.SetDims([]int64{1})
	return ctx.Device.HostAlloc(out, framework.Float32, -1, false)
}

func prepareScope(t *testing.T, block *framework.BlockDesc, cfg ExecutionConfig) *VariableScope {
	t.Helper()
	vs := NewVariableScope(framework.NewScope())
	if err := BuildVariableScope(block, cfg, vs); err != nil {
		t.Fatalf("BuildVariableScope() error = %v", err)
	}
	return vs
}

func setFloats(t *testing.T, dc *device.Context, v *framework.Variable, values ...float32) {
	t.Helper()
	tensor := v.DenseTensor()
	tensor.SetDims([]int64{int64(len(values))})
	if err := dc.Alloc(tensor, framework.Float32, -1, false); err != nil {
		t.Fatalf("alloc %s: %v", v.Name(), err)
	}
	copy(framework.Data[float32](tensor), values)
}

func floatsOf(t *testing.T, scope *framework.Scope, name string) []float32 {
	t.Helper()
	v := scope.FindVar(name)
	if v == nil {
		t.Fatalf("variable %s not found", name)
	}
	tensor := framework.PeekTensor(v)
	if !tensor.Initialized() {
		t.Fatalf("variable %s has no storage", name)
	}
	return framework.Data[float32](tensor)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func fillOp(block *framework.BlockDesc, out string, dtype string, value float64, shape ...int64) {
	block.Var(out)
	block.AppendOp("fill_constant").
		SetOutput("Out", out).
		SetAttr("shape", shape).
		SetAttr("dtype", dtype).
		SetAttr("value", value)
}

func unaryOp(block *framework.BlockDesc, opType, in, out string) *framework.OpDesc {
	block.Var(out)
	return block.AppendOp(opType).SetInput("X", in).SetOutput("Out", out)
}

func buildErrorCode(t *testing.T, err error) *framework.BuildError {
	t.Helper()
	var be *framework.BuildError
	if !errors.As(err, &be) {
		t.Fatalf("error %v is not a BuildError", err)
	}
	return be
}

func TestBuildAddOnHost(t *testing.T) {
	reg := newRegistry(t)
	pool := device.NewPool()

	block := framework.NewBlockDesc(0)
	for _, n := range []string{"A", "B", "C"} {
		block.Var(n)
	}
	block.AppendOp("elementwise_add").SetInput("X", "A").SetInput("Y", "B").SetOutput("Out", "C")

	cfg := DefaultExecutionConfig()
	cfg.SkipGCVars = []string{"C"}
	vs := prepareScope(t, block, cfg)
	cpu := pool.Get(framework.CPUPlace())
	setFloats(t, cpu, vs.Scope().FindVar("A"), 1, 2)
	setFloats(t, cpu, vs.Scope().FindVar("B"), 3, 4)

	res, err := NewBuilder(reg, pool).Build(context.Background(), framework.CPUPlace(), block, vs, cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if len(res.Instructions) != 1 {
		t.Fatalf("got %d instructions, want 1", len(res.Instructions))
	}
	instr := res.Instructions[0]
	if instr.Type != framework.CPUSync {
		t.Errorf("Type = %s, want cpu_sync", instr.Type)
	}
	if instr.Path != kernels.PathStructured || instr.KernelName() != "add" {
		t.Errorf("kernel = %s via %s, want add via structured", instr.KernelName(), instr.Path)
	}
	if got := res.UnusedVars[0]; !equalStrings(got, []string{"A", "B", "C"}) {
		t.Errorf("UnusedVars[0] = %v, want [A B C]", got)
	}
	if got := res.ReclaimSets[0]; !equalStrings(got, []string{"A", "B"}) {
		t.Errorf("ReclaimSets[0] = %v, want [A B]", got)
	}
	if res.Reclaimed != 2 {
		t.Errorf("Reclaimed = %d, want 2", res.Reclaimed)
	}
	if got := floatsOf(t, vs.Scope(), "C"); got[0] != 4 || got[1] != 6 {
		t.Errorf("C = %v, want [4 6]", got)
	}
	if framework.PeekTensor(vs.Scope().FindVar("A")).Initialized() {
		t.Error("A should have been reclaimed")
	}
	if st := pool.Stats(framework.CPUPlace()); st.Allocated != int64(2*framework.Float32.Size()) {
		t.Errorf("allocated = %d bytes, want only C", st.Allocated)
	}
}

func TestBuildChainOnDevice(t *testing.T) {
	reg := newRegistry(t)
	pool := device.NewPool()
	gpu := framework.GPUPlace(0)

	block := framework.NewBlockDesc(0)
	fillOp(block, "X", "float32", -1, 4)
	unaryOp(block, "relu", "X", "Y")
	unaryOp(block, "relu", "Y", "Z")

	cfg := DefaultExecutionConfig()
	cfg.SkipGCVars = []string{"Z"}
	vs := prepareScope(t, block, cfg)

	res, err := NewBuilder(reg, pool).Build(context.Background(), gpu, block, vs, cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(res.Instructions) != 3 {
		t.Fatalf("got %d instructions, want 3", len(res.Instructions))
	}
	for _, instr := range res.Instructions {
		if instr.Type != framework.GPUAsync {
			t.Errorf("%s: Type = %s, want gpu_async", instr.Op.Type, instr.Type)
		}
		if instr.Key.Place != gpu {
			t.Errorf("%s: place = %s, want %s", instr.Op.Type, instr.Key.Place, gpu)
		}
	}
	if got := res.ReclaimSets[1]; !equalStrings(got, []string{"X"}) {
		t.Errorf("ReclaimSets[1] = %v, want [X]", got)
	}
	if got := res.ReclaimSets[2]; !equalStrings(got, []string{"Y"}) {
		t.Errorf("ReclaimSets[2] = %v, want [Y]", got)
	}
	z := framework.PeekTensor(vs.Scope().FindVar("Z"))
	if z.Place() != gpu {
		t.Errorf("Z lives on %s, want %s", z.Place(), gpu)
	}
}

func TestBuildDeviceGuardDowngrade(t *testing.T) {
	reg := newRegistry(t)
	registerHostOp(t, reg, "host_fill", hostFill)

	block := framework.NewBlockDesc(0)
	for _, out := range []string{"A", "B"} {
		block.Var(out)
		block.AppendOp("host_fill").SetOutput("Out", out).SetAttr(AttrOpDevice, "gpu:0")
	}
	cfg := DefaultExecutionConfig()
	cfg.SkipGCVars = []string{"A", "B"}

	var buf bytes.Buffer
	logger := telemetry.Wrap(zerolog.New(&buf))
	b := NewBuilder(reg, device.NewPool(), WithLogger(logger))

	for run := 0; run < 2; run++ {
		vs := prepareScope(t, block, cfg)
		res, err := b.Build(context.Background(), framework.GPUPlace(0), block, vs, cfg)
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		for _, instr := range res.Instructions {
			if !instr.Key.Place.IsCPU() {
				t.Errorf("run %d: %s resolved to %s, want cpu", run, instr.Op.Type, instr.Key.Place)
			}
			if instr.Type != framework.CPUSync {
				t.Errorf("run %d: Type = %s, want cpu_sync", run, instr.Type)
			}
			if instr.Path != kernels.PathLegacy {
				t.Errorf("run %d: Path = %s, want legacy", run, instr.Path)
			}
		}
		if len(res.Warnings) != 1 || res.Warnings[0].Kind != WarnDeviceDowngrade {
			t.Errorf("run %d: Warnings = %+v, want one device downgrade", run, res.Warnings)
		}
	}

	if n := strings.Count(buf.String(), "will be assigned to cpu"); n != 1 {
		t.Errorf("downgrade logged %d times, want 1", n)
	}
}

func TestBuildDenylistedKernelFallsBackToHost(t *testing.T) {
	reg := newRegistry(t)
	pool := device.NewPool()
	deny := kernels.NewStaticDenylist().Add("relu", framework.PlaceGPU)

	block := framework.NewBlockDesc(0)
	fillOp(block, "X", "float32", -1, 2)
	unaryOp(block, "relu", "X", "Y")
	cfg := DefaultExecutionConfig()
	cfg.SkipGCVars = []string{"Y"}
	vs := prepareScope(t, block, cfg)

	res, err := NewBuilder(reg, pool, WithDenylist(deny)).Build(context.Background(), framework.GPUPlace(0), block, vs, cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	var types []string
	for _, instr := range res.Instructions {
		types = append(types, instr.Op.Type)
	}
	if !equalStrings(types, []string{"fill_constant", OpMemcpyD2H, "relu"}) {
		t.Fatalf("instructions = %v", types)
	}
	copyInstr, relu := res.Instructions[1], res.Instructions[2]
	if copyInstr.OpIndex != -1 || copyInstr.Type != framework.CPUSync {
		t.Errorf("transfer OpIndex = %d Type = %s, want -1 cpu_sync", copyInstr.OpIndex, copyInstr.Type)
	}
	if !IsMemcpyD2H(copyInstr) {
		t.Error("transfer should be a device to host copy")
	}
	if relu.Path != kernels.PathCPUFallback || !relu.Key.Place.IsCPU() {
		t.Errorf("relu resolved via %s on %s, want cpu_fallback on cpu", relu.Path, relu.Key.Place)
	}
	if got := floatsOf(t, vs.Scope(), "Y"); got[0] != 0 || got[1] != 0 {
		t.Errorf("Y = %v, want [0 0]", got)
	}
	found := false
	for _, w := range res.Warnings {
		if w.Kind == WarnKernelFallback {
			found = true
		}
	}
	if !found {
		t.Errorf("Warnings = %+v, want a kernel fallback", res.Warnings)
	}
}

func TestBuildNoKernel(t *testing.T) {
	reg := newRegistry(t)
	block := framework.NewBlockDesc(0)
	fillOp(block, "X", "int32", 1, 2)
	unaryOp(block, "relu", "X", "Y")
	cfg := DefaultExecutionConfig()
	vs := prepareScope(t, block, cfg)

	_, err := NewBuilder(reg, device.NewPool()).Build(context.Background(), framework.CPUPlace(), block, vs, cfg)
	if !framework.IsKernelResolution(err) {
		t.Fatalf("Build() error = %v, want kernel resolution error", err)
	}
	be := buildErrorCode(t, err)
	if be.Code != framework.ErrCodeNoKernel || be.OpType != "relu" {
		t.Errorf("error code = %s op = %s, want NO_KERNEL relu", be.Code, be.OpType)
	}
	if be.Key == nil || be.Key.DType != framework.Int32 {
		t.Errorf("error key = %v, want int32", be.Key)
	}
}

func TestBuildKernelErrors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name      string
		fn        kernels.KernelFn
		wantCode  string
		wantClass framework.ErrorClass
	}{
		{
			name:      "error",
			fn:        func(*kernels.ExecContext) error { return boom },
			wantCode:  framework.ErrCodeKernelFailed,
			wantClass: framework.ErrorClassRuntime,
		},
		{
			name:      "panic",
			fn:        func(*kernels.ExecContext) error { panic("bad kernel") },
			wantCode:  framework.ErrCodeKernelPanic,
			wantClass: framework.ErrorClassRuntime,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newRegistry(t)
			registerHostOp(t, reg, "flaky", tt.fn)
			block := framework.NewBlockDesc(0)
			block.Var("Out")
			block.AppendOp("flaky").SetOutput("Out", "Out").SetAttr("mode", "strict")
			cfg := DefaultExecutionConfig()
			vs := prepareScope(t, block, cfg)

			_, err := NewBuilder(reg, device.NewPool()).Build(context.Background(), framework.CPUPlace(), block, vs, cfg)
			be := buildErrorCode(t, err)
			if be.Class != tt.wantClass || be.Code != tt.wantCode {
				t.Errorf("error = %s/%s, want %s/%s", be.Class, be.Code, tt.wantClass, tt.wantCode)
			}
			if be.OpType != "flaky" {
				t.Errorf("OpType = %q, want flaky", be.OpType)
			}
			if be.Attrs["mode"] != "strict" {
				t.Errorf("Attrs = %v, want the op attributes", be.Attrs)
			}
		})
	}
}

func TestBuildKernelErrorWrapsCause(t *testing.T) {
	boom := errors.New("boom")
	reg := newRegistry(t)
	registerHostOp(t, reg, "flaky", func(*kernels.ExecContext) error { return boom })
	block := framework.NewBlockDesc(0)
	block.Var("Out")
	block.AppendOp("flaky").SetOutput("Out", "Out")
	cfg := DefaultExecutionConfig()
	vs := prepareScope(t, block, cfg)

	_, err := NewBuilder(reg, device.NewPool()).Build(context.Background(), framework.CPUPlace(), block, vs, cfg)
	if !errors.Is(err, boom) {
		t.Errorf("Build() error = %v, want it to wrap boom", err)
	}
}

func TestBuildEOFPassesThrough(t *testing.T) {
	reg := newRegistry(t)
	registerHostOp(t, reg, "reader", func(*kernels.ExecContext) error { return framework.ErrEOF })
	block := framework.NewBlockDesc(0)
	block.Var("Out")
	block.AppendOp("reader").SetOutput("Out", "Out")
	cfg := DefaultExecutionConfig()
	vs := prepareScope(t, block, cfg)

	_, err := NewBuilder(reg, device.NewPool()).Build(context.Background(), framework.CPUPlace(), block, vs, cfg)
	if err != framework.ErrEOF {
		t.Errorf("Build() error = %v, want ErrEOF unchanged", err)
	}
}

func TestBuildConfigurationErrors(t *testing.T) {
	reg := newRegistry(t)

	t.Run("unknown op", func(t *testing.T) {
		block := framework.NewBlockDesc(0)
		block.AppendOp("no_such_op")
		cfg := DefaultExecutionConfig()
		vs := prepareScope(t, block, cfg)
		_, err := NewBuilder(reg, device.NewPool()).Build(context.Background(), framework.CPUPlace(), block, vs, cfg)
		if be := buildErrorCode(t, err); be.Code != framework.ErrCodeUnknownOp {
			t.Errorf("code = %s, want UNKNOWN_OP", be.Code)
		}
	})

	t.Run("undeclared input", func(t *testing.T) {
		block := framework.NewBlockDesc(0)
		unaryOp(block, "relu", "missing", "Y")
		cfg := DefaultExecutionConfig()
		vs := prepareScope(t, block, cfg)
		_, err := NewBuilder(reg, device.NewPool()).Build(context.Background(), framework.CPUPlace(), block, vs, cfg)
		be := buildErrorCode(t, err)
		if be.Code != framework.ErrCodeUndeclaredVar || be.OpType != "relu" {
			t.Errorf("error = %s on %q, want UNDECLARED_VAR on relu", be.Code, be.OpType)
		}
	})

	t.Run("build in progress", func(t *testing.T) {
		block := framework.NewBlockDesc(0)
		cfg := DefaultExecutionConfig()
		vs := prepareScope(t, block, cfg)
		if err := vs.beginBuild(); err != nil {
			t.Fatalf("beginBuild() error = %v", err)
		}
		defer vs.endBuild()
		_, err := NewBuilder(reg, device.NewPool()).Build(context.Background(), framework.CPUPlace(), block, vs, cfg)
		if be := buildErrorCode(t, err); be.Code != framework.ErrCodeBuildInProgress {
			t.Errorf("code = %s, want BUILD_IN_PROGRESS", be.Code)
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		block := framework.NewBlockDesc(0)
		cfg := DefaultExecutionConfig()
		cfg.HostNumThreads = -1
		vs := prepareScope(t, block, DefaultExecutionConfig())
		_, err := NewBuilder(reg, device.NewPool()).Build(context.Background(), framework.CPUPlace(), block, vs, cfg)
		if !framework.IsConfiguration(err) {
			t.Errorf("Build() error = %v, want configuration error", err)
		}
	})
}

func TestBuildHonorsCancellation(t *testing.T) {
	reg := newRegistry(t)
	block := framework.NewBlockDesc(0)
	fillOp(block, "X", "float32", 1, 2)
	cfg := DefaultExecutionConfig()
	vs := prepareScope(t, block, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewBuilder(reg, device.NewPool()).Build(ctx, framework.CPUPlace(), block, vs, cfg)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Build() error = %v, want context.Canceled", err)
	}
	if err := vs.beginBuild(); err != nil {
		t.Errorf("scope still marked as building: %v", err)
	}
}

func TestPlanningModeUsesFakeStorage(t *testing.T) {
	reg := newRegistry(t)
	pool := device.NewPool()
	gpu := framework.GPUPlace(0)

	block := framework.NewBlockDesc(0)
	fillOp(block, "X", "float32", 1, 2, 3)
	unaryOp(block, "relu", "X", "Y")
	block.Var("S")
	block.AppendOp("shape").SetInput("Input", "Y").SetOutput("Out", "S")

	cfg := DefaultExecutionConfig()
	cfg.StaticBuild = true
	cfg.SkipGCVars = []string{"Y", "S"}
	vs := prepareScope(t, block, cfg)

	res, err := NewBuilder(reg, pool).Build(context.Background(), gpu, block, vs, cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !res.StaticBuild || len(res.Instructions) != 3 {
		t.Fatalf("StaticBuild = %t with %d instructions", res.StaticBuild, len(res.Instructions))
	}

	y := framework.PeekTensor(vs.Scope().FindVar("Y"))
	if y.DType() != framework.Float32 || y.Place() != gpu || !y.Holder().Fake {
		t.Errorf("Y = %s fake=%t, want float32 fake storage on %s", y, y.Holder().Fake, gpu)
	}
	if d := y.Dims(); len(d) != 2 || d[0] != 2 || d[1] != 3 {
		t.Errorf("Y dims = %v, want [2 3]", d)
	}
	s := framework.PeekTensor(vs.Scope().FindVar("S"))
	if s.DType() != framework.Int32 || !s.Place().IsCPU() {
		t.Errorf("S = %s on %s, want int32 on cpu", s, s.Place())
	}
	if res.Instructions[2].Type != framework.GPUSync {
		t.Errorf("shape classified %s, want gpu_sync", res.Instructions[2].Type)
	}

	for _, place := range []framework.Place{gpu, framework.CPUPlace()} {
		if st := pool.Stats(place); st.Allocated != 0 || st.Allocations != 0 {
			t.Errorf("%s: %d bytes in %d real allocations, want none", place, st.Allocated, st.Allocations)
		}
	}
	if st := pool.Stats(gpu); st.Fake == 0 {
		t.Error("expected fake allocations on the device")
	}

	q := workqueue.NewAsyncWorkQueue(1, 1, nil)
	defer q.Release()
	if err := res.Replay(context.Background(), q); !framework.IsConfiguration(err) {
		t.Errorf("Replay() of a planned build error = %v, want configuration error", err)
	}
}

func TestPlanningModeRejectsBlockers(t *testing.T) {
	reg := newRegistry(t)
	block := framework.NewBlockDesc(0)
	block.Var("X")
	block.AppendOp("unique").SetInput("X", "X").SetOutput("Out", "X")
	cfg := DefaultExecutionConfig()
	cfg.StaticBuild = true
	vs := prepareScope(t, block, cfg)

	_, err := NewBuilder(reg, device.NewPool()).Build(context.Background(), framework.CPUPlace(), block, vs, cfg)
	be := buildErrorCode(t, err)
	if be.Code != framework.ErrCodeNotStaticBuild {
		t.Fatalf("code = %s, want NOT_STATIC_BUILD", be.Code)
	}
	blockers, ok := be.Details["blockers"].([]StaticBuildBlocker)
	if !ok || len(blockers) != 1 || blockers[0].OpType != "unique" {
		t.Errorf("blockers = %v", be.Details["blockers"])
	}
}

func TestComplexGradCastToReal(t *testing.T) {
	reg := newRegistry(t)
	pool := device.NewPool()

	block := framework.NewBlockDesc(0)
	block.Var("X").DType = framework.Float32
	block.Var("Y").DType = framework.Float32
	block.Var("Out@GRAD")
	block.Var("X@GRAD").DType = framework.Float32
	block.Var("Y@GRAD").DType = framework.Float32
	block.AppendOp("elementwise_add_grad").
		SetInput("X", "X").
		SetInput("Y", "Y").
		SetInput("Out@GRAD", "Out@GRAD").
		SetOutput("X@GRAD", "X@GRAD").
		SetOutput("Y@GRAD", "Y@GRAD")

	cfg := DefaultExecutionConfig()
	cfg.SkipGCVars = []string{"X@GRAD", "Y@GRAD"}
	vs := prepareScope(t, block, cfg)

	dout := vs.Scope().FindVar("Out@GRAD").DenseTensor()
	dout.SetDims([]int64{2})
	if err := pool.Get(framework.CPUPlace()).Alloc(dout, framework.Complex64, -1, false); err != nil {
		t.Fatalf("alloc: %v", err)
	}
	copy(framework.Data[complex64](dout), []complex64{complex(1, 2), complex(3, -1)})

	res, err := NewBuilder(reg, pool).Build(context.Background(), framework.CPUPlace(), block, vs, cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	var types []string
	for _, instr := range res.Instructions {
		types = append(types, instr.Op.Type)
	}
	if !equalStrings(types, []string{"elementwise_add_grad", OpTransferDType, OpTransferDType}) {
		t.Fatalf("instructions = %v", types)
	}
	if res.Instructions[0].Key.DType != framework.Complex64 {
		t.Errorf("grad kernel dtype = %s, want complex64", res.Instructions[0].Key.DType)
	}
	for _, name := range []string{"X@GRAD", "Y@GRAD"} {
		tensor := framework.PeekTensor(vs.Scope().FindVar(name))
		if tensor.DType() != framework.Float32 {
			t.Errorf("%s dtype = %s, want float32", name, tensor.DType())
			continue
		}
		if got := framework.Data[float32](tensor); got[0] != 1 || got[1] != 3 {
			t.Errorf("%s = %v, want [1 3]", name, got)
		}
	}
}

func TestCommunicationOps(t *testing.T) {
	reg := newRegistry(t)

	t.Run("bound ring", func(t *testing.T) {
		comms := device.NewCommContextManager()
		comms.Set(&device.CommContext{RingID: 3, Backend: "nccl", Ranks: 1})
		block := framework.NewBlockDesc(0)
		fillOp(block, "X", "float32", 2, 2)
		unaryOp(block, "c_allreduce_sum", "X", "Y").SetAttr(AttrRingID, 3)
		cfg := DefaultExecutionConfig()
		cfg.SkipGCVars = []string{"Y"}
		vs := prepareScope(t, block, cfg)

		res, err := NewBuilder(reg, device.NewPool(), WithCommContexts(comms)).
			Build(context.Background(), framework.GPUPlace(0), block, vs, cfg)
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		instr := res.Instructions[1]
		if instr.CommRing != 3 {
			t.Errorf("CommRing = %d, want 3", instr.CommRing)
		}
		if instr.SchedulingPriority != 1 {
			t.Errorf("SchedulingPriority = %d, want 1", instr.SchedulingPriority)
		}
		if instr.Op.Attrs.BoolOr(AttrUseCalcStream, true) {
			t.Error("use_calc_stream should be restored to false after the build")
		}
		if res.Instructions[0].CommRing != -1 {
			t.Errorf("fill_constant CommRing = %d, want -1: it was built before the ring was bound", res.Instructions[0].CommRing)
		}
	})

	t.Run("missing ring", func(t *testing.T) {
		block := framework.NewBlockDesc(0)
		fillOp(block, "X", "float32", 2, 2)
		unaryOp(block, "c_allreduce_sum", "X", "Y").
			SetAttr(AttrRingID, 5)
		block.Ops[1].DistAttr = &framework.DistAttr{ExecutionStream: "comm", StreamPriority: -1, SchedulingPriority: 7}
		cfg := DefaultExecutionConfig()
		vs := prepareScope(t, block, cfg)

		res, err := NewBuilder(reg, device.NewPool()).Build(context.Background(), framework.CPUPlace(), block, vs, cfg)
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		instr := res.Instructions[1]
		if instr.CommRing != -1 {
			t.Errorf("CommRing = %d, want -1", instr.CommRing)
		}
		if instr.ExecutionStream != "comm" || instr.StreamPriority != -1 || instr.SchedulingPriority != 7 {
			t.Errorf("stream = %q/%d/%d, want comm/-1/7", instr.ExecutionStream, instr.StreamPriority, instr.SchedulingPriority)
		}
		if len(res.Warnings) != 1 || res.Warnings[0].Kind != WarnMissingComm {
			t.Errorf("Warnings = %+v, want one missing comm context", res.Warnings)
		}
	})
}

func TestCheckNaNInf(t *testing.T) {
	reg := newRegistry(t)
	registerHostOp(t, reg, "make_nan", func(ctx *kernels.ExecContext) error {
		if err := hostFill(ctx); err != nil {
			return err
		}
		out, _ := ctx.OutputTensor("Out")
		framework.Data[float32](out)[0] = float32(zero() / zero())
		return nil
	})
	block := framework.NewBlockDesc(0)
	block.Var("Out")
	block.AppendOp("make_nan").SetOutput("Out", "Out")
	cfg := DefaultExecutionConfig()
	cfg.CheckNaNInf = true
	vs := prepareScope(t, block, cfg)

	_, err := NewBuilder(reg, device.NewPool()).Build(context.Background(), framework.CPUPlace(), block, vs, cfg)
	if be := buildErrorCode(t, err); be.Code != framework.ErrCodeNaNInf {
		t.Errorf("code = %s, want NAN_INF", be.Code)
	}
}

func zero() float64 { return 0 }

func TestFetchAndReplay(t *testing.T) {
	reg := newRegistry(t)
	block := framework.NewBlockDesc(0)
	fillOp(block, "X", "float32", 2, 3)
	block.Var("Y")
	block.AppendOp("elementwise_add").SetInput("X", "X").SetInput("Y", "X").SetOutput("Out", "Y")
	AddFetch([]string{"Y"}, block)

	cfg := DefaultExecutionConfig()
	vs := prepareScope(t, block, cfg)
	res, err := NewBuilder(reg, device.NewPool()).Build(context.Background(), framework.CPUPlace(), block, vs, cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	check := func(stage string) {
		t.Helper()
		results := FetchResults(vs.Scope())
		if len(results) != 1 {
			t.Fatalf("%s: got %d fetch results, want 1", stage, len(results))
		}
		for _, v := range framework.Data[float32](results[0]) {
			if v != 4 {
				t.Fatalf("%s: fetched %v, want all 4", stage, framework.Data[float32](results[0]))
			}
		}
	}
	check("build")

	for _, names := range res.ReclaimSets {
		for _, n := range names {
			if n == FetchVarName {
				t.Errorf("persistable fetch list was reclaimed")
			}
		}
	}

	host, dev := cfg.Threads()
	q := workqueue.NewAsyncWorkQueue(host, dev, nil)
	defer q.Release()
	for i := 0; i < 2; i++ {
		if err := res.Replay(context.Background(), q); err != nil {
			t.Fatalf("Replay() error = %v", err)
		}
		check("replay")
	}
}

func TestOperatorBaseRunsInPlanningMode(t *testing.T) {
	reg := newRegistry(t)
	block := framework.NewBlockDesc(0)
	fillOp(block, "X", "float32", 1, 2)
	block.Var("summary").Type = framework.KindStrings
	block.AppendOp("tensor_summary").SetInput("X", "X").SetOutput("Out", "summary")
	cfg := DefaultExecutionConfig()
	cfg.StaticBuild = true
	vs := prepareScope(t, block, cfg)

	res, err := NewBuilder(reg, device.NewPool()).Build(context.Background(), framework.GPUPlace(0), block, vs, cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	instr := res.Instructions[1]
	if instr.KernelKind() != KindOperatorBase {
		t.Errorf("KernelKind = %s, want operator_base", instr.KernelKind())
	}
	if instr.Type != framework.GPUAsync {
		t.Errorf("Type = %s, want gpu_async", instr.Type)
	}
	s, ok := vs.Scope().FindVar("summary").Payload().(*framework.Strings)
	if !ok || len(s.Values) != 1 {
		t.Errorf("summary payload = %v, want one line", vs.Scope().FindVar("summary").Payload())
	}
}

// registerFloat32Op adds a host op whose only kernel takes float32 and
// adds one to every listed input, writing the matching output.
func registerFloat32Op(t *testing.T, reg *kernels.Registry, opType string, params map[string]string) {
	t.Helper()
	info := &kernels.OpInfo{
		Type: opType,
		ExpectedKernelKey: func(ctx *kernels.ExecContext) framework.KernelKey {
			return framework.KernelKey{Place: ctx.Place(), DType: framework.Float32, Layout: framework.LayoutAny}
		},
	}
	if err := reg.RegisterOp(info); err != nil {
		t.Fatalf("RegisterOp(%s) error = %v", opType, err)
	}
	fn := func(ctx *kernels.ExecContext) error {
		for _, in := range framework.SortedParams(params) {
			x, err := ctx.InputTensor(in)
			if err != nil {
				return err
			}
			if x.DType() != framework.Float32 {
				return fmt.Errorf("%s: got %s input", opType, x.DType())
			}
			vals := append([]float32(nil), framework.Data[float32](x)...)
			out, err := ctx.OutputTensor(params[in])
			if err != nil {
				return err
			}
			out.SetDims(x.Dims())
			if err := ctx.Device.HostAlloc(out, framework.Float32, -1, false); err != nil {
				return err
			}
			for i, v := range vals {
				framework.Data[float32](out)[i] = v + 1
			}
		}
		return nil
	}
	k := &kernels.LegacyKernel{
		OpType: opType,
		Key:    framework.KernelKey{Place: framework.CPUPlace(), DType: framework.Float32, Layout: framework.LayoutAny},
		Fn:     fn,
	}
	if err := reg.RegisterLegacy(k); err != nil {
		t.Fatalf("RegisterLegacy(%s) error = %v", opType, err)
	}
}

func setFloat64s(t *testing.T, dc *device.Context, v *framework.Variable, values ...float64) {
	t.Helper()
	tensor := v.DenseTensor()
	tensor.SetDims([]int64{int64(len(values))})
	if err := dc.Alloc(tensor, framework.Float64, -1, false); err != nil {
		t.Fatalf("alloc %s: %v", v.Name(), err)
	}
	copy(framework.Data[float64](tensor), values)
}

func TestInplaceOutputTransferredBack(t *testing.T) {
	reg := newRegistry(t)
	registerFloat32Op(t, reg, "inc32", map[string]string{"X": "Out"})
	pool := device.NewPool()

	block := framework.NewBlockDesc(0)
	block.Var("X")
	block.AppendOp("inc32").SetInput("X", "X").SetOutput("Out", "X")

	cfg := DefaultExecutionConfig()
	cfg.SkipGCVars = []string{"X"}
	vs := prepareScope(t, block, cfg)
	setFloat64s(t, pool.Get(framework.CPUPlace()), vs.Scope().FindVar("X"), 1, 2)

	res, err := NewBuilder(reg, pool).Build(context.Background(), framework.CPUPlace(), block, vs, cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	var types []string
	for _, instr := range res.Instructions {
		types = append(types, instr.Op.Type)
	}
	if !equalStrings(types, []string{OpTransferDType, "inc32"}) {
		t.Fatalf("instructions = %v", types)
	}
	instr := res.Instructions[1]
	if len(instr.InplaceBack) != 1 {
		t.Fatalf("got %d inplace pairs, want 1", len(instr.InplaceBack))
	}
	xID, _ := vs.VarID("X")
	if p := instr.InplaceBack[0]; p.Original != xID || p.Transformed == xID {
		t.Errorf("pair = %+v, want original %d and a temporary", p, xID)
	}

	check := func(stage string, want ...float32) {
		t.Helper()
		tensor := framework.PeekTensor(vs.Scope().FindVar("X"))
		if tensor.DType() != framework.Float32 {
			t.Fatalf("%s: X dtype = %s, want float32", stage, tensor.DType())
		}
		got := framework.Data[float32](tensor)
		if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
			t.Errorf("%s: X = %v, want %v", stage, got, want)
		}
	}
	check("build", 2, 3)

	if err := instr.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	check("run", 3, 4)
}

func TestInplacePairsFollowInputOrder(t *testing.T) {
	reg := newRegistry(t)
	registerFloat32Op(t, reg, "inc32_pair", map[string]string{"X": "XOut", "Y": "YOut"})
	pool := device.NewPool()

	block := framework.NewBlockDesc(0)
	block.Var("A")
	block.Var("B")
	block.AppendOp("inc32_pair").
		SetInput("X", "A").
		SetInput("Y", "B").
		SetOutput("XOut", "A").
		SetOutput("YOut", "B")

	cfg := DefaultExecutionConfig()
	cfg.SkipGCVars = []string{"A", "B"}
	vs := prepareScope(t, block, cfg)
	cpu := pool.Get(framework.CPUPlace())
	setFloat64s(t, cpu, vs.Scope().FindVar("A"), 1, 2)
	setFloat64s(t, cpu, vs.Scope().FindVar("B"), 10, 20)

	res, err := NewBuilder(reg, pool).Build(context.Background(), framework.CPUPlace(), block, vs, cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	instr := res.Instructions[len(res.Instructions)-1]
	if len(instr.InplaceBack) != 2 {
		t.Fatalf("got %d inplace pairs, want 2", len(instr.InplaceBack))
	}
	for i, name := range []string{"A", "B"} {
		id, _ := vs.VarID(name)
		if instr.InplaceBack[i].Original != id {
			t.Errorf("pair %d restores %s, want %s", i, vs.Name(instr.InplaceBack[i].Original), name)
		}
	}
	if got := floatsOf(t, vs.Scope(), "A"); got[0] != 2 || got[1] != 3 {
		t.Errorf("A = %v, want [2 3]", got)
	}
	if got := floatsOf(t, vs.Scope(), "B"); got[0] != 11 || got[1] != 21 {
		t.Errorf("B = %v, want [11 21]", got)
	}
}

func TestInstructionRunAppliesPairsInOrder(t *testing.T) {
	scope := framework.NewScope()
	dc := device.NewPool().Get(framework.CPUPlace())
	orig := scope.Var("orig")
	first := scope.Var("first")
	second := scope.Var("second")
	setFloats(t, dc, orig, 0)
	setFloats(t, dc, first, 1)
	setFloats(t, dc, second, 2)

	instr := newInstruction(opOf("noop", nil), 0)
	instr.Legacy = &kernels.LegacyKernel{OpType: "noop", Fn: func(*kernels.ExecContext) error { return nil }}
	instr.ctx = &kernels.ExecContext{OpType: "noop", Device: dc}
	instr.InplaceBack = []InplacePair{
		{Transformed: 1, Original: 0, transformed: first, original: orig},
		{Transformed: 2, Original: 0, transformed: second, original: orig},
	}
	if err := instr.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := floatsOf(t, scope, "orig"); got[0] != 2 {
		t.Errorf("orig = %v, want the last pair's data [2]", got)
	}
}

func TestInstructionRunWithoutKernel(t *testing.T) {
	instr := newInstruction(opOf("noop", nil), 0)
	if err := instr.Run(); err == nil {
		t.Error("Run() error = nil, want an error for an unbuilt instruction")
	}
}

func TestNewBuilderDefaultsPool(t *testing.T) {
	b := NewBuilder(newRegistry(t), nil)
	if b.Pool() == nil {
		t.Fatal("Pool() = nil, want a default pool")
	}

	block := framework.NewBlockDesc(0)
	fillOp(block, "X", "float32", 5, 2)
	cfg := DefaultExecutionConfig()
	cfg.SkipGCVars = []string{"X"}
	vs := prepareScope(t, block, cfg)
	if _, err := b.Build(context.Background(), framework.CPUPlace(), block, vs, cfg); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if got := floatsOf(t, vs.Scope(), "X"); got[0] != 5 || got[1] != 5 {
		t.Errorf("X = %v, want [5 5]", got)
	}
}
