package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/graphexec/pkg/device"
	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/interpreter"
	"github.com/openfroyo/graphexec/pkg/kernels/builtin"
)

// setupTestStore creates a file-backed SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "builds.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

func sampleBuild(id string, created time.Time) *Build {
	return &Build{
		BuildRecord: BuildRecord{
			ID:          id,
			Program:     "add.cue",
			Place:       "gpu:0",
			Status:      BuildStatusSucceeded,
			StaticBuild: true,
			Reclaimed:   2,
			Config:      `{"static_build":true}`,
			Duration:    3 * time.Millisecond,
			CreatedAt:   created,
		},
		Instructions: []InstructionRecord{
			{Seq: 0, OpIndex: 0, OpType: "fill_constant", KernelKind: "structured", KernelName: "full", FuncType: "gpu_async", Path: "structured", KernelKey: "gpu:0/float32", CommRing: -1,
				Inputs: map[string][]int{}, Outputs: map[string][]int{"Out": {0}}},
			{Seq: 1, OpIndex: -1, OpType: "memcpy_d2h", KernelKind: "operator_base", KernelName: "memcpy_d2h", FuncType: "cpu_sync", CommRing: -1,
				Inputs: map[string][]int{"X": {0}}, Outputs: map[string][]int{"Out": {1}}},
		},
		Reclaims: []ReclaimRecord{
			{OpIndex: 1, Kind: ReclaimReleased, Vars: []string{"X"}},
			{OpIndex: 1, Kind: ReclaimUnused, Vars: []string{"X", "Y"}},
		},
		Warnings: []WarningRecord{{Seq: 0, Kind: "device_downgrade", Key: "relu/gpu", Message: "relu runs on the host"}},
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if store.cfg.MaxOpenConns != 1 {
		t.Errorf("in-memory store opens %d connections, want 1", store.cfg.MaxOpenConns)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("health check passed before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("empty path accepted")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"builds", "instructions", "reclaim_sets", "warnings"}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running again is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second Migrate() error = %v", err)
	}
}

func TestBuildRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.SaveBuild(ctx, sampleBuild("b-1", created)); err != nil {
		t.Fatalf("SaveBuild() error = %v", err)
	}

	got, err := store.GetBuild(ctx, "b-1")
	if err != nil {
		t.Fatalf("GetBuild() error = %v", err)
	}
	if got.Program != "add.cue" || got.Place != "gpu:0" || !got.StaticBuild || got.Reclaimed != 2 {
		t.Errorf("record = %+v", got.BuildRecord)
	}
	if got.InstructionCount != 2 || len(got.Instructions) != 2 {
		t.Fatalf("instructions = %d/%d, want 2", got.InstructionCount, len(got.Instructions))
	}
	if got.Duration != 3*time.Millisecond || !got.CreatedAt.Equal(created) {
		t.Errorf("duration, created = %v, %v", got.Duration, got.CreatedAt)
	}
	copyInstr := got.Instructions[1]
	if copyInstr.OpIndex != -1 || copyInstr.Inputs["X"][0] != 0 || copyInstr.Outputs["Out"][0] != 1 {
		t.Errorf("instruction 1 = %+v", copyInstr)
	}
	if len(got.Reclaims) != 2 || got.Reclaims[0].Kind != ReclaimReleased || len(got.Reclaims[1].Vars) != 2 {
		t.Errorf("reclaims = %+v", got.Reclaims)
	}
	if len(got.Warnings) != 1 || got.Warnings[0].Key != "relu/gpu" {
		t.Errorf("warnings = %+v", got.Warnings)
	}
	if got.Error != nil || got.ErrorClass != nil {
		t.Errorf("succeeded build carries an error: %v", *got.Error)
	}

	// Saving the same ID replaces the build and its children.
	replacement := sampleBuild("b-1", created)
	replacement.Instructions = replacement.Instructions[:1]
	replacement.Warnings = nil
	if err := store.SaveBuild(ctx, replacement); err != nil {
		t.Fatalf("SaveBuild(replace) error = %v", err)
	}
	got, err = store.GetBuild(ctx, "b-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Instructions) != 1 || len(got.Warnings) != 0 {
		t.Errorf("replaced build has %d instructions, %d warnings", len(got.Instructions), len(got.Warnings))
	}
}

func TestListAndDeleteBuilds(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"b-1", "b-2", "b-3"} {
		b := sampleBuild(id, base.Add(time.Duration(i)*time.Minute))
		if id == "b-2" {
			b.Status = BuildStatusFailed
			msg := "boom"
			b.Error = &msg
		}
		if err := store.SaveBuild(ctx, b); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.ListBuilds(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("ListBuilds() error = %v", err)
	}
	if len(all) != 3 || all[0].ID != "b-3" || all[2].ID != "b-1" {
		t.Fatalf("ListBuilds() order = %v", ids(all))
	}

	failed := BuildStatusFailed
	onlyFailed, err := store.ListBuilds(ctx, &failed, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(onlyFailed) != 1 || onlyFailed[0].ID != "b-2" || *onlyFailed[0].Error != "boom" {
		t.Errorf("failed builds = %v", ids(onlyFailed))
	}

	page, err := store.ListBuilds(ctx, nil, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].ID != "b-2" {
		t.Errorf("page = %v", ids(page))
	}

	if err := store.DeleteBuild(ctx, "b-1"); err != nil {
		t.Fatalf("DeleteBuild() error = %v", err)
	}
	if _, err := store.GetBuild(ctx, "b-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBuild(deleted) error = %v, want ErrNotFound", err)
	}
	if err := store.DeleteBuild(ctx, "b-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteBuild(deleted) error = %v, want ErrNotFound", err)
	}
	var orphans int
	if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM instructions WHERE build_id = 'b-1'").Scan(&orphans); err != nil {
		t.Fatal(err)
	}
	if orphans != 0 {
		t.Errorf("%d instructions survived their build", orphans)
	}
}

func ids(recs []*BuildRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestNewBuildFromResult(t *testing.T) {
	reg, err := builtin.NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	block := framework.NewBlockDesc(0)
	block.Var("X")
	block.Var("Y")
	block.AppendOp("fill_constant").SetOutput("Out", "X").SetAttr("shape", []int64{2}).SetAttr("value", 1.0)
	block.AppendOp("relu").SetInput("X", "X").SetOutput("Out", "Y")

	cfg := interpreter.DefaultExecutionConfig()
	vs := interpreter.NewVariableScope(framework.NewScope())
	if err := interpreter.BuildVariableScope(block, cfg, vs); err != nil {
		t.Fatal(err)
	}
	place := framework.CPUPlace()
	res, err := interpreter.NewBuilder(reg, device.NewPool()).Build(context.Background(), place, block, vs, cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	b, err := NewBuild(res.ID, "relu.cue", place, cfg, res, nil)
	if err != nil {
		t.Fatalf("NewBuild() error = %v", err)
	}
	if b.Status != BuildStatusSucceeded || b.Place != "cpu" || b.InstructionCount != 2 {
		t.Errorf("record = %+v", b.BuildRecord)
	}
	if b.Instructions[1].OpType != "relu" || b.Instructions[1].FuncType != "cpu_sync" {
		t.Errorf("instruction 1 = %+v", b.Instructions[1])
	}

	store := setupTestStore(t)
	if err := store.SaveBuild(context.Background(), b); err != nil {
		t.Fatalf("SaveBuild() error = %v", err)
	}
	got, err := store.GetBuild(context.Background(), res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Instructions) != 2 || got.Instructions[0].KernelName != b.Instructions[0].KernelName {
		t.Errorf("stored instructions = %+v", got.Instructions)
	}

	failed, err := NewBuild("b-err", "bad.cue", place, cfg, nil,
		framework.NewConfigurationError("undeclared", nil).WithCode(framework.ErrCodeUndeclaredVar))
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != BuildStatusFailed || *failed.ErrorClass != "configuration" || *failed.ErrorCode != framework.ErrCodeUndeclaredVar {
		t.Errorf("failed record = %+v", failed.BuildRecord)
	}
}
