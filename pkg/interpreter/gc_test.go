package interpreter

import (
	"testing"

	"github.com/openfroyo/graphexec/pkg/framework"
)

func createOps(t *testing.T, block *framework.BlockDesc) []*Operator {
	t.Helper()
	ops, err := CreateAllOps(block, newRegistry(t).Ops())
	if err != nil {
		t.Fatalf("CreateAllOps() error = %v", err)
	}
	return ops
}

func TestGetUnusedVars(t *testing.T) {
	block := framework.NewBlockDesc(0)
	fillOp(block, "A", "float32", 1, 2)
	unaryOp(block, "relu", "A", "B")
	unaryOp(block, "relu", "B", "C")
	block.Var("D")
	block.AppendOp("elementwise_add").SetInput("X", "A").SetInput("Y", "C").SetOutput("Out", "D")
	block.Var("W").Persistable = true
	block.AppendOp("elementwise_add").SetInput("X", "D").SetInput("Y", "W").SetOutput("Out", "D")

	ops := createOps(t, block)
	unused := GetUnusedVars(block, ops)

	want := map[int][]string{
		2: {"B"},
		3: {"A", "C"},
		4: {"D"},
	}
	for i, op := range ops {
		if got := unused[op]; !equalStrings(got, want[i]) {
			t.Errorf("op %d (%s): unused = %v, want %v", i, op.Type, got, want[i])
		}
	}
}

func TestGetUnusedVarsIgnoresUnreadBuffers(t *testing.T) {
	block := framework.NewBlockDesc(0)
	fillOp(block, "X", "float32", 1, 2)
	fillOp(block, "G", "float32", 1, 2)
	for _, n := range []string{"Y", "DX", "DY"} {
		block.Var(n)
	}
	fillOp(block, "Y", "float32", 1, 2)
	block.AppendOp("elementwise_add_grad").
		SetInput("X", "X").
		SetInput("Y", "Y").
		SetInput("Out@GRAD", "G").
		SetOutput("X@GRAD", "DX").
		SetOutput("Y@GRAD", "DY")

	ops := createOps(t, block)
	unused := GetUnusedVars(block, ops)

	// The grad op never reads X or Y, so their last use is where they
	// were produced.
	if got := unused[ops[0]]; !equalStrings(got, []string{"X"}) {
		t.Errorf("op 0: unused = %v, want [X]", got)
	}
	if got := unused[ops[2]]; !equalStrings(got, []string{"Y"}) {
		t.Errorf("op 2: unused = %v, want [Y]", got)
	}
	if got := unused[ops[3]]; !equalStrings(got, []string{"DX", "DY", "G"}) {
		t.Errorf("op 3: unused = %v, want [DX DY G]", got)
	}
}

func TestGetUnusedVarsSkipsUnreclaimableKinds(t *testing.T) {
	block := framework.NewBlockDesc(0)
	fillOp(block, "X", "float32", 1, 2)
	block.Var("S").Type = framework.KindStrings
	block.AppendOp("tensor_summary").SetInput("X", "X").SetOutput("Out", "S")

	ops := createOps(t, block)
	unused := GetUnusedVars(block, ops)
	if got := unused[ops[1]]; !equalStrings(got, []string{"X"}) {
		t.Errorf("unused = %v, want [X]", got)
	}
}

func TestPrepareSafeEagerDeletion(t *testing.T) {
	ops := []*Operator{
		NewOperator(framework.NewOpDesc("while").SetInput("X", "a", "b").SetOutput("Out", "c"), nil),
		NewOperator(framework.NewOpDesc("relu").SetInput("X", "c").SetOutput("Out", "d"), nil),
		NewOperator(framework.NewOpDesc("while_grad").SetInput("X", "b", "c", "d"), nil),
	}
	skip := prepareSafeEagerDeletion(ops)
	if !equalStrings(skip, []string{"b", "c"}) {
		t.Errorf("skip = %v, want [b c]", skip)
	}
	got, _ := ops[0].Attrs[AttrSkipEagerDeletionVars].([]string)
	if !equalStrings(got, []string{"b", "c"}) {
		t.Errorf("while %s = %v, want [b c]", AttrSkipEagerDeletionVars, got)
	}
}

func TestBuildSkipSetProtectsVariables(t *testing.T) {
	reg := newRegistry(t)
	block := framework.NewBlockDesc(0)
	fillOp(block, "X", "float32", 1, 2)
	unaryOp(block, "relu", "X", "Y")
	block.Var("P").Persistable = true
	unaryOp(block, "relu", "Y", "P")

	cfg := DefaultExecutionConfig()
	cfg.SkipGCVars = []string{"X"}
	vs := prepareScope(t, block, cfg)
	res, err := NewBuilder(reg, nil).Build(t.Context(), framework.CPUPlace(), block, vs, cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	for i, names := range res.ReclaimSets {
		for _, n := range names {
			if n == "X" || n == "P" {
				t.Errorf("op %d reclaimed %s", i, n)
			}
		}
	}
	if got := res.ReclaimSets[2]; !equalStrings(got, []string{"Y"}) {
		t.Errorf("ReclaimSets[2] = %v, want [Y]", got)
	}
	if !framework.PeekTensor(vs.Scope().FindVar("X")).Initialized() {
		t.Error("X is in the skip set and must keep its storage")
	}
}

func TestGarbageQueue(t *testing.T) {
	q := NewGarbageQueue(1)
	freed := 0
	for i := 0; i < 5; i++ {
		a := framework.NewAllocation(framework.CPUPlace(), 8, false, func(*framework.Allocation) { freed++ })
		q.Push([]*framework.Allocation{a})
	}
	q.Push(nil)
	if n := q.Close(); n != 5 {
		t.Errorf("Close() = %d, want 5", n)
	}
	if n := q.Close(); n != 5 {
		t.Errorf("second Close() = %d, want 5", n)
	}
	if freed != 5 {
		t.Errorf("freed = %d, want 5", freed)
	}
}
