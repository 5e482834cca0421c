package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/kernels"
	"github.com/openfroyo/graphexec/pkg/stores"
)

const addProgram = `
name: add
place: cpu
vars:
  - name: X
  - name: Y
  - name: Out
ops:
  - type: elementwise_add
    inputs: {X: [X], Y: [Y]}
    outputs: {Out: [Out]}
feeds:
  - {var: X, values: [1, 2]}
  - {var: Y, values: [3, 4]}
fetch: [Out]
`

const reluProgram = `
name: relu
place: gpu:0
vars:
  - name: X
  - name: Y
ops:
  - type: fill_constant
    outputs: {Out: [X]}
    attrs: {shape: [2, 3], dtype: float32, value: 1.5}
  - type: relu
    inputs: {X: [X]}
    outputs: {Out: [Y]}
execution:
  skip_gc_vars: [Y]
`

const uniqueProgram = `
name: unique
vars:
  - name: X
ops:
  - type: unique
    inputs: {X: [X]}
    outputs: {Out: [X]}
`

const gpuOnePolicy = `package graphexec.denylist

import rego.v1

deny contains msg if {
	input.kernel == "relu"
	input.device == 1
	msg := "relu is broken on the second GPU"
}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

// execute runs the root command with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func decode(t *testing.T, out string, v interface{}) {
	t.Helper()
	if err := json.Unmarshal([]byte(out), v); err != nil {
		t.Fatalf("failed to decode output: %v\n%s", err, out)
	}
}

func TestBuildCommand(t *testing.T) {
	program := writeFile(t, t.TempDir(), "add.yaml", addProgram)

	out, err := execute(t, "build", program)
	if err != nil {
		t.Fatalf("build error = %v", err)
	}
	for _, want := range []string{"elementwise_add", "fetch_v2", "cpu_sync"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output lacks %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "build", program, "--json")
	if err != nil {
		t.Fatalf("build --json error = %v", err)
	}
	var b stores.Build
	decode(t, out, &b)
	if b.Status != stores.BuildStatusSucceeded || b.Place != "cpu" || b.InstructionCount != 2 {
		t.Errorf("record = %+v", b.BuildRecord)
	}
	if b.Instructions[0].OpType != "elementwise_add" || b.Instructions[1].OpType != "fetch_v2" {
		t.Errorf("instructions = %+v", b.Instructions)
	}

	out, err = execute(t, "build", program, "--yaml")
	if err != nil {
		t.Fatalf("build --yaml error = %v", err)
	}
	if !strings.Contains(out, "instruction_count: 2") {
		t.Errorf("yaml output lacks instruction_count:\n%s", out)
	}
}

func TestBuildCommandErrors(t *testing.T) {
	dir := t.TempDir()
	program := writeFile(t, dir, "add.yaml", addProgram)

	if _, err := execute(t, "build", filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing program accepted")
	}
	if _, err := execute(t, "build", program, "--place", "tpu"); !framework.IsConfiguration(err) {
		t.Errorf("bad --place error = %v, want configuration error", err)
	}
	if _, err := execute(t, "build", program, "--json", "--yaml"); err == nil {
		t.Error("--json and --yaml accepted together")
	}
	if _, err := execute(t, "build"); err == nil {
		t.Error("build without a program accepted")
	}
}

func TestBuildCommandDenylist(t *testing.T) {
	dir := t.TempDir()
	program := writeFile(t, dir, "relu.yaml", reluProgram)
	policy := writeFile(t, dir, "gpu1.rego", gpuOnePolicy)

	out, err := execute(t, "build", program, "--place", "gpu:1", "--denylist", policy, "--json")
	if err != nil {
		t.Fatalf("build error = %v", err)
	}
	var b stores.Build
	decode(t, out, &b)
	var relu *stores.InstructionRecord
	for i := range b.Instructions {
		if b.Instructions[i].OpType == "relu" {
			relu = &b.Instructions[i]
		}
	}
	if relu == nil {
		t.Fatalf("no relu instruction in %+v", b.Instructions)
	}
	if relu.Path != string(kernels.PathCPUFallback) || relu.FuncType != "cpu_sync" {
		t.Errorf("relu = %+v, want a host fallback", relu)
	}

	// Without the denylist relu stays on the device.
	out, err = execute(t, "build", program, "--place", "gpu:1", "--json")
	if err != nil {
		t.Fatalf("build error = %v", err)
	}
	decode(t, out, &b)
	if last := b.Instructions[len(b.Instructions)-1]; last.OpType != "relu" || last.Path == string(kernels.PathCPUFallback) {
		t.Errorf("last instruction = %+v, want relu on the device", last)
	}
}

func TestPlanCommand(t *testing.T) {
	program := writeFile(t, t.TempDir(), "relu.yaml", reluProgram)

	out, err := execute(t, "plan", program, "--json")
	if err != nil {
		t.Fatalf("plan error = %v", err)
	}
	var p struct {
		stores.Build
		Vars []varView `json:"vars"`
	}
	decode(t, out, &p)
	if !p.StaticBuild || p.InstructionCount != 2 {
		t.Errorf("record = %+v", p.BuildRecord)
	}
	var y *varView
	for i := range p.Vars {
		if p.Vars[i].Name == "Y" {
			y = &p.Vars[i]
		}
	}
	if y == nil || y.DType != "float32" || y.Place != "gpu:0" || len(y.Dims) != 2 {
		t.Errorf("Y = %+v, want float32 [2 3] on gpu:0", y)
	}
}

func TestPlanAndCheckRejectBlockers(t *testing.T) {
	dir := t.TempDir()
	unique := writeFile(t, dir, "unique.yaml", uniqueProgram)
	relu := writeFile(t, dir, "relu.yaml", reluProgram)

	_, err := execute(t, "plan", unique)
	var be *framework.BuildError
	if !errors.As(err, &be) || be.Code != framework.ErrCodeNotStaticBuild {
		t.Errorf("plan error = %v, want NOT_STATIC_BUILD", err)
	}

	out, err := execute(t, "check", unique)
	if err == nil {
		t.Error("check passed a block with blockers")
	}
	if !strings.Contains(out, "unique [has_legacy_kernel = false") {
		t.Errorf("check output lacks the blocker:\n%s", out)
	}

	out, err = execute(t, "check", relu, "--json")
	if err != nil {
		t.Fatalf("check error = %v", err)
	}
	var report checkReport
	decode(t, out, &report)
	if !report.Eligible || report.Ops != 2 || len(report.Blockers) != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestRunCommand(t *testing.T) {
	program := writeFile(t, t.TempDir(), "add.yaml", addProgram)

	out, err := execute(t, "run", program, "--iterations", "3", "--host-threads", "2", "--json")
	if err != nil {
		t.Fatalf("run error = %v", err)
	}
	var v struct {
		Iterations int `json:"iterations"`
		Fetch      []struct {
			DType  string    `json:"dtype"`
			Values []float64 `json:"values"`
		} `json:"fetch"`
	}
	decode(t, out, &v)
	if v.Iterations != 3 || len(v.Fetch) != 1 {
		t.Fatalf("run = %+v", v)
	}
	got := v.Fetch[0].Values
	if v.Fetch[0].DType != "float32" || len(got) != 2 || got[0] != 4 || got[1] != 6 {
		t.Errorf("fetched %s %v, want float32 [4 6]", v.Fetch[0].DType, got)
	}

	if _, err := execute(t, "run", program, "--iterations", "-1"); err == nil {
		t.Error("negative iterations accepted")
	}
}

func TestKernelsCommand(t *testing.T) {
	dir := t.TempDir()
	policy := writeFile(t, dir, "gpu1.rego", gpuOnePolicy)

	out, err := execute(t, "kernels", "--place", "gpu:1", "--denylist", policy, "--json")
	if err != nil {
		t.Fatalf("kernels error = %v", err)
	}
	var views []kernelView
	decode(t, out, &views)
	var reluDenied, fullDenied bool
	for _, v := range views {
		switch v.Name {
		case "relu":
			reluDenied = reluDenied || v.Denied
		case "full":
			fullDenied = fullDenied || v.Denied
		}
	}
	if !reluDenied || fullDenied {
		t.Errorf("relu denied = %t, full denied = %t", reluDenied, fullDenied)
	}

	out, err = execute(t, "kernels", "--tier", "legacy", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var legacy []kernelView
	decode(t, out, &legacy)
	if len(legacy) == 0 {
		t.Error("no legacy kernels listed")
	}
	for _, v := range legacy {
		if v.Tier != "legacy" {
			t.Errorf("--tier legacy listed %+v", v)
		}
	}

	if _, err := execute(t, "kernels", "--tier", "bogus"); err == nil {
		t.Error("unknown tier accepted")
	}
}

func TestInspectCommand(t *testing.T) {
	dir := t.TempDir()
	program := writeFile(t, dir, "add.yaml", addProgram)
	db := filepath.Join(dir, "builds.db")

	if _, err := execute(t, "build", program, "--store", db); err != nil {
		t.Fatalf("build --store error = %v", err)
	}

	out, err := execute(t, "inspect", "--store", db, "--json")
	if err != nil {
		t.Fatalf("inspect error = %v", err)
	}
	var list []stores.BuildRecord
	decode(t, out, &list)
	if len(list) != 1 || list[0].Program != program {
		t.Fatalf("builds = %+v", list)
	}
	id := list[0].ID

	out, err = execute(t, "inspect", "--store", db, id)
	if err != nil {
		t.Fatalf("inspect %s error = %v", id, err)
	}
	if !strings.Contains(out, id) || !strings.Contains(out, "elementwise_add") {
		t.Errorf("inspect output:\n%s", out)
	}

	out, err = execute(t, "inspect", "--store", db, "--status", "failed")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No builds") {
		t.Errorf("failed builds listed:\n%s", out)
	}

	if _, err := execute(t, "inspect", "--store", db, id, "--delete"); err != nil {
		t.Fatalf("inspect --delete error = %v", err)
	}
	if _, err := execute(t, "inspect", "--store", db, id); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("inspect deleted build error = %v, want ErrNotFound", err)
	}
	if _, err := execute(t, "inspect"); err == nil {
		t.Error("inspect without --store accepted")
	}
}
