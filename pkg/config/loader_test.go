package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/graphexec/pkg/framework"
)

const addProgramCUE = `
name:  "add"
place: "cpu"
vars: [{name: "X"}, {name: "Y"}, {name: "Out"}]
ops: [{
	type: "elementwise_add"
	inputs: {X: ["X"], Y: ["Y"]}
	outputs: {Out: ["Out"]}
	attrs: {axis: -1, scale: 1.5, dims: [2, 3]}
}]
feeds: [
	{var: "X", values: [1, 2]},
	{var: "Y", values: [3, 4]},
]
fetch: ["Out"]
execution: {create_local_scope: true, host_num_threads: 2}
`

const addProgramYAML = `
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
    attrs: {axis: -1, scale: 1.5, dims: [2, 3]}
feeds:
  - {var: X, values: [1, 2]}
  - {var: Y, values: [3, 4]}
fetch: [Out]
execution:
  create_local_scope: true
  host_num_threads: 2
`

func newLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader()
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}
	return l
}

func validationErrors(t *testing.T, err error) []ValidationError {
	t.Helper()
	var be *framework.BuildError
	if !errors.As(err, &be) {
		t.Fatalf("error %v is not a BuildError", err)
	}
	if be.Code != framework.ErrCodeInvalidArgument {
		t.Errorf("code = %s, want INVALID_ARGUMENT", be.Code)
	}
	errs, _ := be.Details["errors"].([]ValidationError)
	if len(errs) == 0 {
		t.Fatalf("error %v carries no validation errors", err)
	}
	return errs
}

func TestLoaderLoad(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		data   string
	}{
		{"cue", FormatCUE, addProgramCUE},
		{"yaml", FormatYAML, addProgramYAML},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc, err := newLoader(t).Load([]byte(tt.data), tt.format, "add."+tt.name)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if pc.Name != "add" || pc.Source != "add."+tt.name {
				t.Errorf("Name, Source = %q, %q", pc.Name, pc.Source)
			}
			if len(pc.Vars) != 3 || len(pc.Ops) != 1 || len(pc.Feeds) != 2 {
				t.Fatalf("vars, ops, feeds = %d, %d, %d", len(pc.Vars), len(pc.Ops), len(pc.Feeds))
			}
			if got := pc.Ops[0].Inputs["Y"]; len(got) != 1 || got[0] != "Y" {
				t.Errorf("inputs[Y] = %v", got)
			}
			if got := pc.Feeds[1].Values; len(got) != 2 || got[0] != 3 {
				t.Errorf("feeds[1].values = %v", got)
			}
			if !pc.Execution.CreateLocalScope || pc.Execution.HostNumThreads != 2 {
				t.Errorf("execution = %+v", pc.Execution)
			}
			if pc.Execution.DeviceNumThreads != 1 {
				t.Errorf("unset device_num_threads = %d, want the default 1", pc.Execution.DeviceNumThreads)
			}

			block, err := pc.ToBlockDesc()
			if err != nil {
				t.Fatalf("ToBlockDesc() error = %v", err)
			}
			attrs := block.Ops[0].Attrs
			if n, ok := attrs.Int("axis"); !ok || n != -1 {
				t.Errorf("axis = %v (%T)", attrs["axis"], attrs["axis"])
			}
			if f, ok := attrs.Float("scale"); !ok || f != 1.5 {
				t.Errorf("scale = %v (%T)", attrs["scale"], attrs["scale"])
			}
			if dims, ok := attrs.Ints("dims"); !ok || len(dims) != 2 || dims[1] != 3 {
				t.Errorf("dims = %v", attrs["dims"])
			}
		})
	}
}

func TestLoaderRejects(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		data   string
		want   string
	}{
		{
			name:   "cue unknown field",
			format: FormatCUE,
			data:   `name: "p", ops: [{type: "relu"}], colour: "blue"`,
		},
		{
			name:   "cue missing ops",
			format: FormatCUE,
			data:   `name: "p"`,
		},
		{
			name:   "cue syntax",
			format: FormatCUE,
			data:   `name: "p" ops: [`,
		},
		{
			name:   "cue wrong type",
			format: FormatCUE,
			data:   `name: "p", ops: [{type: 3}]`,
		},
		{
			name:   "yaml unknown field",
			format: FormatYAML,
			data:   "name: p\nops: [{type: relu}]\ncolour: blue\n",
		},
		{
			name:   "yaml missing ops",
			format: FormatYAML,
			data:   "name: p\n",
			want:   "Ops",
		},
		{
			name:   "bad dtype",
			format: FormatYAML,
			data:   "name: p\nvars: [{name: X, dtype: float33}]\nops: [{type: relu}]\n",
			want:   "is not a data type",
		},
		{
			name:   "bad place",
			format: FormatYAML,
			data:   "name: p\nplace: tpu:0\nops: [{type: relu}]\n",
			want:   "is not a place",
		},
		{
			name:   "duplicate var",
			format: FormatYAML,
			data:   "name: p\nvars: [{name: X}, {name: X}]\nops: [{type: relu}]\n",
			want:   "already declared",
		},
		{
			name:   "feed shape mismatch",
			format: FormatYAML,
			data:   "name: p\nops: [{type: relu}]\nfeeds: [{var: X, shape: [2, 2], values: [1, 2]}]\n",
			want:   "holds 4 values",
		},
		{
			name:   "checker with script and file",
			format: FormatYAML,
			data:   "name: p\nops: [{type: relu}]\ncheckers: [{op: relu, script: 'x', file: c.star}]\n",
			want:   "Script",
		},
		{
			name:   "too many threads",
			format: FormatYAML,
			data:   "name: p\nops: [{type: relu}]\nexecution: {host_num_threads: 1000}\n",
			want:   "HostNumThreads",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newLoader(t).Load([]byte(tt.data), tt.format, "p")
			if !framework.IsConfiguration(err) {
				t.Fatalf("Load() error = %v, want configuration error", err)
			}
			errs := validationErrors(t, err)
			if tt.want == "" {
				return
			}
			for _, e := range errs {
				if strings.Contains(e.String(), tt.want) {
					return
				}
			}
			t.Errorf("errors %v do not mention %q", errs, tt.want)
		})
	}
}

func TestCUEErrorsCarryPositions(t *testing.T) {
	_, err := newLoader(t).Load([]byte("ops: [{type: \"relu\"}]\nname: 3\n"), FormatCUE, "prog.cue")
	for _, e := range validationErrors(t, err) {
		if e.File == "prog.cue" && e.Line > 0 {
			return
		}
	}
	t.Errorf("no error points into prog.cue: %v", err)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	l := newLoader(t)
	for name, data := range map[string]string{"add.cue": addProgramCUE, "add.yml": addProgramYAML} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
		pc, err := l.LoadFile(path)
		if err != nil {
			t.Fatalf("LoadFile(%s) error = %v", name, err)
		}
		if pc.Source != path {
			t.Errorf("Source = %s, want %s", pc.Source, path)
		}
	}

	if _, err := l.LoadFile(filepath.Join(dir, "add.json")); !framework.IsConfiguration(err) {
		t.Errorf("LoadFile(.json) error = %v, want configuration error", err)
	}
	if _, err := l.LoadFile(filepath.Join(dir, "missing.yaml")); err == nil || framework.IsConfiguration(err) {
		t.Errorf("LoadFile(missing) error = %v, want a read error", err)
	}
}

func TestLoadExecutionConfig(t *testing.T) {
	dir := t.TempDir()
	l := newLoader(t)

	cuePath := filepath.Join(dir, "exec.cue")
	if err := os.WriteFile(cuePath, []byte("static_build: true\nskip_gc_vars: [\"W\"]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := l.LoadExecutionConfig(cuePath)
	if err != nil {
		t.Fatalf("LoadExecutionConfig(cue) error = %v", err)
	}
	if !cfg.StaticBuild || len(cfg.SkipGCVars) != 1 || cfg.HostNumThreads != 4 {
		t.Errorf("cfg = %+v", cfg)
	}

	yamlPath := filepath.Join(dir, "exec.yaml")
	if err := os.WriteFile(yamlPath, []byte("device_num_threads: 3\ncheck_nan_inf: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = l.LoadExecutionConfig(yamlPath)
	if err != nil {
		t.Fatalf("LoadExecutionConfig(yaml) error = %v", err)
	}
	if cfg.DeviceNumThreads != 3 || !cfg.CheckNaNInf {
		t.Errorf("cfg = %+v", cfg)
	}

	badPath := filepath.Join(dir, "bad.cue")
	if err := os.WriteFile(badPath, []byte("static_build: \"yes\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := l.LoadExecutionConfig(badPath); !framework.IsConfiguration(err) {
		t.Errorf("LoadExecutionConfig(bad) error = %v, want configuration error", err)
	}
}
