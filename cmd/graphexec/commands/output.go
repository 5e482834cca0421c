package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/stores"
)

// structured reports whether --json or --yaml was given.
func structured() bool { return jsonOutput || yamlOutput }

// printStructured writes v as JSON or YAML. YAML keys follow the json
// tags of v.
func printStructured(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if jsonOutput {
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	out, err := yaml.Marshal(generic)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func printInstructions(w io.Writer, instrs []stores.InstructionRecord) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "SEQ\tOP\tTYPE\tKERNEL\tPATH\tKEY\tINPUTS\tOUTPUTS")
	for _, in := range instrs {
		op := fmt.Sprint(in.OpIndex)
		if in.OpIndex < 0 {
			op = "-"
		}
		fmt.Fprintf(tw, "%d\t%s %s\t%s\t%s:%s\t%s\t%s\t%s\t%s\n",
			in.Seq, op, in.OpType, in.FuncType, in.KernelKind, in.KernelName,
			orDash(in.Path), orDash(in.KernelKey), formatVarMap(in.Inputs), formatVarMap(in.Outputs))
	}
	return tw.Flush()
}

func printReclaims(w io.Writer, reclaims []stores.ReclaimRecord) {
	for _, r := range reclaims {
		if r.Kind != stores.ReclaimReleased {
			continue
		}
		fmt.Fprintf(w, "  after op %d: %s\n", r.OpIndex, strings.Join(r.Vars, ", "))
	}
}

func printWarnings(w io.Writer, warnings []stores.WarningRecord) {
	for _, warn := range warnings {
		fmt.Fprintf(w, "warning: [%s] %s\n", warn.Kind, warn.Message)
	}
}

func formatVarMap(m map[string][]int) string {
	if len(m) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(m))
	for _, param := range framework.SortedParams(m) {
		parts = append(parts, fmt.Sprintf("%s=%v", param, m[param]))
	}
	return strings.Join(parts, " ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// tensorView is a fetched tensor as printed by run.
type tensorView struct {
	DType  string      `json:"dtype"`
	Dims   []int64     `json:"dims"`
	Place  string      `json:"place"`
	Values interface{} `json:"values,omitempty"`
}

func newTensorView(t *framework.DenseTensor) tensorView {
	return tensorView{
		DType:  t.DType().String(),
		Dims:   t.Dims(),
		Place:  t.Place().String(),
		Values: tensorValues(t),
	}
}

// tensorValues returns a typed copy of the elements of t, or nil when t
// holds no readable storage.
func tensorValues(t *framework.DenseTensor) interface{} {
	switch t.DType() {
	case framework.Float32:
		return copyOf(framework.Data[float32](t))
	case framework.Float64:
		return copyOf(framework.Data[float64](t))
	case framework.Int32:
		return copyOf(framework.Data[int32](t))
	case framework.Int64:
		return copyOf(framework.Data[int64](t))
	case framework.Int8:
		return copyOf(framework.Data[int8](t))
	case framework.Uint8:
		// []uint8 would marshal as base64
		return widen(framework.Data[uint8](t))
	case framework.Complex64:
		return formatComplex(framework.Data[complex64](t))
	case framework.Complex128:
		return formatComplex(framework.Data[complex128](t))
	}
	return nil
}

func copyOf[T any](s []T) interface{} {
	if s == nil {
		return nil
	}
	return append([]T(nil), s...)
}

func widen(s []uint8) interface{} {
	if s == nil {
		return nil
	}
	out := make([]int, len(s))
	for i, v := range s {
		out[i] = int(v)
	}
	return out
}

// formatComplex renders complex values as strings; JSON has no complex
// numbers.
func formatComplex[T complex64 | complex128](s []T) interface{} {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	for i, v := range s {
		out[i] = fmt.Sprint(v)
	}
	return out
}
