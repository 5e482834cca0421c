package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// programSchema closes CUE program files over the fields ProgramConfig
// knows. Attribute values stay open.
const programSchema = `
#Var: {
	name:         string & !=""
	type?:        "raw" | "dense_tensor" | "lod_tensor" | "selected_rows" | "tensor_array" | "lod_tensor_array" | "strings" | "fetch_list"
	persistable?: bool
	dtype?:       string
	shape?: [...int & >=-1]
}

#DistAttr: {
	execution_stream?:    string
	stream_priority?:     int
	scheduling_priority?: int
}

#Op: {
	type: string & !=""
	inputs?: {[string]: [...string]}
	outputs?: {[string]: [...string]}
	attrs?: {...}
	dist_attr?: #DistAttr
}

#Feed: {
	var:    string & !=""
	dtype?: string
	shape?: [...int & >=0]
	values: [...number]
	place?: string
}

#Comm: {
	ring_id:  int & >=0
	backend?: string
	rank?:    int & >=0
	ranks?:   int & >=0
}

#Checker: {
	op:      string & !=""
	script?: string
	file?:   string
}

#Execution: {
	skip_gc_vars?: [...string]
	create_local_scope?:       bool
	static_build?:             bool
	used_for_control_flow_op?: bool
	used_for_jit?:             bool
	force_root_scope_vars?: [...string]
	host_num_threads?:   int & >=0
	device_num_threads?: int & >=0
	log_memory_stats?:   bool
	check_nan_inf?:      bool
}

#Program: {
	name:   string & !=""
	place?: string
	vars?: [...#Var]
	ops: [#Op, ...#Op]
	feeds?: [...#Feed]
	fetch?: [...string]
	comm?: [...#Comm]
	checkers?: [...#Checker]
	execution?: #Execution
}
`

// schema holds the compiled #Program and #Execution definitions.
type schema struct {
	ctx       *cue.Context
	program   cue.Value
	execution cue.Value
}

func newSchema() (*schema, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(programSchema, cue.Filename("program_schema.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("compile program schema: %w", err)
	}
	s := &schema{ctx: ctx}
	for _, def := range []struct {
		path string
		dst  *cue.Value
	}{
		{"#Program", &s.program},
		{"#Execution", &s.execution},
	} {
		v := val.LookupPath(cue.ParsePath(def.path))
		if err := v.Err(); err != nil {
			return nil, fmt.Errorf("lookup %s: %w", def.path, err)
		}
		*def.dst = v
	}
	return s, nil
}
