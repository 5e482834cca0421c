// Package config loads program files for the graph builder.
//
// # Overview
//
// A program file describes one block: the variables it declares, its
// operators, the values fed before the build, the variables to fetch and
// the execution settings. Files are YAML (.yaml, .yml) or CUE (.cue).
// CUE files are unified with a built-in #Program schema before decoding,
// so unknown fields and wrong types are reported with file positions.
// Both formats are then checked with struct validation.
//
// # Program Structure
//
//	name: "add"
//	place: "gpu:0"
//	vars: [
//	    {name: "X"},
//	    {name: "W", persistable: true},
//	    {name: "Out"},
//	]
//	ops: [{
//	    type: "elementwise_add"
//	    inputs: {X: ["X"], Y: ["W"]}
//	    outputs: {Out: ["Out"]}
//	}]
//	feeds: [
//	    {var: "X", values: [1, 2]},
//	    {var: "W", values: [3, 4]},
//	]
//	fetch: ["Out"]
//	execution: {create_local_scope: true}
//
// # Usage Example
//
//	loader, err := config.NewLoader()
//	if err != nil {
//	    return err
//	}
//	prog, err := loader.LoadFile("add.cue")
//	if err != nil {
//	    return err
//	}
//	block, err := prog.ToBlockDesc()
//
// # Attribute Checkers
//
// A program may attach Starlark checkers to op types. Each script defines
// check(op_type, attrs) and returns None to accept, a string to reject or
// a dict of attributes to set:
//
//	def check(op_type, attrs):
//	    if attrs.get("value", 0) < 0:
//	        return "value must not be negative"
//	    if "dtype" not in attrs:
//	        return {"dtype": "float32"}
//
// Scripts run without filesystem or network access, with print
// suppressed and a per-call timeout.
package config
