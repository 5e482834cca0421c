// Package framework holds the data model shared by the instruction builder:
// places, data types, kernel keys, variables and their payloads, the scope
// tree, operator/variable/block descriptors and the classified build errors.
//
// # Variables
//
// A Variable is a named slot holding exactly one payload from a closed set
// of kinds (dense tensor, selected rows, tensor array, strings, fetch list,
// or raw/uninitialized). Whether a payload's backing storage may be
// reclaimed early is a property of its kind:
//
//	v := scope.Var("x")
//	t := v.DenseTensor()
//	if v.Kind().Reclaimable() {
//	    garbage = append(garbage, t.MoveHolder())
//	}
//
// Moving a holder out leaves the Variable and its tensor metadata valid.
//
// # Errors
//
// Build failures are reported as *BuildError values carrying an ErrorClass
// (configuration, kernel_resolution, unsupported_device, runtime). ErrEOF is
// the end-of-data sentinel and is never wrapped by the builder.
package framework
