// Package policy provides an Open Policy Agent (OPA) backed kernel
// denylist for the graph builder.
//
// A RegoDenylist implements kernels.Denylist. Before the builder accepts a
// structured kernel it asks the denylist; a denied kernel makes the
// resolver fall through to the host fallback or the legacy kernel path.
//
// # Writing Policies
//
// Policies live in package graphexec.denylist and add reasons to the deny
// set. The input document carries the kernel name, the backend (place
// kind), the device index and the printed place:
//
//	package graphexec.denylist
//
//	import rego.v1
//
//	# relu is broken on the second GPU
//	deny contains msg if {
//	    input.kernel == "relu"
//	    input.backend == "gpu"
//	    input.device == 1
//	    msg := "relu miscompiles on gpu:1"
//	}
//
// The built-in "entries" policy denies kernels listed through SetEntries,
// so simple denylists need no Rego at all.
//
// # Usage
//
//	loader := policy.NewLoader(logger)
//	policies, err := loader.LoadFromPaths(ctx, []string{"policies/"})
//	if err != nil {
//	    return err
//	}
//	deny, err := policy.NewRegoDenylist(ctx, logger, policies...)
//	if err != nil {
//	    return err
//	}
//	builder := interpreter.NewBuilder(reg, pool, interpreter.WithDenylist(deny))
//
// # Hot Reload
//
// Loader.Watch reloads the policies after file changes, debounced, and
// hands them to a callback, typically RegoDenylist.Update. A policy that
// fails to compile leaves the previous set in force.
package policy
