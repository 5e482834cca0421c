// Package interpreter converts a block of operator descriptions into an
// ordered list of executable instructions.
//
// A build walks the ops of a block once. For every op it binds the input
// and output variables, picks a kernel through the resolver chain, moves
// inputs to the place, dtype and layout the kernel expects by injecting
// transfer instructions, runs the kernel (or, in planning mode, only gives
// its outputs fake storage) and classifies the instruction for the host or
// device lane. After each op the storage of variables no later op reads is
// released.
//
// Typical use:
//
//	vs := interpreter.NewVariableScope(framework.NewScope())
//	if err := interpreter.BuildVariableScope(block, cfg, vs); err != nil {
//		return err
//	}
//	b := interpreter.NewBuilder(reg, device.NewPool())
//	res, err := b.Build(ctx, framework.CPUPlace(), block, vs, cfg)
//
// Builds of one VariableScope must not overlap; a second concurrent build
// is rejected.
package interpreter
