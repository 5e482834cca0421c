// Package builtin registers a small operator and kernel set: elementwise
// math, creation ops, the data transfer ops the interpreter injects, a
// single-rank all-reduce and fetch.
package builtin

import "github.com/openfroyo/graphexec/pkg/kernels"

// Register adds every builtin operator and kernel to reg.
func Register(reg *kernels.Registry) error {
	for _, fn := range []func(*kernels.Registry) error{
		registerMath,
		registerCreation,
		registerTransfer,
		registerCollective,
		registerFetch,
	} {
		if err := fn(reg); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding the builtin set.
func NewRegistry() (*kernels.Registry, error) {
	reg := kernels.NewRegistry()
	if err := Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}
