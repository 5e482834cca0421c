package kernels

import (
	"errors"

	"github.com/openfroyo/graphexec/pkg/framework"
)

// ErrTryNext tells the chain to consult the next resolver.
var ErrTryNext = errors.New("kernels: try next resolver")

// Path names the tier a kernel was found in.
type Path string

const (
	PathStructured  Path = "structured"
	PathCPUFallback Path = "cpu_fallback"
	PathLegacy      Path = "legacy"
)

// Request is one resolution: an operator type and the device-guarded key.
type Request struct {
	OpType      string
	Signature   *Signature
	ExpectedKey framework.KernelKey

	// Set by resolvers as the chain progresses.
	structuredTried bool
	denylisted      bool
}

// Resolution is the chosen kernel. Exactly one of Structured and Legacy
// is set.
type Resolution struct {
	Structured *StructuredKernel
	Legacy     *LegacyKernel
	Key        framework.KernelKey
	Path       Path
}

// FellBackToCPU reports whether the host place was substituted.
func (r *Resolution) FellBackToCPU() bool {
	return r.Path == PathCPUFallback
}

// Resolver is one tier. It returns ErrTryNext when it cannot serve req.
type Resolver interface {
	Name() string
	Resolve(req *Request) (*Resolution, error)
}

// Chain consults resolvers in order until one succeeds.
type Chain struct {
	resolvers []Resolver
}

func NewChain(resolvers ...Resolver) *Chain {
	return &Chain{resolvers: resolvers}
}

// DefaultChain is structured, then host fallback, then legacy.
func DefaultChain(reg *Registry, deny Denylist) *Chain {
	return NewChain(
		&StructuredResolver{Registry: reg, Denylist: deny},
		&CPUFallbackResolver{Registry: reg},
		&LegacyResolver{Registry: reg},
	)
}

// Resolve runs the chain. When every tier declines it fails with a
// kernel resolution error naming the operator and key.
func (c *Chain) Resolve(req *Request) (*Resolution, error) {
	for _, r := range c.resolvers {
		res, err := r.Resolve(req)
		if errors.Is(err, ErrTryNext) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return res, nil
	}
	return nil, framework.NewKernelResolutionError("no kernel found", nil).
		WithOp(req.OpType).
		WithKey(req.ExpectedKey).
		WithCode(framework.ErrCodeNoKernel)
}

// StructuredResolver selects from the structured registry by signature
// name.
type StructuredResolver struct {
	Registry *Registry
	Denylist Denylist
}

func (*StructuredResolver) Name() string { return string(PathStructured) }

func (s *StructuredResolver) Resolve(req *Request) (*Resolution, error) {
	if req.Signature == nil || !s.Registry.HasCompatibleStructuredKernel(req.OpType) {
		return nil, ErrTryNext
	}
	req.structuredTried = true
	if s.Denylist != nil && s.Denylist.Denied(req.Signature.Name, req.ExpectedKey.Place) {
		req.denylisted = true
		return nil, ErrTryNext
	}
	k := s.Registry.SelectStructured(req.Signature.Name, req.ExpectedKey)
	if !k.IsValid() {
		return nil, ErrTryNext
	}
	return &Resolution{Structured: k, Key: req.ExpectedKey, Path: PathStructured}, nil
}

// CPUFallbackResolver retries the structured registry on the host place
// when the structured lookup failed and the legacy table cannot serve the
// key, or when the structured kernel is denylisted.
type CPUFallbackResolver struct {
	Registry *Registry
}

func (*CPUFallbackResolver) Name() string { return string(PathCPUFallback) }

func (c *CPUFallbackResolver) Resolve(req *Request) (*Resolution, error) {
	if !req.structuredTried || req.ExpectedKey.Place.IsCPU() {
		return nil, ErrTryNext
	}
	if !req.denylisted && c.Registry.SelectLegacy(req.OpType, req.ExpectedKey) != nil {
		return nil, ErrTryNext
	}
	key := req.ExpectedKey.WithPlace(framework.CPUPlace())
	k := c.Registry.SelectStructured(req.Signature.Name, key)
	if !k.IsValid() {
		return nil, ErrTryNext
	}
	return &Resolution{Structured: k, Key: key, Path: PathCPUFallback}, nil
}

// LegacyResolver looks the key up in the legacy per-operator table.
type LegacyResolver struct {
	Registry *Registry
}

func (*LegacyResolver) Name() string { return string(PathLegacy) }

func (l *LegacyResolver) Resolve(req *Request) (*Resolution, error) {
	k := l.Registry.SelectLegacy(req.OpType, req.ExpectedKey)
	if k == nil {
		return nil, ErrTryNext
	}
	return &Resolution{Legacy: k, Key: req.ExpectedKey, Path: PathLegacy}, nil
}
