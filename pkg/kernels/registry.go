package kernels

import (
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/graphexec/pkg/framework"
)

// Registry is the kernel factory: operator metadata, the structured
// kernel registry and the legacy per-operator table.
type Registry struct {
	ops *OpInfoMap

	mu         sync.RWMutex
	structured map[string][]*StructuredKernel
	legacy     map[string][]*LegacyKernel
}

func NewRegistry() *Registry {
	return &Registry{
		ops:        NewOpInfoMap(),
		structured: make(map[string][]*StructuredKernel),
		legacy:     make(map[string][]*LegacyKernel),
	}
}

// Ops returns the operator metadata map.
func (r *Registry) Ops() *OpInfoMap { return r.ops }

// RegisterOp adds operator metadata. Registering a type twice fails.
func (r *Registry) RegisterOp(info *OpInfo) error {
	if info == nil || info.Type == "" {
		return fmt.Errorf("register op: empty type")
	}
	if !r.ops.insert(info) {
		return fmt.Errorf("op %s already registered", info.Type)
	}
	return nil
}

func (r *Registry) OpInfo(opType string) (*OpInfo, bool) {
	return r.ops.Get(opType)
}

// RegisterStructured adds a structured kernel. Two kernels with the same
// name and key conflict.
func (r *Registry) RegisterStructured(k *StructuredKernel) error {
	if !k.IsValid() || k.Name == "" {
		return fmt.Errorf("register structured kernel %q: missing name or function", k.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.structured[k.Name] {
		if existing.Key == k.Key {
			return fmt.Errorf("structured kernel %s %s already registered", k.Name, k.Key)
		}
	}
	r.structured[k.Name] = append(r.structured[k.Name], k)
	return nil
}

// RegisterLegacy adds a legacy kernel.
func (r *Registry) RegisterLegacy(k *LegacyKernel) error {
	if k == nil || k.Fn == nil || k.OpType == "" {
		return fmt.Errorf("register legacy kernel: missing op type or function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.legacy[k.OpType] {
		if existing.Key == k.Key {
			return fmt.Errorf("legacy kernel %s %s already registered", k.OpType, k.Key)
		}
	}
	r.legacy[k.OpType] = append(r.legacy[k.OpType], k)
	return nil
}

// HasStructuredKernel reports whether kernels registered with the
// Structure calling convention exist under opType.
func (r *Registry) HasStructuredKernel(opType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, k := range r.structured[opType] {
		if k.Type == Structure {
			return true
		}
	}
	return false
}

// HasCompatibleStructuredKernel reports whether opType maps onto any
// structured kernel through its signature.
func (r *Registry) HasCompatibleStructuredKernel(opType string) bool {
	info, ok := r.ops.Get(opType)
	if !ok || info.Signature == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.structured[info.Signature.Name]) > 0
}

// HasLegacyKernel reports whether the legacy table has any entry for
// opType.
func (r *Registry) HasLegacyKernel(opType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.legacy[opType]) > 0
}

// StructuredKernelsFor lists the kernels registered under name.
func (r *Registry) StructuredKernelsFor(name string) []*StructuredKernel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*StructuredKernel(nil), r.structured[name]...)
}

// LegacyKernelsFor lists the legacy kernels of opType.
func (r *Registry) LegacyKernelsFor(opType string) []*LegacyKernel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*LegacyKernel(nil), r.legacy[opType]...)
}

// SupportsPlaceKind reports whether the legacy table of opType has a
// kernel for the device class kind.
func (r *Registry) SupportsPlaceKind(opType string, kind framework.PlaceKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, k := range r.legacy[opType] {
		if k.Key.Place.Kind == kind {
			return true
		}
	}
	return false
}

// SelectStructured picks the best structured kernel named name for key,
// or nil. The place class must match; an exact data type, layout and
// library beat wildcards.
func (r *Registry) SelectStructured(name string, key framework.KernelKey) *StructuredKernel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *StructuredKernel
	bestScore := -1
	for _, k := range r.structured[name] {
		if s := matchScore(k.Key, key); s > bestScore {
			best, bestScore = k, s
		}
	}
	return best
}

// SelectLegacy picks the best legacy kernel of opType for key, or nil.
func (r *Registry) SelectLegacy(opType string, key framework.KernelKey) *LegacyKernel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *LegacyKernel
	bestScore := -1
	for _, k := range r.legacy[opType] {
		if s := matchScore(k.Key, key); s > bestScore {
			best, bestScore = k, s
		}
	}
	return best
}

// matchScore rates a registered key against a wanted key; -1 means no
// match. Undefined dtype, any layout and plain library on the registered
// side act as wildcards.
func matchScore(registered, want framework.KernelKey) int {
	if registered.Place.Kind != want.Place.Kind {
		return -1
	}
	score := 0
	switch {
	case registered.DType == want.DType:
		score += 4
	case registered.DType != framework.Undefined:
		return -1
	}
	switch {
	case registered.Layout == want.Layout:
		score += 2
	case registered.Layout != framework.LayoutAny && want.Layout != framework.LayoutAny:
		return -1
	}
	switch {
	case registered.Library == want.Library:
		score++
	case registered.Library != framework.LibraryPlain:
		return -1
	}
	return score
}

// KernelInfo summarizes one registration for listings.
type KernelInfo struct {
	Name   string
	Tier   string
	Type   string
	Key    framework.KernelKey
	OpType string
}

// List returns every registration, structured first, sorted by name.
func (r *Registry) List() []KernelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []KernelInfo
	for name, ks := range r.structured {
		for _, k := range ks {
			out = append(out, KernelInfo{Name: name, Tier: "structured", Type: k.Type.String(), Key: k.Key})
		}
	}
	for op, ks := range r.legacy {
		for _, k := range ks {
			out = append(out, KernelInfo{Name: op, Tier: "legacy", Type: "legacy", Key: k.Key, OpType: op})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier > out[j].Tier
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}
