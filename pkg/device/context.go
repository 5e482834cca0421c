// Package device provides device contexts: per-place allocation with
// memory accounting and an optional communication context binding.
package device

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/openfroyo/graphexec/pkg/framework"
)

// CommContext describes a collective communication group.
type CommContext struct {
	RingID  int
	Backend string
	Rank    int
	Ranks   int
}

// Stats is the memory accounting of one place.
type Stats struct {
	Allocated    int64
	MaxAllocated int64
	Allocations  int64
	Fake         int64
}

type stats struct {
	allocated    atomic.Int64
	maxAllocated atomic.Int64
	allocations  atomic.Int64
	fake         atomic.Int64
}

func (s *stats) add(n int64) {
	cur := s.allocated.Add(n)
	for {
		peak := s.maxAllocated.Load()
		if cur <= peak || s.maxAllocated.CompareAndSwap(peak, cur) {
			return
		}
	}
}

func (s *stats) snapshot() Stats {
	return Stats{
		Allocated:    s.allocated.Load(),
		MaxAllocated: s.maxAllocated.Load(),
		Allocations:  s.allocations.Load(),
		Fake:         s.fake.Load(),
	}
}

// Context is the per-place execution context handed to kernels.
type Context struct {
	place framework.Place
	pool  *Pool

	mu   sync.RWMutex
	comm *CommContext
}

func (c *Context) Place() framework.Place { return c.place }

// CommContext returns the bound communication context, or nil.
func (c *Context) CommContext() *CommContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.comm
}

// SetCommContext binds a communication context.
func (c *Context) SetCommContext(cc *CommContext) {
	c.mu.Lock()
	c.comm = cc
	c.mu.Unlock()
}

// Alloc attaches size bytes of storage on the context's place to t and
// sets its data type. A fake allocation has zero size. A negative size
// means numel * element width.
func (c *Context) Alloc(t *framework.DenseTensor, dtype framework.DataType, size int, fake bool) error {
	return c.pool.allocate(c.place, t, dtype, size, fake)
}

// HostAlloc is Alloc on the host place.
func (c *Context) HostAlloc(t *framework.DenseTensor, dtype framework.DataType, size int, fake bool) error {
	return c.pool.allocate(framework.CPUPlace(), t, dtype, size, fake)
}

// AllocLike allocates t on the same side as ref: host when ref lives on
// the host, the context's place otherwise.
func (c *Context) AllocLike(ref, t *framework.DenseTensor, dtype framework.DataType) error {
	if ref.Place().IsCPU() {
		return c.HostAlloc(t, dtype, -1, false)
	}
	return c.Alloc(t, dtype, -1, false)
}

// Pool owns one Context per place. Contexts are created on first use.
type Pool struct {
	mu       sync.Mutex
	contexts map[framework.Place]*Context
	stats    map[framework.Place]*stats
}

func NewPool() *Pool {
	return &Pool{
		contexts: make(map[framework.Place]*Context),
		stats:    make(map[framework.Place]*stats),
	}
}

// Get returns the context for place, creating it if needed.
func (p *Pool) Get(place framework.Place) *Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx, ok := p.contexts[place]; ok {
		return ctx
	}
	ctx := &Context{place: place, pool: p}
	p.contexts[place] = ctx
	return ctx
}

// Places lists the places with a context.
func (p *Pool) Places() []framework.Place {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]framework.Place, 0, len(p.contexts))
	for place := range p.contexts {
		out = append(out, place)
	}
	return out
}

// Stats returns the memory accounting of place.
func (p *Pool) Stats(place framework.Place) Stats {
	return p.statsFor(place).snapshot()
}

func (p *Pool) statsFor(place framework.Place) *stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.stats[place]
	if !ok {
		s = &stats{}
		p.stats[place] = s
	}
	return s
}

func (p *Pool) allocate(place framework.Place, t *framework.DenseTensor, dtype framework.DataType, size int, fake bool) error {
	if t == nil {
		return fmt.Errorf("allocate on %s: nil tensor", place)
	}
	if place.IsUndefined() {
		return fmt.Errorf("allocate: undefined place")
	}
	s := p.statsFor(place)
	t.SetDType(dtype)
	if fake {
		s.fake.Add(1)
		t.SetHolder(framework.NewAllocation(place, 0, true, nil))
		return nil
	}
	if size < 0 {
		size = int(t.Numel()) * dtype.Size()
	}
	s.allocations.Add(1)
	s.add(int64(size))
	t.SetHolder(framework.NewAllocation(place, size, false, func(a *framework.Allocation) {
		s.add(-int64(a.Size))
	}))
	return nil
}
