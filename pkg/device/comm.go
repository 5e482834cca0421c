package device

import (
	"sort"
	"sync"
)

// CommContextManager maps ring ids to communication contexts.
type CommContextManager struct {
	mu    sync.RWMutex
	rings map[int]*CommContext
}

func NewCommContextManager() *CommContextManager {
	return &CommContextManager{rings: make(map[int]*CommContext)}
}

// Set registers cc under its ring id.
func (m *CommContextManager) Set(cc *CommContext) {
	m.mu.Lock()
	m.rings[cc.RingID] = cc
	m.mu.Unlock()
}

func (m *CommContextManager) Has(ring int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rings[ring]
	return ok
}

func (m *CommContextManager) Get(ring int) *CommContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rings[ring]
}

// Rings lists registered ring ids in ascending order.
func (m *CommContextManager) Rings() []int {
	m.mu.RLock()
	out := make([]int, 0, len(m.rings))
	for id := range m.rings {
		out = append(out, id)
	}
	m.mu.RUnlock()
	sort.Ints(out)
	return out
}
