package kernels

import (
	"sync"

	"github.com/openfroyo/graphexec/pkg/framework"
)

// Denylist vetoes structured kernels per place.
type Denylist interface {
	Denied(kernelName string, place framework.Place) bool
}

// StaticDenylist is an in-memory Denylist keyed by kernel name and device
// class.
type StaticDenylist struct {
	mu      sync.RWMutex
	entries map[string]map[framework.PlaceKind]bool
}

func NewStaticDenylist() *StaticDenylist {
	return &StaticDenylist{entries: make(map[string]map[framework.PlaceKind]bool)}
}

// Add denies kernelName on every place of class kind.
func (d *StaticDenylist) Add(kernelName string, kind framework.PlaceKind) *StaticDenylist {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.entries[kernelName] == nil {
		d.entries[kernelName] = make(map[framework.PlaceKind]bool)
	}
	d.entries[kernelName][kind] = true
	return d
}

func (d *StaticDenylist) Denied(kernelName string, place framework.Place) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.entries[kernelName][place.Kind]
}
