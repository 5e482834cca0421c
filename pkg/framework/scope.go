package framework

import (
	"sort"
	"sync"
)

// Scope is a node in a tree of variable namespaces. Lookups fall back to
// ancestors; creation is always local.
type Scope struct {
	mu     sync.RWMutex
	parent *Scope
	kids   []*Scope
	vars   map[string]*Variable
}

// NewScope creates a root scope.
func NewScope() *Scope {
	return &Scope{vars: make(map[string]*Variable)}
}

// NewChild creates a child scope.
func (s *Scope) NewChild() *Scope {
	child := &Scope{parent: s, vars: make(map[string]*Variable)}
	s.mu.Lock()
	s.kids = append(s.kids, child)
	s.mu.Unlock()
	return child
}

func (s *Scope) Parent() *Scope { return s.parent }

// Root returns the topmost ancestor.
func (s *Scope) Root() *Scope {
	root := s
	for root.parent != nil {
		root = root.parent
	}
	return root
}

// Var returns the local variable name, creating it when absent.
func (s *Scope) Var(name string) *Variable {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.vars[name]; ok {
		return v
	}
	v := NewVariable(name)
	s.vars[name] = v
	return v
}

// FindLocalVar looks up name in this scope only.
func (s *Scope) FindLocalVar(name string) *Variable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vars[name]
}

// FindVar looks up name here and then in each ancestor.
func (s *Scope) FindVar(name string) *Variable {
	for cur := s; cur != nil; cur = cur.parent {
		if v := cur.FindLocalVar(name); v != nil {
			return v
		}
	}
	return nil
}

// HasVar reports whether FindVar would succeed.
func (s *Scope) HasVar(name string) bool {
	return s.FindVar(name) != nil
}

// LocalVarNames lists local names in sorted order.
func (s *Scope) LocalVarNames() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.vars))
	for name := range s.vars {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

// EraseVars removes local variables.
func (s *Scope) EraseVars(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		delete(s.vars, name)
	}
}

// Kids returns the child scopes.
func (s *Scope) Kids() []*Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Scope(nil), s.kids...)
}

// DropKids detaches all child scopes.
func (s *Scope) DropKids() {
	s.mu.Lock()
	s.kids = nil
	s.mu.Unlock()
}
