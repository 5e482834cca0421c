package interpreter

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/openfroyo/graphexec/pkg/framework"
)

// VariableScope maps variable names to dense integer ids for one build
// and keeps the declaration behind each id. Ids start at 0 and are never
// reused; the map may grow while a build runs.
//
// A VariableScope must not be built concurrently. Overlapping builds are
// rejected.
type VariableScope struct {
	mu      sync.RWMutex
	scope   *framework.Scope
	local   *framework.Scope
	name2id map[string]int
	names   []string
	descs   []*framework.VarDesc

	building atomic.Bool
}

// NewVariableScope wraps scope.
func NewVariableScope(scope *framework.Scope) *VariableScope {
	if scope == nil {
		scope = framework.NewScope()
	}
	return &VariableScope{
		scope:   scope,
		name2id: make(map[string]int),
	}
}

// Scope is the scope the variable scope was created over.
func (vs *VariableScope) Scope() *framework.Scope { return vs.scope }

// LocalScope returns the local child scope, or nil when none was created.
func (vs *VariableScope) LocalScope() *framework.Scope {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.local
}

// SetLocalScope installs s as the local scope.
func (vs *VariableScope) SetLocalScope(s *framework.Scope) {
	vs.mu.Lock()
	vs.local = s
	vs.mu.Unlock()
}

// EnsureLocalScope returns the local scope, creating a child of Scope()
// when absent.
func (vs *VariableScope) EnsureLocalScope() *framework.Scope {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.local == nil {
		vs.local = vs.scope.NewChild()
	}
	return vs.local
}

// ExecutionScope is the scope ops of a build read and write.
func (vs *VariableScope) ExecutionScope(useLocal bool) *framework.Scope {
	if useLocal {
		return vs.EnsureLocalScope()
	}
	return vs.scope
}

func (vs *VariableScope) HasVar(name string) bool {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	_, ok := vs.name2id[name]
	return ok
}

// VarID returns the id of name.
func (vs *VariableScope) VarID(name string) (int, bool) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	id, ok := vs.name2id[name]
	return id, ok
}

// Name returns the name of id, or "" when out of range.
func (vs *VariableScope) Name(id int) string {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	if id < 0 || id >= len(vs.names) {
		return ""
	}
	return vs.names[id]
}

// VarDesc returns the declaration of id. Variables registered on the fly
// have none.
func (vs *VariableScope) VarDesc(id int) *framework.VarDesc {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	if id < 0 || id >= len(vs.descs) {
		return nil
	}
	return vs.descs[id]
}

// Size is the number of registered ids.
func (vs *VariableScope) Size() int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return len(vs.names)
}

// Names lists registered names in id order.
func (vs *VariableScope) Names() []string {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return append([]string(nil), vs.names...)
}

// AddVar registers name and returns its id. Registering an existing name
// returns the existing id; a declaration is attached if the id had none.
// A declaration of another payload kind than the recorded one is
// rejected.
func (vs *VariableScope) AddVar(name string, desc *framework.VarDesc) (int, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if id, ok := vs.name2id[name]; ok {
		prev := vs.descs[id]
		switch {
		case prev == nil:
			vs.descs[id] = desc
		case desc != nil && prev.Type != desc.Type:
			return id, framework.NewConfigurationError(
				fmt.Sprintf("variable %s redeclared as %s, previously %s", name, desc.Type, prev.Type), nil).
				WithCode(framework.ErrCodeRedeclaredVar)
		}
		return id, nil
	}
	id := len(vs.names)
	vs.name2id[name] = id
	vs.names = append(vs.names, name)
	vs.descs = append(vs.descs, desc)
	return id, nil
}

func (vs *VariableScope) beginBuild() error {
	if !vs.building.CompareAndSwap(false, true) {
		return framework.NewConfigurationError("another build is using this variable scope", nil).
			WithCode(framework.ErrCodeBuildInProgress)
	}
	return nil
}

func (vs *VariableScope) endBuild() {
	vs.building.Store(false)
}

// BuildVariableScope creates the variables declared by block and registers
// them. Persistable variables and those named in cfg.ForceRootScopeVars
// live in the root of the scope tree; the rest go to the local scope when
// cfg.CreateLocalScope is set and to vs.Scope() otherwise.
func BuildVariableScope(block *framework.BlockDesc, cfg ExecutionConfig, vs *VariableScope) error {
	inner := vs.Scope()
	local := vs.ExecutionScope(cfg.CreateLocalScope)
	force := stringSet(cfg.ForceRootScopeVars)

	for _, desc := range block.Vars {
		if desc == nil || desc.Name == framework.EmptyVarName {
			continue
		}
		target := local
		if _, forced := force[desc.Name]; desc.Persistable || forced {
			target = inner.Root()
		}
		v := target.Var(desc.Name)
		if err := v.Initialize(desc.Type); err != nil {
			return framework.NewConfigurationError("incompatible variable redeclaration", err).
				WithCode(framework.ErrCodeRedeclaredVar).
				WithDetail("variable", desc.Name)
		}
		if _, err := vs.AddVar(desc.Name, desc); err != nil {
			return err
		}
	}
	return nil
}
