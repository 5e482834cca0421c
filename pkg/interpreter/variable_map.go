package interpreter

import (
	"fmt"

	"github.com/openfroyo/graphexec/pkg/framework"
)

// VariableValueMap binds argument params to variables.
type VariableValueMap map[string][]*framework.Variable

// VariableIDMap binds argument params to variable ids.
type VariableIDMap map[string][]int

// Names of ops whose arguments may be missing from the variable scope.
var (
	opsWithVarNotInProgram = map[string]bool{
		"create_py_reader": true,
	}
	opsWithVarNotInScope = map[string]bool{
		"conditional_block":      true,
		"conditional_block_grad": true,
		"recurrent_grad":         true,
		"rnn_memory_helper":      true,
		"rnn_memory_helper_grad": true,
		"while":                  true,
		"while_grad":             true,
	}
)

// BuildVariableMap resolves every argument of names against local and
// the id map of vs. A name unknown to vs is registered on the fly when
// findRecursively is set and local (or an ancestor) holds it; otherwise it
// is dropped when allowNotInScope is set and rejected when not.
// EmptyVarName slots are dropped.
func BuildVariableMap(names map[string][]string, vs *VariableScope, local *framework.Scope, findRecursively, allowNotInScope bool) (VariableValueMap, VariableIDMap, error) {
	values := make(VariableValueMap, len(names))
	ids := make(VariableIDMap, len(names))
	for _, param := range framework.SortedParams(names) {
		args := names[param]
		vars := make([]*framework.Variable, 0, len(args))
		idList := make([]int, 0, len(args))
		for _, name := range args {
			if name == framework.EmptyVarName {
				continue
			}
			v := local.FindVar(name)
			if !vs.HasVar(name) {
				switch {
				case findRecursively && v != nil:
					if _, err := vs.AddVar(name, nil); err != nil {
						return nil, nil, err
					}
				case allowNotInScope:
					continue
				}
			}
			id, ok := vs.VarID(name)
			if !ok {
				return nil, nil, framework.NewConfigurationError(
					fmt.Sprintf("variable %s (argument %s) is not declared", name, param), nil).
					WithCode(framework.ErrCodeUndeclaredVar)
			}
			vars = append(vars, v)
			idList = append(idList, id)
		}
		values[param] = vars
		ids[param] = idList
	}
	return values, ids, nil
}
