package interpreter

import "github.com/openfroyo/graphexec/pkg/framework"

// FetchVarName is the persistable fetch list fetch_v2 ops write into.
const FetchVarName = "fetch"

// AddFetch appends one fetch_v2 op per name to block. Fetch i copies its
// variable into column i of the fetch list.
func AddFetch(fetchNames []string, block *framework.BlockDesc) {
	holder := block.Var(FetchVarName)
	holder.Type = framework.KindFetchList
	holder.Persistable = true

	for i, name := range fetchNames {
		block.AppendOp(OpFetch).
			SetInput("X", name).
			SetOutput("Out", FetchVarName).
			SetAttr("col", i)
	}
}

// FetchResults reads the fetch list of scope, nil when absent.
func FetchResults(scope *framework.Scope) []*framework.DenseTensor {
	v := scope.FindVar(FetchVarName)
	if v == nil {
		return nil
	}
	if fl, ok := v.Payload().(*framework.FetchList); ok {
		return fl.Items
	}
	return nil
}
