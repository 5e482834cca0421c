package interpreter_test

import (
	"context"
	"fmt"

	"github.com/openfroyo/graphexec/pkg/device"
	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/interpreter"
	"github.com/openfroyo/graphexec/pkg/kernels/builtin"
)

func ExampleBuilder_Build() {
	reg, err := builtin.NewRegistry()
	if err != nil {
		panic(err)
	}

	block := framework.NewBlockDesc(0)
	block.Var("X")
	block.AppendOp("fill_constant").
		SetOutput("Out", "X").
		SetAttr("shape", []int64{2}).
		SetAttr("dtype", "float32").
		SetAttr("value", 1.5)
	block.Var("Y")
	block.AppendOp("relu").SetInput("X", "X").SetOutput("Out", "Y")
	interpreter.AddFetch([]string{"Y"}, block)

	cfg := interpreter.DefaultExecutionConfig()
	vs := interpreter.NewVariableScope(framework.NewScope())
	if err := interpreter.BuildVariableScope(block, cfg, vs); err != nil {
		panic(err)
	}

	res, err := interpreter.NewBuilder(reg, device.NewPool()).
		Build(context.Background(), framework.CPUPlace(), block, vs, cfg)
	if err != nil {
		panic(err)
	}
	for _, instr := range res.Instructions {
		fmt.Println(instr.Op.Type, instr.Type)
	}
	fmt.Println(framework.Data[float32](interpreter.FetchResults(vs.Scope())[0]))
	// Output:
	// fill_constant cpu_sync
	// relu cpu_sync
	// fetch_v2 cpu_sync
	// [1.5 1.5]
}
