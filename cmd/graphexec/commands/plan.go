package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/interpreter"
	"github.com/openfroyo/graphexec/pkg/stores"
)

// varView is the metadata a planning build leaves on a variable.
type varView struct {
	Name  string  `json:"name"`
	DType string  `json:"dtype"`
	Dims  []int64 `json:"dims"`
	Place string  `json:"place"`
}

type planView struct {
	*stores.Build
	Vars []varView `json:"vars"`
}

func newPlanCommand() *cobra.Command {
	var storePath string

	cmd := &cobra.Command{
		Use:   "plan <program>",
		Short: "Plan a program without running kernels",
		Long: `Plan a program: select a kernel for every op and give outputs fake
storage carrying dtype and place, without running any kernel.

Programs with ops that cannot be planned are rejected; see 'check'.`,
		Example: `  # Plan for the first GPU
  graphexec plan add.yaml --place gpu:0

  # Plan and print the result as YAML
  graphexec plan add.cue --yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := newEnvironment(ctx)
			if err != nil {
				return err
			}
			defer env.close(context.Background())

			s, err := env.prepare(args[0], modePlan)
			if err != nil {
				return err
			}
			if ok, blockers := interpreter.BlockCanBeStaticBuilt(s.block, env.reg); !ok {
				fmt.Fprint(cmd.ErrOrStderr(), interpreter.FormatBlockers(blockers))
				return framework.NewConfigurationError(fmt.Sprintf("%s cannot be planned", args[0]), nil).
					WithCode(framework.ErrCodeNotStaticBuild)
			}
			res, buildErr := s.build(ctx)

			record, err := recordBuild(ctx, storePath, args[0], s, res, buildErr)
			if err != nil {
				return err
			}
			if buildErr != nil {
				return buildErr
			}
			return printPlan(cmd.OutOrStdout(), planView{Build: record, Vars: plannedVars(s)})
		},
	}

	cmd.Flags().StringVar(&storePath, "store", "", "SQLite database that keeps build records")

	return cmd
}

// plannedVars lists the dense tensors of the block that carry a dtype
// after planning.
func plannedVars(s *session) []varView {
	scope := s.vs.ExecutionScope(s.cfg.CreateLocalScope)
	var out []varView
	for _, vd := range s.block.Vars {
		v := scope.FindVar(vd.Name)
		if v == nil {
			continue
		}
		t := v.DenseTensor()
		if t == nil || t.DType() == framework.Undefined {
			continue
		}
		out = append(out, varView{
			Name:  vd.Name,
			DType: t.DType().String(),
			Dims:  t.Dims(),
			Place: t.Place().String(),
		})
	}
	return out
}

func printPlan(w io.Writer, p planView) error {
	if structured() {
		return printStructured(w, p)
	}
	if err := printBuild(w, p.Build); err != nil {
		return err
	}
	fmt.Fprintln(w, "\nVariables:")
	tw := newTable(w)
	fmt.Fprintln(tw, "NAME\tDTYPE\tDIMS\tPLACE")
	for _, v := range p.Vars {
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", v.Name, v.DType, v.Dims, v.Place)
	}
	return tw.Flush()
}
