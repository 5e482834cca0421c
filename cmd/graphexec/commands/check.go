package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/graphexec/pkg/interpreter"
)

type checkReport struct {
	Program  string                           `json:"program"`
	Ops      int                              `json:"ops"`
	Eligible bool                             `json:"eligible"`
	Blockers []interpreter.StaticBuildBlocker `json:"blockers"`
}

func newCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <program>",
		Short: "Report whether a program can be planned",
		Long: `Report whether every op of a program can be planned without running
kernels. Op types that cannot are listed with the reason.`,
		Example: `  graphexec check add.yaml
  graphexec check add.yaml --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close(context.Background())

			pc, err := env.loader.LoadFile(args[0])
			if err != nil {
				return err
			}
			block, err := pc.ToBlockDesc()
			if err != nil {
				return err
			}
			ok, blockers := interpreter.BlockCanBeStaticBuilt(block, env.reg)
			report := checkReport{Program: args[0], Ops: len(block.Ops), Eligible: ok, Blockers: blockers}

			w := cmd.OutOrStdout()
			if structured() {
				if err := printStructured(w, report); err != nil {
					return err
				}
			} else if ok {
				fmt.Fprintf(w, "%s: all %d op(s) can be planned\n", args[0], report.Ops)
			} else {
				fmt.Fprint(w, interpreter.FormatBlockers(blockers))
			}
			if !ok {
				return fmt.Errorf("%d op type(s) of %s cannot be planned", len(blockers), args[0])
			}
			return nil
		},
	}

	return cmd
}
