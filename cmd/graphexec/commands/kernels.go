package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/kernels"
)

type kernelView struct {
	Name   string `json:"name"`
	Tier   string `json:"tier"`
	Type   string `json:"type"`
	Key    string `json:"key"`
	Denied bool   `json:"denied,omitempty"`
}

func newKernelsCommand() *cobra.Command {
	var tier string

	cmd := &cobra.Command{
		Use:   "kernels",
		Short: "List registered kernels",
		Long: `List the built-in kernel registrations, structured first. With --place
and --denylist, kernels the denylist rejects on that place are marked.`,
		Example: `  graphexec kernels
  graphexec kernels --tier legacy
  graphexec kernels --place gpu:1 --denylist ./policies`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if tier != "" && tier != "structured" && tier != "legacy" {
				return fmt.Errorf("unknown tier %q (want structured or legacy)", tier)
			}
			env, err := newEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close(context.Background())

			var place framework.Place
			if placeFlag != "" {
				if place, err = framework.ParsePlace(placeFlag); err != nil {
					return err
				}
			}

			var deny kernels.Denylist
			if env.denylist != nil {
				deny = env.denylist
			}

			var views []kernelView
			for _, k := range env.reg.List() {
				if tier != "" && k.Tier != tier {
					continue
				}
				views = append(views, kernelView{
					Name:   k.Name,
					Tier:   k.Tier,
					Type:   k.Type,
					Key:    k.Key.String(),
					Denied: denied(deny, k, place),
				})
			}

			w := cmd.OutOrStdout()
			if structured() {
				return printStructured(w, views)
			}
			tw := newTable(w)
			fmt.Fprintln(tw, "NAME\tTIER\tTYPE\tKEY\tDENIED")
			for _, v := range views {
				mark := ""
				if v.Denied {
					mark = "yes"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", v.Name, v.Tier, v.Type, v.Key, mark)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&tier, "tier", "", "only list this tier (structured, legacy)")

	return cmd
}

// denied reports whether d rejects the structured kernel k on place.
// Legacy kernels are never consulted.
func denied(d kernels.Denylist, k kernels.KernelInfo, place framework.Place) bool {
	if d == nil || place.IsUndefined() || k.Tier != "structured" {
		return false
	}
	return d.Denied(k.Name, place)
}
