package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/graphexec/pkg/stores"
)

func newInspectCommand() *cobra.Command {
	var (
		storePath string
		status    string
		limit     int
		offset    int
		remove    bool
	)

	cmd := &cobra.Command{
		Use:   "inspect [build-id]",
		Short: "Show stored builds",
		Long: `List the builds kept in a store, newest first, or show one build with its
instructions, reclaimed variables and warnings.`,
		Example: `  # List the last 20 builds
  graphexec inspect --store builds.db

  # Only failed builds
  graphexec inspect --store builds.db --status failed

  # Show one build as JSON
  graphexec inspect --store builds.db 6f1c... --json

  # Delete a build
  graphexec inspect --store builds.db 6f1c... --delete`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, storePath)
			if err != nil {
				return err
			}
			defer store.Close()

			w := cmd.OutOrStdout()
			if len(args) == 1 {
				if remove {
					if err := store.DeleteBuild(ctx, args[0]); err != nil {
						return fmt.Errorf("build %s: %w", args[0], err)
					}
					fmt.Fprintf(w, "Deleted build %s\n", args[0])
					return nil
				}
				b, err := store.GetBuild(ctx, args[0])
				if err != nil {
					return fmt.Errorf("build %s: %w", args[0], err)
				}
				return printStoredBuild(w, b)
			}
			if remove {
				return fmt.Errorf("--delete needs a build id")
			}

			var filter *stores.BuildStatus
			if status != "" {
				s := stores.BuildStatus(status)
				if s != stores.BuildStatusSucceeded && s != stores.BuildStatusFailed {
					return fmt.Errorf("unknown status %q (want succeeded or failed)", status)
				}
				filter = &s
			}
			builds, err := store.ListBuilds(ctx, filter, limit, offset)
			if err != nil {
				return err
			}
			return printBuildList(w, builds)
		},
	}

	cmd.Flags().StringVar(&storePath, "store", "", "SQLite database that keeps build records")
	cmd.Flags().StringVar(&status, "status", "", "only list builds with this status (succeeded, failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of builds to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of builds to skip")
	cmd.Flags().BoolVar(&remove, "delete", false, "delete the build instead of showing it")
	_ = cmd.MarkFlagRequired("store")

	return cmd
}

func printStoredBuild(w io.Writer, b *stores.Build) error {
	if structured() {
		return printStructured(w, b)
	}
	if b.Status == stores.BuildStatusFailed {
		fmt.Fprintf(w, "Build %s (%s on %s) failed at %s\n", b.ID, b.Program, b.Place, b.CreatedAt.Format("2006-01-02 15:04:05"))
		if b.Error != nil {
			fmt.Fprintf(w, "  %s\n", *b.Error)
		}
		return nil
	}
	return printBuild(w, b)
}

func printBuildList(w io.Writer, builds []*stores.BuildRecord) error {
	if structured() {
		return printStructured(w, builds)
	}
	if len(builds) == 0 {
		fmt.Fprintln(w, "No builds")
		return nil
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tPROGRAM\tPLACE\tSTATUS\tMODE\tINSTRUCTIONS\tCREATED")
	for _, b := range builds {
		mode := "run"
		if b.StaticBuild {
			mode = "plan"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			b.ID, b.Program, b.Place, b.Status, mode, b.InstructionCount, b.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}
