package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/graphexec/pkg/interpreter"
	"github.com/openfroyo/graphexec/pkg/stores"
)

func newBuildCommand() *cobra.Command {
	var storePath string

	cmd := &cobra.Command{
		Use:   "build <program>",
		Short: "Build a program into instructions",
		Long: `Build a program into an ordered list of instructions.

The build:
  - Loads and validates the program (YAML or CUE)
  - Creates its variables and writes its feeds
  - Resolves a kernel for every op and runs it once
  - Inserts data transfers between places
  - Reclaims variables after their last use`,
		Example: `  # Build for the program's own place
  graphexec build add.yaml

  # Build for the second GPU and keep the record
  graphexec build add.yaml --place gpu:1 --store builds.db

  # Deny kernels with a Rego policy
  graphexec build add.yaml --denylist ./policies`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := newEnvironment(ctx)
			if err != nil {
				return err
			}
			defer env.close(context.Background())

			s, err := env.prepare(args[0], modeBuild)
			if err != nil {
				return err
			}
			res, buildErr := s.build(ctx)

			record, err := recordBuild(ctx, storePath, args[0], s, res, buildErr)
			if err != nil {
				return err
			}
			if buildErr != nil {
				return buildErr
			}
			return printBuild(cmd.OutOrStdout(), record)
		},
	}

	cmd.Flags().StringVar(&storePath, "store", "", "SQLite database that keeps build records")

	return cmd
}

// recordBuild converts the outcome of a build into a record and, when
// storePath is set, saves it.
func recordBuild(ctx context.Context, storePath, program string, s *session, res *interpreter.BuildResult, buildErr error) (*stores.Build, error) {
	id := uuid.NewString()
	if res != nil {
		id = res.ID
	}
	record, err := stores.NewBuild(id, program, s.place, s.cfg, res, buildErr)
	if err != nil {
		return nil, err
	}
	if storePath == "" {
		return record, nil
	}

	store, err := openStore(ctx, storePath)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	if err := store.SaveBuild(ctx, record); err != nil {
		return nil, err
	}
	log.Info().Str("build_id", record.ID).Str("store", storePath).Msg("Saved build")
	return record, nil
}

func openStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func printBuild(w io.Writer, b *stores.Build) error {
	if structured() {
		return printStructured(w, b)
	}
	fmt.Fprintf(w, "Build %s (%s on %s): %d instruction(s), %d variable(s) reclaimed in %s\n\n",
		b.ID, b.Program, b.Place, b.InstructionCount, b.Reclaimed, b.Duration)
	if err := printInstructions(w, b.Instructions); err != nil {
		return err
	}
	if b.Reclaimed > 0 {
		fmt.Fprintln(w, "\nReclaimed:")
		printReclaims(w, b.Reclaims)
	}
	if len(b.Warnings) > 0 {
		fmt.Fprintln(w)
		printWarnings(w, b.Warnings)
	}
	return nil
}
