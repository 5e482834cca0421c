package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/graphexec/pkg/interpreter"
	"github.com/openfroyo/graphexec/pkg/workqueue"
)

type runView struct {
	BuildID    string        `json:"build_id"`
	Iterations int           `json:"iterations"`
	Elapsed    time.Duration `json:"elapsed"`
	Fetch      []tensorView  `json:"fetch"`
}

func newRunCommand() *cobra.Command {
	var (
		iterations    int
		hostThreads   int
		deviceThreads int
	)

	cmd := &cobra.Command{
		Use:   "run <program>",
		Short: "Build a program and replay its instructions",
		Long: `Build a program, then replay its instructions through the asynchronous
work queue. Host instructions run on the host lane and device launches on
the device lane. The fetched variables are printed after the last
iteration.`,
		Example: `  # Build and replay ten times
  graphexec run add.yaml --iterations 10

  # Use eight host workers and serve metrics while running
  graphexec run add.yaml --host-threads 8 --metrics-addr :9090`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if iterations < 0 {
				return fmt.Errorf("--iterations must not be negative")
			}
			ctx := cmd.Context()
			env, err := newEnvironment(ctx)
			if err != nil {
				return err
			}
			defer env.close(context.Background())

			s, err := env.prepare(args[0], modeReplay)
			if err != nil {
				return err
			}
			res, err := s.build(ctx)
			if err != nil {
				return err
			}

			host, device := s.cfg.Threads()
			if cmd.Flags().Changed("host-threads") {
				host = hostThreads
			}
			if cmd.Flags().Changed("device-threads") {
				device = deviceThreads
			}
			q := workqueue.NewAsyncWorkQueue(host, device, nil, func(o *workqueue.Options) {
				o.Observer = env.tel.Metrics.RecordTask
				o.Logger = env.tel.Logger.NewComponentLogger("workqueue")
			})
			defer q.Release()

			start := time.Now()
			for i := 0; i < iterations; i++ {
				if err := res.Replay(ctx, q); err != nil {
					return fmt.Errorf("iteration %d: %w", i, err)
				}
			}
			elapsed := time.Since(start)
			log.Info().
				Str("build_id", res.ID).
				Int("iterations", iterations).
				Int("host_threads", host).
				Int("device_threads", device).
				Dur("elapsed", elapsed).
				Msg("Replay finished")

			view := runView{BuildID: res.ID, Iterations: iterations, Elapsed: elapsed}
			for _, t := range interpreter.FetchResults(s.vs.Scope()) {
				view.Fetch = append(view.Fetch, newTensorView(t))
			}
			return printRun(cmd.OutOrStdout(), view)
		},
	}

	cmd.Flags().IntVarP(&iterations, "iterations", "n", 1, "number of replays after the build")
	cmd.Flags().IntVar(&hostThreads, "host-threads", interpreter.DefaultHostNumThreads, "host lane workers")
	cmd.Flags().IntVar(&deviceThreads, "device-threads", interpreter.DefaultDeviceNumThreads, "device launch lane workers")

	return cmd
}

func printRun(w io.Writer, v runView) error {
	if structured() {
		return printStructured(w, v)
	}
	fmt.Fprintf(w, "Build %s replayed %d time(s) in %s\n", v.BuildID, v.Iterations, v.Elapsed)
	for i, t := range v.Fetch {
		values := t.Values
		if values == nil {
			values = "-"
		}
		fmt.Fprintf(w, "fetch[%d] %s%v on %s: %v\n", i, t.DType, t.Dims, t.Place, values)
	}
	return nil
}
