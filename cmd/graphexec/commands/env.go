package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/graphexec/pkg/config"
	"github.com/openfroyo/graphexec/pkg/device"
	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/interpreter"
	"github.com/openfroyo/graphexec/pkg/kernels"
	"github.com/openfroyo/graphexec/pkg/kernels/builtin"
	"github.com/openfroyo/graphexec/pkg/policy"
	"github.com/openfroyo/graphexec/pkg/telemetry"
)

// environment holds what every command shares: telemetry, the kernel
// registry, the device pool and the optional denylist.
type environment struct {
	tel      *telemetry.Telemetry
	reg      *kernels.Registry
	pool     *device.Pool
	loader   *config.Loader
	warnOnce *interpreter.WarnOnce
	denylist *policy.RegoDenylist
	policies *policy.Loader
}

func telemetryConfig() *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = serviceVersion
	cfg.Logging.Level = zerolog.GlobalLevel().String()
	if cfg.Logging.Level == "disabled" || cfg.Logging.Level == "panic" {
		cfg.Logging.Level = "fatal"
	}
	if metricsAddr != "" {
		cfg.Metrics.ListenAddress = metricsAddr
	}
	if traceExporter != "" && traceExporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = traceExporter
		cfg.Tracing.Endpoint = traceEndpoint
		cfg.Tracing.Writer = os.Stderr
	}
	return cfg
}

func newEnvironment(ctx context.Context) (*environment, error) {
	tel, err := telemetry.NewTelemetry(telemetryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	if metricsAddr != "" {
		if err := tel.StartMetricsServer(); err != nil {
			return nil, fmt.Errorf("failed to start metrics server: %w", err)
		}
		log.Info().Str("addr", metricsAddr).Msg("Serving metrics")
	}

	reg, err := builtin.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to register kernels: %w", err)
	}
	loader, err := config.NewLoader()
	if err != nil {
		return nil, err
	}

	env := &environment{
		tel:      tel,
		reg:      reg,
		pool:     device.NewPool(),
		loader:   loader,
		warnOnce: interpreter.NewWarnOnce(tel.Logger, tel.Metrics),
	}
	if len(denylistPaths) > 0 {
		if err := env.loadDenylist(ctx); err != nil {
			_ = env.close(ctx)
			return nil, err
		}
	}
	return env, nil
}

// loadDenylist compiles the denylist policies and, with --watch,
// recompiles them whenever a policy file changes.
func (e *environment) loadDenylist(ctx context.Context) error {
	logger := e.tel.Logger.NewComponentLogger("policy").Zerolog()
	e.policies = policy.NewLoader(logger)
	ps, err := e.policies.LoadFromPaths(ctx, denylistPaths)
	if err != nil {
		return err
	}
	e.denylist, err = policy.NewRegoDenylist(ctx, logger, ps...)
	if err != nil {
		return err
	}
	log.Debug().Int("policies", len(ps)).Strs("paths", denylistPaths).Msg("Loaded denylist")

	if !watchPolicies {
		return nil
	}
	return e.policies.Watch(ctx, denylistPaths, func(ps []policy.Policy) error {
		return e.denylist.Update(ctx, ps)
	})
}

func (e *environment) close(ctx context.Context) error {
	if e.policies != nil {
		_ = e.policies.StopWatching()
	}
	return e.tel.Shutdown(ctx)
}

func (e *environment) builderOptions(pc *config.ProgramConfig) []interpreter.Option {
	opts := []interpreter.Option{
		interpreter.WithTelemetry(e.tel),
		interpreter.WithWarnOnce(e.warnOnce),
		interpreter.WithCommContexts(pc.CommContexts()),
	}
	if e.denylist != nil {
		opts = append(opts, interpreter.WithDenylist(e.denylist))
	}
	return opts
}

// session is a loaded program with a populated variable scope, ready to
// build.
type session struct {
	program *config.ProgramConfig
	block   *framework.BlockDesc
	place   framework.Place
	cfg     interpreter.ExecutionConfig
	vs      *interpreter.VariableScope
	builder *interpreter.Builder
}

type buildMode int

const (
	modeBuild buildMode = iota
	// modePlan selects kernels without running them.
	modePlan
	// modeReplay keeps fed variables alive so the instructions can run
	// again.
	modeReplay
)

// prepare loads the program at path, registers its checkers, creates
// its variables and writes its feeds.
func (e *environment) prepare(path string, mode buildMode) (*session, error) {
	pc, err := e.loader.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := pc.RegisterCheckers(e.reg, filepath.Dir(path)); err != nil {
		return nil, err
	}
	block, err := pc.ToBlockDesc()
	if err != nil {
		return nil, err
	}

	place, err := pc.DefaultPlace()
	if err != nil {
		return nil, err
	}
	if placeFlag != "" {
		if place, err = framework.ParsePlace(placeFlag); err != nil {
			return nil, framework.NewConfigurationError("invalid --place", err).
				WithCode(framework.ErrCodeInvalidArgument)
		}
	}

	cfg := pc.Execution
	switch mode {
	case modePlan:
		cfg.StaticBuild = true
	case modeReplay:
		cfg.SkipGCVars = append([]string(nil), cfg.SkipGCVars...)
		for _, f := range pc.Feeds {
			cfg.SkipGCVars = append(cfg.SkipGCVars, f.Var)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, framework.NewConfigurationError("invalid execution config", err).
			WithCode(framework.ErrCodeInvalidArgument)
	}

	vs := interpreter.NewVariableScope(framework.NewScope())
	if err := interpreter.BuildVariableScope(block, cfg, vs); err != nil {
		return nil, err
	}
	if err := pc.ApplyFeeds(vs.ExecutionScope(cfg.CreateLocalScope), e.pool, place); err != nil {
		return nil, err
	}

	return &session{
		program: pc,
		block:   block,
		place:   place,
		cfg:     cfg,
		vs:      vs,
		builder: interpreter.NewBuilder(e.reg, e.pool, e.builderOptions(pc)...),
	}, nil
}

func (s *session) build(ctx context.Context) (*interpreter.BuildResult, error) {
	log.Debug().
		Str("program", s.program.Name).
		Str("place", s.place.String()).
		Bool("static_build", s.cfg.StaticBuild).
		Msg("Building program")
	return s.builder.Build(ctx, s.place, s.block, s.vs, s.cfg)
}
