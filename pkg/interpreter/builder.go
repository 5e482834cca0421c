package interpreter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/graphexec/pkg/device"
	"github.com/openfroyo/graphexec/pkg/framework"
	"github.com/openfroyo/graphexec/pkg/kernels"
	"github.com/openfroyo/graphexec/pkg/telemetry"
)

// opsUsingScope read variables straight from the scope inside their
// kernels, so they get the real execution scope.
var opsUsingScope = map[string]bool{
	"cinn_launch":          true,
	"cinn_instruction_run": true,
}

// BuildResult is the outcome of one build.
type BuildResult struct {
	ID           string          `json:"id" yaml:"id"`
	Place        framework.Place `json:"place" yaml:"place"`
	StaticBuild  bool            `json:"static_build" yaml:"static_build"`
	Instructions []*Instruction  `json:"-" yaml:"-"`

	// UnusedVars maps a block op index to the variables whose last use
	// it is.
	UnusedVars map[int][]string `json:"unused_vars" yaml:"unused_vars"`

	// ReclaimSets maps a block op index to the variables whose storage
	// was actually released after it.
	ReclaimSets map[int][]string `json:"reclaim_sets" yaml:"reclaim_sets"`

	Warnings []Warning `json:"warnings,omitempty" yaml:"warnings,omitempty"`

	// Reclaimed is the number of allocations freed.
	Reclaimed int64         `json:"reclaimed" yaml:"reclaimed"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// Option configures a Builder.
type Option func(*Builder)

// WithDenylist vetoes structured kernels.
func WithDenylist(d kernels.Denylist) Option {
	return func(b *Builder) { b.deny = d }
}

// WithChain replaces the default resolver chain.
func WithChain(c *kernels.Chain) Option {
	return func(b *Builder) { b.chain = c }
}

// WithCommContexts sets the communication contexts ops with a ring_id
// attribute bind to.
func WithCommContexts(m *device.CommContextManager) Option {
	return func(b *Builder) { b.comms = m }
}

// WithTelemetry sets the logger, tracer and metrics of the bundle.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(b *Builder) {
		if t == nil {
			return
		}
		b.logger, b.tracer, b.metrics = t.Logger, t.Tracer, t.Metrics
	}
}

// WithLogger sets the logger; NewBuilder scopes it to the interpreter component.
func WithLogger(l *telemetry.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// WithMetrics records build metrics into m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(b *Builder) { b.metrics = m }
}

// WithTracer traces builds and kernel runs with t.
func WithTracer(t *telemetry.Tracer) Option {
	return func(b *Builder) { b.tracer = t }
}

// WithWarnOnce shares a warn-once registry between builders.
func WithWarnOnce(w *WarnOnce) Option {
	return func(b *Builder) { b.warn = w }
}

// Builder turns blocks into instruction lists. A Builder may run builds
// over different variable scopes concurrently.
type Builder struct {
	reg   *kernels.Registry
	pool  *device.Pool
	deny  kernels.Denylist
	chain *kernels.Chain
	comms *device.CommContextManager

	logger  *telemetry.Logger
	tracer  *telemetry.Tracer
	metrics *telemetry.Metrics
	warn    *WarnOnce

	gradOnce sync.Once
}

// NewBuilder returns a Builder resolving kernels from reg and allocating
// through pool.
func NewBuilder(reg *kernels.Registry, pool *device.Pool, opts ...Option) *Builder {
	b := &Builder{reg: reg, pool: pool}
	for _, opt := range opts {
		opt(b)
	}
	if b.pool == nil {
		b.pool = device.NewPool()
	}
	if b.logger == nil {
		b.logger = telemetry.NewNopLogger()
	}
	b.logger = b.logger.NewComponentLogger("interpreter")
	if b.tracer == nil {
		b.tracer = telemetry.NewNopTracer()
	}
	if b.comms == nil {
		b.comms = device.NewCommContextManager()
	}
	if b.chain == nil {
		b.chain = kernels.DefaultChain(reg, b.deny)
	}
	if b.warn == nil {
		b.warn = NewWarnOnce(b.logger, b.metrics)
	}
	return b
}

func (b *Builder) Registry() *kernels.Registry { return b.reg }

func (b *Builder) Pool() *device.Pool { return b.pool }

// Build converts block into instructions for place. Kernels run as they
// are selected, so the variables of vs hold real results afterwards;
// with cfg.StaticBuild outputs only get fake storage.
//
// Errors are *framework.BuildError values, except framework.ErrEOF and
// context errors, which are returned unchanged.
func (b *Builder) Build(ctx context.Context, place framework.Place, block *framework.BlockDesc, vs *VariableScope, cfg ExecutionConfig) (*BuildResult, error) {
	if block == nil || vs == nil {
		return nil, framework.NewConfigurationError("block and variable scope are required", nil).
			WithCode(framework.ErrCodeInvalidArgument)
	}
	if place.IsUndefined() {
		return nil, framework.NewConfigurationError("build place is undefined", nil).
			WithCode(framework.ErrCodeInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return nil, framework.NewConfigurationError("invalid execution config", err).
			WithCode(framework.ErrCodeInvalidArgument)
	}

	mode := "run"
	if cfg.StaticBuild {
		mode = "plan"
		if ok, blockers := BlockCanBeStaticBuilt(block, b.reg); !ok {
			b.logger.Info(FormatBlockers(blockers))
			return nil, framework.NewConfigurationError("block cannot be static built", nil).
				WithCode(framework.ErrCodeNotStaticBuild).
				WithDetail("blockers", blockers)
		}
	}

	if err := vs.beginBuild(); err != nil {
		return nil, err
	}
	defer vs.endBuild()

	id := uuid.New().String()
	timer := telemetry.NewTimer()
	ctx, span := b.tracer.StartBuildSpan(ctx, id, place.String(), mode)
	defer span.End()

	s := &buildState{
		b:        b,
		place:    place,
		block:    block,
		vs:       vs,
		cfg:      cfg,
		local:    vs.ExecutionScope(cfg.CreateLocalScope),
		skip:     stringSet(cfg.SkipGCVars),
		warnings: newWarningSet(b.warn),
		logger:   b.logger.WithBuildID(id).WithPlace(place),
		result: &BuildResult{
			ID:          id,
			Place:       place,
			StaticBuild: cfg.StaticBuild,
			UnusedVars:  make(map[int][]string),
			ReclaimSets: make(map[int][]string),
		},
	}
	s.xfer = &DataTransferer{
		Registry: b.reg,
		Pool:     b.pool,
		VarScope: vs,
		Scope:    s.local,
		Static:   cfg.StaticBuild,
		Logger:   s.logger,
		Metrics:  b.metrics,
	}

	err := s.run(ctx)
	s.result.Duration = timer.Duration()
	if err != nil {
		b.metrics.RecordBuild(mode, "error", s.result.Duration)
		var be *framework.BuildError
		if errors.As(err, &be) {
			b.metrics.RecordError(string(be.Class), be.Code)
			telemetry.RecordError(span, err,
				telemetry.AttrErrorClass.String(string(be.Class)),
				telemetry.AttrErrorCode.String(be.Code))
		} else {
			telemetry.RecordError(span, err)
		}
		s.logger.WithError(err).Error("build failed")
		return nil, err
	}
	telemetry.RecordSuccess(span)
	b.metrics.RecordBuild(mode, "ok", s.result.Duration)
	s.logger.WithFields(map[string]interface{}{
		"instructions": len(s.result.Instructions),
		"reclaimed":    s.result.Reclaimed,
		"warnings":     len(s.result.Warnings),
		"duration_ms":  s.result.Duration.Milliseconds(),
	}).Info("build finished")
	return s.result, nil
}

// buildState is the per-build working set.
type buildState struct {
	b        *Builder
	place    framework.Place
	block    *framework.BlockDesc
	vs       *VariableScope
	cfg      ExecutionConfig
	local    *framework.Scope
	skip     map[string]struct{}
	xfer     *DataTransferer
	warnings *warningSet
	garbage  *GarbageQueue
	logger   *telemetry.Logger
	result   *BuildResult
}

func (s *buildState) run(ctx context.Context) error {
	ops, err := CreateAllOps(s.block, s.b.reg.Ops())
	if err != nil {
		return err
	}
	if !s.cfg.UsedForJIT {
		for _, name := range prepareSafeEagerDeletion(ops) {
			s.skip[name] = struct{}{}
		}
	}
	unused := GetUnusedVars(s.block, ops)
	for i, op := range ops {
		if names, ok := unused[op]; ok {
			s.result.UnusedVars[i] = names
		}
	}

	s.garbage = NewGarbageQueue(len(ops))
	defer func() { s.result.Reclaimed = s.garbage.Close() }()

	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.buildOp(ctx, i, op); err != nil {
			return err
		}
		s.reclaim(i, unused[op])
		s.logMemoryStats()
	}
	s.result.Warnings = s.warnings.list
	return nil
}

func (s *buildState) append(instr *Instruction) {
	instr.Index = len(s.result.Instructions)
	s.result.Instructions = append(s.result.Instructions, instr)
	s.b.metrics.RecordInstruction(instr.Type.String(), instr.KernelKind())
}

func (s *buildState) buildOp(ctx context.Context, i int, op *Operator) (err error) {
	_, span := s.b.tracer.StartOpSpan(ctx, op.Type, i)
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		}
		span.End()
	}()
	logger := s.logger.WithOp(op.Type, i)

	if IsGradOp(op.Type) {
		s.b.gradOnce.Do(func() { s.b.logger.Info("grad op found, building a standalone program") })
	}

	notInProgram := opsWithVarNotInProgram[op.Type]
	notInScope := opsWithVarNotInScope[op.Type]
	ins, inIDs, err := BuildVariableMap(op.Inputs, s.vs, s.local, s.cfg.UsedForControlFlowOp || notInProgram, notInScope)
	if err != nil {
		return withOp(err, op)
	}
	outs, outIDs, err := BuildVariableMap(op.Outputs, s.vs, s.local, s.cfg.UsedForControlFlowOp, notInScope)
	if err != nil {
		return withOp(err, op)
	}

	instr := newInstruction(op, i)
	instr.Inputs, instr.Outputs = inIDs, outIDs
	if d := op.DistAttr; d != nil {
		if d.ExecutionStream != "" && d.ExecutionStream != framework.DefaultExecutionStream {
			instr.ExecutionStream = d.ExecutionStream
		}
		instr.StreamPriority = d.StreamPriority
		instr.SchedulingPriority = d.SchedulingPriority
	} else if IsCommunicationOp(op.Type) {
		instr.SchedulingPriority = 1
	}
	logger.Tracef("stream=%q stream_priority=%d scheduling_priority=%d",
		instr.ExecutionStream, instr.StreamPriority, instr.SchedulingPriority)

	guard := newSingleStreamGuard(op)
	defer guard.restore()

	logger.Debugf("start building %s", op)
	var pre, post []*Instruction
	err = safely(func() error {
		if op.IsOperatorBase() {
			return s.handleOperatorBase(op, instr, ins, outs)
		}
		var err error
		pre, post, err = s.handleKernelOp(op, i, instr, ins, outs, logger)
		return err
	})
	if err != nil {
		if errors.Is(err, framework.ErrEOF) {
			return err
		}
		logger.WithError(err).Warn("op raised an error")
		return withOp(err, op)
	}

	for _, p := range pre {
		s.append(p)
	}
	s.append(instr)
	for _, p := range post {
		s.append(p)
	}
	telemetry.AnnotateKernel(span, string(instr.Path), instr.Type.String(), instr.Key.String())
	logger.Debugf("end building %s", op)
	return nil
}

// handleOperatorBase runs an op that has no kernel.
func (s *buildState) handleOperatorBase(op *Operator, instr *Instruction, ins, outs VariableValueMap) error {
	dc := s.b.pool.Get(s.place)
	t, err := AnalyseOpFuncType(op, s.place)
	if err != nil {
		return err
	}
	instr.Type = t
	instr.Device = dc
	instr.Key = framework.KernelKey{Place: s.place}
	instr.ctx = &kernels.ExecContext{
		OpType:  op.Type,
		Attrs:   op.Attrs,
		Inputs:  ins,
		Outputs: outs,
		Device:  dc,
		Key:     instr.Key,
		Scope:   s.local,
	}
	return op.Info.Run(instr.ctx)
}

func (s *buildState) handleKernelOp(op *Operator, i int, instr *Instruction, ins, outs VariableValueMap, logger *telemetry.Logger) (pre, post []*Instruction, err error) {
	info := op.Info
	dc := s.b.pool.Get(s.place)
	s.setDeviceCommContext(op, dc)

	ectx := &kernels.ExecContext{
		OpType:  op.Type,
		Attrs:   op.Attrs,
		Inputs:  ins,
		Outputs: outs,
		Device:  dc,
	}
	if opsUsingScope[op.Type] {
		ectx.Scope = s.local
	}

	var expected framework.KernelKey
	if info.ExpectedKernelKey != nil {
		expected = info.ExpectedKernelKey(ectx)
	} else {
		expected = kernels.DefaultKernelKey(ectx)
	}
	if info.CanCUDNN != nil && info.CanCUDNN(ectx, expected.DType) {
		expected.Library = framework.LibraryCUDNN
	}
	logger.Tracef("expected kernel key %s", expected)
	if err := ApplyDeviceGuard(op, dc.Place(), &expected, s.b.reg, s.warnings.warn); err != nil {
		return nil, nil, err
	}

	res, err := s.b.chain.Resolve(&kernels.Request{OpType: op.Type, Signature: info.Signature, ExpectedKey: expected})
	if err != nil {
		return nil, nil, err
	}
	if res.Path != kernels.PathStructured {
		s.b.metrics.RecordKernelFallback(op.Type, string(res.Path))
	}
	if res.FellBackToCPU() {
		s.warnings.warn(Warning{
			Kind:    WarnKernelFallback,
			Key:     op.Type + "/" + expected.Place.Kind.String(),
			Message: fmt.Sprintf("op %s has no usable kernel for %s, falling back to cpu", op.Type, expected),
		})
	}

	instr.Structured, instr.Legacy = res.Structured, res.Legacy
	instr.Key, instr.Path = res.Key, res.Path
	if res.Key.Place != dc.Place() {
		dc = s.b.pool.Get(res.Key.Place)
	}
	instr.Device = dc
	if cc := dc.CommContext(); cc != nil {
		instr.CommRing = cc.RingID
	}
	ectx.Device, ectx.Key = dc, res.Key
	if instr.Type, err = AnalyseOpFuncType(op, res.Key.Place); err != nil {
		return nil, nil, err
	}
	logger.Debugf("selected %s kernel %s", res.Path, res.Key)

	if pre, err = s.xfer.ApplyDataTransform(op, i, instr, ectx); err != nil {
		return nil, nil, err
	}

	if info.InferShape != nil && !op.Attrs.BoolOr(AttrAllKernelsMustComputeRuntimeShape, false) {
		if err := info.InferShape(ectx); err != nil {
			return nil, nil, err
		}
	}

	static := s.cfg.StaticBuild
	switch {
	case res.Structured != nil && res.Structured.Type == kernels.Function:
		if static {
			err = FakeInitializeOutputsForFunctionKernel(res.Structured, info.Signature, ectx.Outputs, dc)
		} else {
			err = res.Structured.Fn(ectx)
		}
	case res.Structured != nil:
		if static {
			err = FakeInitializeOutputsForStructureKernel(res.Key, ectx)
		} else {
			err = res.Structured.Fn(ectx)
		}
	default:
		if static {
			err = FakeInitializeOutputsForStructureKernel(res.Key, ectx)
		} else {
			err = res.Legacy.Fn(ectx)
		}
	}
	if err != nil {
		return nil, nil, err
	}

	if s.cfg.CheckNaNInf && !static {
		if err := checkNaNInf(ectx); err != nil {
			return nil, nil, err
		}
	}
	instr.ctx = ectx

	for _, p := range instr.InplaceBack {
		p.Apply()
		logger.Tracef("transfer inplace variable back from %s to %s", s.vs.Name(p.Transformed), s.vs.Name(p.Original))
	}

	if IsGradOp(op.Type) && res.Key.DType.IsComplex() {
		if post, err = s.xfer.HandleComplexGradToRealGrad(op, instr, ectx); err != nil {
			return nil, nil, err
		}
	}
	return pre, post, nil
}

// setDeviceCommContext binds the communication context of the op's ring
// to dc when dc has none.
func (s *buildState) setDeviceCommContext(op *Operator, dc *device.Context) {
	if !op.Attrs.Has(AttrRingID) {
		return
	}
	ring := int(op.Attrs.IntOr(AttrRingID, 0))
	if !s.b.comms.Has(ring) {
		s.warnings.warn(Warning{
			Kind:    WarnMissingComm,
			Key:     fmt.Sprintf("%s/%d", op.Type, ring),
			Message: fmt.Sprintf("op %s, ring_id %d: no communication context", op.Type, ring),
		})
		return
	}
	if dc.CommContext() == nil {
		dc.SetCommContext(s.b.comms.Get(ring))
	}
}

// reclaim releases the storage of the variables whose last use is op i.
func (s *buildState) reclaim(i int, names []string) {
	var batch []*framework.Allocation
	var released []string
	for _, name := range names {
		if _, skip := s.skip[name]; skip {
			continue
		}
		v := s.local.FindVar(name)
		if v == nil {
			continue
		}
		batch = append(batch, framework.MoveHolders(v)...)
		released = append(released, name)
	}
	s.garbage.Push(batch)
	if len(released) > 0 {
		s.result.ReclaimSets[i] = released
		s.b.metrics.RecordReclaimed(len(released))
		s.logger.Tracef("op %d: reclaimed %v", i, released)
	}
}

// logMemoryStats logs device memory of GPU places when enabled.
func (s *buildState) logMemoryStats() {
	if !s.cfg.LogMemoryStats || !s.place.IsGPU() {
		return
	}
	st := s.b.pool.Stats(s.place)
	s.logger.Infof("memory_allocated: %.3f MB", float64(st.Allocated)/1024/1024)
	s.logger.Infof("max_memory_allocated: %.3f MB", float64(st.MaxAllocated)/1024/1024)
	s.b.metrics.SetDeviceMemory(s.place.String(), st.Allocated, st.MaxAllocated)
}

// safely runs fn, converting a panic into a runtime failure.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = framework.NewRuntimeFailure(fmt.Sprintf("panic: %v", r), nil).
				WithCode(framework.ErrCodeKernelPanic)
		}
	}()
	return fn()
}

// withOp attaches the operator to err. Classified errors keep their
// class; anything else becomes a kernel failure.
func withOp(err error, op *Operator) error {
	if errors.Is(err, framework.ErrEOF) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var be *framework.BuildError
	if errors.As(err, &be) {
		if be.OpType == "" {
			be.WithOp(op.Type)
		}
		if be.Attrs == nil {
			be.WithAttrs(op.Attrs)
		}
		return err
	}
	return framework.NewRuntimeFailure("kernel failed", err).
		WithOp(op.Type).
		WithAttrs(op.Attrs).
		WithCode(framework.ErrCodeKernelFailed)
}

func checkNaNInf(ctx *kernels.ExecContext) error {
	for _, param := range framework.SortedParams(ctx.Outputs) {
		for _, v := range ctx.Outputs[param] {
			t := framework.PeekTensor(v)
			if t == nil || !t.Initialized() || t.Holder().Fake {
				continue
			}
			bad := false
			switch t.DType() {
			case framework.Float32:
				for _, x := range framework.Data[float32](t) {
					if f := float64(x); math.IsNaN(f) || math.IsInf(f, 0) {
						bad = true
						break
					}
				}
			case framework.Float64:
				for _, x := range framework.Data[float64](t) {
					if math.IsNaN(x) || math.IsInf(x, 0) {
						bad = true
						break
					}
				}
			}
			if bad {
				return framework.NewRuntimeFailure(fmt.Sprintf("output %s contains NaN or Inf", v.Name()), nil).
					WithCode(framework.ErrCodeNaNInf).
					WithDetail("variable", v.Name())
			}
		}
	}
	return nil
}
