package guardrails

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RunMode 阶段执行模式
type RunMode string

const (
	// RunModeParallel 并行调度所有护栏，按注册下标裁决
	RunModeParallel RunMode = "parallel"
	// RunModeSequential 按注册顺序逐个执行
	RunModeSequential RunMode = "sequential"
)

// RunnerConfig 阶段执行器配置
type RunnerConfig struct {
	// Mode 执行模式
	Mode RunMode
	// MaxConcurrency 并行模式下的最大并发数，<=0 表示不限制
	MaxConcurrency int
}

// DefaultRunnerConfig 返回默认配置
func DefaultRunnerConfig() *RunnerConfig {
	return &RunnerConfig{
		Mode: RunModeParallel,
	}
}

// Hooks 阶段执行观察回调，均可为 nil。
// 回调可能在多个 goroutine 中并发调用。
type Hooks struct {
	OnUnitStart func(stage Stage, guardrail string)
	OnUnitEnd   func(stage Stage, guardrail string, tripped bool, err error, elapsed time.Duration)
	OnStageEnd  func(stage Stage, triggered string, err error, elapsed time.Duration)
}

// RunnerOption 执行器选项
type RunnerOption func(*StageRunner)

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) RunnerOption {
	return func(r *StageRunner) {
		if logger != nil {
			r.logger = logger.With(zap.String("component", "stage_runner"))
		}
	}
}

// WithTracer 设置 OpenTelemetry tracer
func WithTracer(tracer trace.Tracer) RunnerOption {
	return func(r *StageRunner) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithMeter 设置 OpenTelemetry meter，默认使用全局 MeterProvider
func WithMeter(meter metric.Meter) RunnerOption {
	return func(r *StageRunner) {
		if meter != nil {
			r.meter = meter
		}
	}
}

// WithHooks 设置观察回调
func WithHooks(hooks Hooks) RunnerOption {
	return func(r *StageRunner) {
		r.hooks = hooks
	}
}

// StageRunner 针对一个载荷执行一组护栏并产生 StageOutcome。
// 可被多个 goroutine 并发使用。
type StageRunner struct {
	mode           RunMode
	maxConcurrency int
	hooks          Hooks
	logger         *zap.Logger
	tracer         trace.Tracer
	meter          metric.Meter
	instruments    stageInstruments
}

// NewStageRunner 创建阶段执行器
func NewStageRunner(config *RunnerConfig, opts ...RunnerOption) *StageRunner {
	if config == nil {
		config = DefaultRunnerConfig()
	}
	mode := config.Mode
	if mode == "" {
		mode = RunModeParallel
	}

	r := &StageRunner{
		mode:           mode,
		maxConcurrency: config.MaxConcurrency,
		logger:         zap.NewNop(),
		tracer:         otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.instruments = newStageInstruments(r.meter, r.logger)
	return r
}

// Mode 返回执行模式
func (r *StageRunner) Mode() RunMode {
	return r.mode
}

// RunStage 用给定执行器运行一个阶段。
// 返回的 error 只可能是 *CheckExecutionError 或上下文错误；
// Tripwire 通过 StageOutcome.Triggered 表达，由调用方决定如何转换为错误。
func RunStage[R Verdict](ctx context.Context, r *StageRunner, units []Unit[R], ec ExecutionContext) (StageOutcome[R], error) {
	if r == nil {
		r = NewStageRunner(nil)
	}

	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "guardrails.stage",
		trace.WithAttributes(
			attribute.String("guardrails.stage", string(ec.Stage)),
			attribute.String("guardrails.agent", ec.Agent),
			attribute.String("guardrails.tool", ec.Tool),
			attribute.String("guardrails.mode", string(r.mode)),
			attribute.Int("guardrails.count", len(units)),
		))
	defer span.End()

	var (
		outcome StageOutcome[R]
		err     error
	)
	if r.mode == RunModeSequential {
		outcome, err = runSequential(ctx, r, units, ec)
	} else {
		outcome, err = runParallel(ctx, r, units, ec)
	}
	elapsed := time.Since(start)
	r.instruments.recordStage(ctx, ec.Stage, outcome.Tripped(), err, elapsed)

	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("guardrail stage failed",
			zap.String("stage", string(ec.Stage)),
			zap.String("agent", ec.Agent),
			zap.String("tool", ec.Tool),
			zap.Error(err))
	case outcome.Tripped():
		span.SetAttributes(attribute.String("guardrails.triggered", outcome.Triggered))
		r.logger.Warn("guardrail tripwire triggered",
			zap.String("stage", string(ec.Stage)),
			zap.String("agent", ec.Agent),
			zap.String("tool", ec.Tool),
			zap.String("guardrail", outcome.Triggered),
			zap.Int("results", len(outcome.Results)))
	default:
		r.logger.Debug("guardrail stage passed",
			zap.String("stage", string(ec.Stage)),
			zap.Int("results", len(outcome.Results)),
			zap.Duration("elapsed", elapsed))
	}
	if r.hooks.OnStageEnd != nil {
		r.hooks.OnStageEnd(ec.Stage, outcome.Triggered, err, elapsed)
	}
	return outcome, err
}

// invoke 执行单个护栏并记录 span / 回调
func invoke[R Verdict](ctx context.Context, r *StageRunner, u Unit[R], ec ExecutionContext) (R, error) {
	if r.hooks.OnUnitStart != nil {
		r.hooks.OnUnitStart(ec.Stage, u.Name)
	}
	ctx, span := r.tracer.Start(ctx, "guardrails.check",
		trace.WithAttributes(
			attribute.String("guardrails.stage", string(ec.Stage)),
			attribute.String("guardrails.name", u.Name),
		))
	start := time.Now()
	res, err := u.Run(ctx, ec)
	elapsed := time.Since(start)
	r.instruments.recordCheck(ctx, ec.Stage, u.Name, elapsed)

	tripped := err == nil && res.Tripped()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Bool("guardrails.tripped", tripped))
	}
	span.End()

	r.logger.Debug("guardrail checked",
		zap.String("stage", string(ec.Stage)),
		zap.String("guardrail", u.Name),
		zap.Bool("tripped", tripped),
		zap.Duration("elapsed", elapsed),
		zap.Error(err))
	if r.hooks.OnUnitEnd != nil {
		r.hooks.OnUnitEnd(ec.Stage, u.Name, tripped, err, elapsed)
	}
	return res, err
}

func newOutcome[R Verdict](stage Stage) StageOutcome[R] {
	return StageOutcome[R]{
		Stage:          stage,
		Results:        []StageResult[R]{},
		TriggeredIndex: -1,
	}
}

// runSequential 按注册顺序执行，遇到第一个触发或故障即停止
func runSequential[R Verdict](ctx context.Context, r *StageRunner, units []Unit[R], ec ExecutionContext) (StageOutcome[R], error) {
	outcome := newOutcome[R](ec.Stage)

	for i, u := range units {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}
		if !u.Applies(ec) {
			continue
		}

		res, err := invoke(ctx, r, u, ec)
		if err != nil {
			if ctx.Err() != nil && IsContextError(err) {
				return outcome, ctx.Err()
			}
			return outcome, err
		}
		outcome.Results = append(outcome.Results, StageResult[R]{Index: i, Guardrail: u.Name, Result: res})
		if res.Tripped() {
			outcome.Triggered = u.Name
			outcome.TriggeredIndex = i
			return outcome, nil
		}
	}
	return outcome, nil
}

// slot 并行模式下单个护栏的完成状态
type slot[R Verdict] struct {
	applies bool
	done    bool
	result  R
	err     error
}

// parallelState 并行裁决状态。
// frontier 是第一个尚未确定为"已通过"的注册下标：
// 它之前的护栏全部完成且未触发，因此 frontier 处的触发或故障就是最终裁决。
type parallelState[R Verdict] struct {
	mu       sync.Mutex
	slots    []slot[R]
	frontier int
	decided  bool
	decision chan struct{}
}

// advance 在持锁状态下推进 frontier，必要时做出裁决
func (s *parallelState[R]) advance() {
	for s.frontier < len(s.slots) {
		sl := s.slots[s.frontier]
		if !sl.applies {
			s.frontier++
			continue
		}
		if !sl.done {
			return
		}
		if sl.err != nil || sl.result.Tripped() {
			s.decide()
			return
		}
		s.frontier++
	}
	s.decide()
}

func (s *parallelState[R]) decide() {
	if !s.decided {
		s.decided = true
		close(s.decision)
	}
}

// runParallel 并发调度全部护栏，按注册下标而非完成时间裁决。
// 裁决一旦确定即取消剩余护栏并立即返回，不等待高下标护栏完成。
func runParallel[R Verdict](ctx context.Context, r *StageRunner, units []Unit[R], ec ExecutionContext) (StageOutcome[R], error) {
	outcome := newOutcome[R](ec.Stage)
	if err := ctx.Err(); err != nil {
		return outcome, err
	}

	state := &parallelState[R]{
		slots:    make([]slot[R], len(units)),
		decision: make(chan struct{}),
	}
	for i, u := range units {
		state.slots[i].applies = u.Applies(ec)
	}

	stageCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	state.mu.Lock()
	state.advance()
	state.mu.Unlock()

	g, gctx := errgroup.WithContext(stageCtx)
	if r.maxConcurrency > 0 {
		g.SetLimit(r.maxConcurrency)
	}

	// 调度放在独立 goroutine 中：SetLimit 会阻塞 g.Go
	go func() {
		for i, u := range units {
			if !state.slots[i].applies {
				continue
			}
			state.mu.Lock()
			stop := state.decided
			state.mu.Unlock()
			if stop || gctx.Err() != nil {
				return
			}

			i, u := i, u
			g.Go(func() error {
				// 裁决之后不再启动新的护栏
				state.mu.Lock()
				stop := state.decided
				state.mu.Unlock()
				if stop || gctx.Err() != nil {
					return nil
				}

				res, err := invoke(gctx, r, u, ec)

				state.mu.Lock()
				defer state.mu.Unlock()
				if state.decided {
					return nil
				}
				state.slots[i].done = true
				state.slots[i].result = res
				state.slots[i].err = err
				state.advance()
				return nil
			})
		}
	}()

	select {
	case <-state.decision:
	case <-ctx.Done():
	}
	cancel()

	state.mu.Lock()
	defer state.mu.Unlock()

	if !state.decided {
		// 父上下文先于裁决被取消
		state.decided = true
		return collect(outcome, units, state.slots), ctx.Err()
	}

	outcome = collect(outcome, units, state.slots)
	if state.frontier < len(state.slots) {
		sl := state.slots[state.frontier]
		if sl.err != nil {
			if ctx.Err() != nil && IsContextError(sl.err) {
				return outcome, ctx.Err()
			}
			return outcome, sl.err
		}
		outcome.Triggered = units[state.frontier].Name
		outcome.TriggeredIndex = state.frontier
	}
	return outcome, nil
}

// collect 按注册顺序汇总已完成且成功的结果
func collect[R Verdict](outcome StageOutcome[R], units []Unit[R], slots []slot[R]) StageOutcome[R] {
	for i, sl := range slots {
		if !sl.applies || !sl.done || sl.err != nil {
			continue
		}
		outcome.Results = append(outcome.Results, StageResult[R]{Index: i, Guardrail: units[i].Name, Result: sl.result})
	}
	return outcome
}

// IsContextError 判断是否为上下文取消或超时
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
