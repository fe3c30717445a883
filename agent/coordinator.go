// 此文件实现 Agent 执行协调器：在主计算前后运行输入 / 输出护栏，
// 并把工具护栏的 RaiseException 转换为整个运行的取消。
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/guardflow/agent/audit"
	"github.com/BaSui01/guardflow/agent/guardrails"
	"github.com/BaSui01/guardflow/agent/tools"
	"github.com/BaSui01/guardflow/config"
	"github.com/BaSui01/guardflow/types"
)

// MetricsRecorder 协调器使用的指标接口，*metrics.Collector 实现了它
type MetricsRecorder interface {
	tools.DecisionRecorder
	RecordCheck(stage, guardrail string, tripped bool, err error, duration time.Duration)
	RecordStage(stage string, tripped bool, err error, duration time.Duration)
	RecordRun(agent, status string, duration time.Duration)
}

// RunResult 一次成功运行的结果。触发 Tripwire 的运行不返回结果。
type RunResult struct {
	RunID          string                  `json:"run_id"`
	FinalOutput    any                     `json:"final_output"`
	LastAgent      string                  `json:"last_agent"`
	InputOutcome   guardrails.AgentOutcome `json:"input_outcome"`
	OutputOutcome  guardrails.AgentOutcome `json:"output_outcome"`
	Turns          int                     `json:"turns"`
	ToolDeliveries []tools.Delivery        `json:"tool_deliveries"`
	Duration       time.Duration           `json:"duration"`
}

// CoordinatorOption 协调器选项
type CoordinatorOption func(*Coordinator)

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracer 设置 tracer
func WithTracer(tracer trace.Tracer) CoordinatorOption {
	return func(c *Coordinator) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithMeter 设置护栏阶段 OTel 指标使用的 meter
func WithMeter(meter metric.Meter) CoordinatorOption {
	return func(c *Coordinator) {
		c.meter = meter
	}
}

// WithAuditLogger 设置审计记录器
func WithAuditLogger(l audit.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.audit = l
		}
	}
}

// WithMetrics 设置指标记录器
func WithMetrics(m MetricsRecorder) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithHooks 设置护栏观察回调
func WithHooks(hooks guardrails.Hooks) CoordinatorOption {
	return func(c *Coordinator) {
		c.hooks = hooks
	}
}

// RunOption 单次运行选项
type RunOption func(*runOptions)

type runOptions struct {
	runID string
	state *guardrails.RunState
}

// WithRunID 指定运行 ID，默认生成 UUID
func WithRunID(id string) RunOption {
	return func(o *runOptions) { o.runID = id }
}

// WithRunState 指定共享状态，调用方可在运行结束后读取护栏写入的值
func WithRunState(state *guardrails.RunState) RunOption {
	return func(o *runOptions) { o.state = state }
}

// Coordinator Agent 执行协调器，可被多个 goroutine 并发使用
type Coordinator struct {
	runner       *guardrails.StageRunner
	maxTurns     int
	stageTimeout time.Duration
	limiter      *rate.Limiter

	audit   audit.Logger
	metrics MetricsRecorder
	hooks   guardrails.Hooks
	base    *zap.Logger
	logger  *zap.Logger
	tracer  trace.Tracer
	meter   metric.Meter
}

// NewCoordinator 根据护栏配置创建协调器
func NewCoordinator(cfg config.GuardrailsConfig, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		maxTurns:     cfg.MaxTurns,
		stageTimeout: cfg.StageTimeout,
		audit:        audit.Nop{},
		logger:       zap.NewNop(),
		tracer:       otel.Tracer("github.com/BaSui01/guardflow/agent"),
	}
	if c.maxTurns <= 0 {
		c.maxTurns = config.DefaultConfig().Guardrails.MaxTurns
	}
	if cfg.ToolRateLimit > 0 {
		burst := cfg.ToolRateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.ToolRateLimit), burst)
	}
	for _, opt := range opts {
		opt(c)
	}

	c.base = c.logger
	c.runner = guardrails.NewStageRunner(&guardrails.RunnerConfig{
		Mode:           guardrails.RunMode(cfg.Mode),
		MaxConcurrency: cfg.MaxConcurrency,
	},
		guardrails.WithLogger(c.base),
		guardrails.WithTracer(c.tracer),
		guardrails.WithMeter(c.meter),
		guardrails.WithHooks(c.stageHooks()),
	)
	c.logger = c.logger.With(zap.String("component", "agent_coordinator"))
	return c
}

// Runner 返回协调器使用的阶段执行器
func (c *Coordinator) Runner() *guardrails.StageRunner {
	return c.runner
}

// Run 执行一次受护栏保护的运行：
//
//  1. 输入护栏在主计算启动之前完成，触发时主计算不会启动；
//  2. 主计算可 handoff 给其他 Agent，输入护栏不再重复执行；
//  3. 最后一个 Agent 的输出护栏检查最终输出。
//
// Tripwire 以 *guardrails.TripwireError / *guardrails.ToolTripwireError 返回，不返回部分结果。
func (c *Coordinator) Run(ctx context.Context, a *Agent, input guardrails.Payload, opts ...RunOption) (*RunResult, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if input == nil {
		input = guardrails.TextPayload("")
	}

	ro := runOptions{}
	for _, opt := range opts {
		opt(&ro)
	}
	if ro.runID == "" {
		ro.runID = uuid.NewString()
	}
	if ro.state == nil {
		ro.state = guardrails.NewRunState()
	}

	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "guardrails.run",
		trace.WithAttributes(
			attribute.String("guardrails.run_id", ro.runID),
			attribute.String("guardrails.agent", a.Name),
		))
	defer span.End()

	result, err := c.run(ctx, a, input, ro)
	elapsed := time.Since(start)
	status := runStatus(err)

	if c.metrics != nil {
		c.metrics.RecordRun(a.Name, status, elapsed)
	}
	span.SetAttributes(attribute.String("guardrails.status", status))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("guarded run stopped",
			zap.String("run_id", ro.runID),
			zap.String("agent", a.Name),
			zap.String("status", status),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil, err
	}

	result.Duration = elapsed
	c.logger.Info("guarded run completed",
		zap.String("run_id", ro.runID),
		zap.String("agent", a.Name),
		zap.String("last_agent", result.LastAgent),
		zap.Int("turns", result.Turns),
		zap.Duration("elapsed", elapsed))
	return result, nil
}

func (c *Coordinator) run(ctx context.Context, a *Agent, input guardrails.Payload, ro runOptions) (*RunResult, error) {
	runCtx, abort := context.WithCancelCause(types.WithRunID(ctx, ro.runID))
	defer abort(nil)

	rs := &runState{id: ro.runID, state: ro.state, abort: abort}

	// 输入阶段
	ec := guardrails.ExecutionContext{
		RunID:   rs.id,
		Stage:   guardrails.StageInput,
		Agent:   a.Name,
		Payload: input,
		State:   rs.state,
	}
	inOutcome, err := c.runStage(runCtx, a.InputGuardrails, ec)
	if err != nil {
		return nil, err
	}
	if inOutcome.Tripped() {
		c.auditTripwire(runCtx, ec, inOutcome)
		return nil, guardrails.NewTripwireError(a.Name, inOutcome)
	}

	// 主计算与 handoff 链
	current, payload := a, input
	var (
		final any
		turns int
	)
	for {
		turns++
		if turns > c.maxTurns {
			return nil, fmt.Errorf("%w: limit %d reached at agent %q", ErrMaxTurnsExceeded, c.maxTurns, current.Name)
		}
		if turns > 1 {
			if err := current.Validate(); err != nil {
				return nil, err
			}
		}

		res, err := c.runTurn(runCtx, rs, current, payload)
		if err != nil {
			return nil, err
		}
		if res.Handoff == nil {
			final = res.Output
			break
		}

		c.logger.Info("agent handoff",
			zap.String("run_id", rs.id),
			zap.String("from", current.Name),
			zap.String("to", res.Handoff.Name),
			zap.Int("turn", turns))
		current, payload = res.Handoff, asPayload(res.Output)
	}

	// 输出阶段，使用最后一个 Agent 的输出护栏
	ec = guardrails.ExecutionContext{
		RunID:   rs.id,
		Stage:   guardrails.StageOutput,
		Agent:   current.Name,
		Payload: guardrails.OutputPayload{Value: final},
		State:   rs.state,
	}
	outOutcome, err := c.runStage(runCtx, current.OutputGuardrails, ec)
	if err != nil {
		return nil, err
	}
	if outOutcome.Tripped() {
		c.auditTripwire(runCtx, ec, outOutcome)
		return nil, guardrails.NewTripwireError(current.Name, outOutcome)
	}

	return &RunResult{
		RunID:          rs.id,
		FinalOutput:    final,
		LastAgent:      current.Name,
		InputOutcome:   inOutcome,
		OutputOutcome:  outOutcome,
		Turns:          turns,
		ToolDeliveries: rs.snapshot(),
	}, nil
}

type turnResult struct {
	res Result
	err error
}

// runTurn 启动一个 Agent 的主计算。
// 运行被取消（工具 RaiseException 或父上下文取消）时立即调用 Cancel 并返回取消原因，
// 即使计算单元随后正常返回也以取消原因为准。
func (c *Coordinator) runTurn(ctx context.Context, rs *runState, a *Agent, payload guardrails.Payload) (Result, error) {
	ctx = types.WithAgentName(ctx, a.Name)
	reg, err := a.toolRegistry()
	if err != nil {
		return Result{}, err
	}
	mediator := tools.NewMediator(reg,
		tools.WithRunner(c.runner),
		tools.WithLimiter(c.limiter),
		tools.WithAuditLogger(c.audit),
		tools.WithDecisionRecorder(c.metrics),
		tools.WithLogger(c.base),
		tools.WithTracer(c.tracer),
	)
	scope := &RunScope{run: rs, agent: a, mediator: mediator, computation: a.Computation}

	done := make(chan turnResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- turnResult{err: fmt.Errorf("agent %q computation panicked: %v", a.Name, rec)}
			}
		}()
		res, err := a.Computation.Start(ctx, guardrails.ClonePayload(payload), scope)
		done <- turnResult{res: res, err: err}
	}()

	select {
	case tr := <-done:
		if ctx.Err() != nil {
			a.Computation.Cancel()
			return Result{}, context.Cause(ctx)
		}
		return tr.res, tr.err
	case <-ctx.Done():
		a.Computation.Cancel()
		c.logger.Info("computation cancelled",
			zap.String("run_id", rs.id),
			zap.String("agent", a.Name),
			zap.Error(context.Cause(ctx)))
		return Result{}, context.Cause(ctx)
	}
}

// runStage 执行 Agent 级阶段，按配置施加阶段超时
func (c *Coordinator) runStage(ctx context.Context, units []guardrails.Guardrail, ec guardrails.ExecutionContext) (guardrails.AgentOutcome, error) {
	stageCtx := ctx
	if c.stageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, c.stageTimeout)
		defer cancel()
	}

	outcome, err := guardrails.RunStage(stageCtx, c.runner, units, ec)
	if err != nil {
		if ctx.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s stage exceeded %s: %w", ErrStageTimeout, ec.Stage, c.stageTimeout, err)
		}
		c.auditFault(ctx, ec, err)
	}
	return outcome, err
}

// stageHooks 把指标记录与用户回调合并
func (c *Coordinator) stageHooks() guardrails.Hooks {
	user, m := c.hooks, c.metrics
	if m == nil {
		return user
	}
	return guardrails.Hooks{
		OnUnitStart: user.OnUnitStart,
		OnUnitEnd: func(stage guardrails.Stage, name string, tripped bool, err error, elapsed time.Duration) {
			m.RecordCheck(string(stage), name, tripped, err, elapsed)
			if user.OnUnitEnd != nil {
				user.OnUnitEnd(stage, name, tripped, err, elapsed)
			}
		},
		OnStageEnd: func(stage guardrails.Stage, triggered string, err error, elapsed time.Duration) {
			m.RecordStage(string(stage), triggered != "", err, elapsed)
			if user.OnStageEnd != nil {
				user.OnStageEnd(stage, triggered, err, elapsed)
			}
		},
	}
}

func (c *Coordinator) auditTripwire(ctx context.Context, ec guardrails.ExecutionContext, outcome guardrails.AgentOutcome) {
	entry := audit.NewEntry(audit.EventTripwireTriggered, string(ec.Stage))
	entry.RunID = ec.RunID
	entry.Agent = ec.Agent
	entry.Guardrail = outcome.Triggered
	entry.ContentHash = audit.HashContent(ec.Payload.Text())
	if r, ok := outcome.TriggeredResult(); ok {
		entry.OutputInfo = r.OutputInfo
	}
	c.writeAudit(ctx, entry)
}

func (c *Coordinator) auditFault(ctx context.Context, ec guardrails.ExecutionContext, err error) {
	var ce *guardrails.CheckExecutionError
	if !errors.As(err, &ce) {
		return
	}
	entry := audit.NewEntry(audit.EventCheckFailed, string(ec.Stage))
	entry.RunID = ec.RunID
	entry.Agent = ec.Agent
	entry.Guardrail = ce.Guardrail
	entry.ContentHash = audit.HashContent(ec.Payload.Text())
	entry.Error = ce.Err.Error()
	c.writeAudit(ctx, entry)
}

// writeAudit 审计失败只记录日志，不改变运行结果
func (c *Coordinator) writeAudit(ctx context.Context, entry *audit.Entry) {
	if err := c.audit.Log(context.WithoutCancel(ctx), entry); err != nil {
		c.logger.Error("failed to write audit entry",
			zap.String("event", string(entry.EventType)),
			zap.Error(err))
	}
}

// runStatus 运行状态标签
func runStatus(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, guardrails.ErrInputTripwireTriggered):
		return "input_tripwire"
	case errors.Is(err, guardrails.ErrOutputTripwireTriggered):
		return "output_tripwire"
	case errors.Is(err, guardrails.ErrToolInputTripwireTriggered),
		errors.Is(err, guardrails.ErrToolOutputTripwireTriggered):
		return "tool_tripwire"
	case errors.Is(err, ErrStageTimeout):
		return "timeout"
	case errors.Is(err, guardrails.ErrCheckExecution):
		return "guardrail_fault"
	case errors.Is(err, ErrMaxTurnsExceeded):
		return "max_turns"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
