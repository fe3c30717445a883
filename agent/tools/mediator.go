package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/guardflow/agent/audit"
	"github.com/BaSui01/guardflow/agent/guardrails"
	"github.com/BaSui01/guardflow/types"
)

// DeliveryState 工具调用在护栏状态机中的位置
type DeliveryState string

const (
	DeliveryPendingInput  DeliveryState = "pending_input"
	DeliveryExecuting     DeliveryState = "executing"
	DeliveryPendingOutput DeliveryState = "pending_output"
	// DeliveryDelivered 真实输出已交付
	DeliveryDelivered DeliveryState = "delivered"
	// DeliveryRejected 以拒绝消息替代输出，运行继续
	DeliveryRejected DeliveryState = "rejected"
	// DeliveryAborted RaiseException，运行应当中止
	DeliveryAborted DeliveryState = "aborted"
	// DeliveryFailed 护栏故障或工具自身出错
	DeliveryFailed DeliveryState = "failed"
)

// Request 一次工具调用请求
type Request struct {
	CallID    string
	Tool      string
	Arguments json.RawMessage

	// 以下字段由运行作用域填充
	RunID string
	Agent string
	State *guardrails.RunState
}

// Delivery 交付给 Agent 的工具调用结果
type Delivery struct {
	CallID  string        `json:"call_id"`
	Tool    string        `json:"tool"`
	Content string        `json:"content"`
	State   DeliveryState `json:"state"`
	// Input 工具输入阶段结果
	Input guardrails.ToolOutcome `json:"input"`
	// Output 工具输出阶段结果，未进入该阶段时为 nil
	Output *guardrails.ToolOutcome `json:"output,omitempty"`
}

// Message 转换为回传给 Agent 的工具消息
func (d *Delivery) Message() types.Message {
	return types.NewToolMessage(d.CallID, d.Tool, d.Content)
}

// DecisionRecorder 记录工具护栏决策，*metrics.Collector 实现了该接口
type DecisionRecorder interface {
	RecordToolDecision(tool, stage, decision string)
}

// MediatorOption 选项
type MediatorOption func(*Mediator)

// WithRunner 设置阶段执行器
func WithRunner(runner *guardrails.StageRunner) MediatorOption {
	return func(m *Mediator) {
		if runner != nil {
			m.runner = runner
		}
	}
}

// WithRateLimit 限制真实工具执行的速率（次/秒），rps<=0 表示不限
func WithRateLimit(rps float64, burst int) MediatorOption {
	return func(m *Mediator) {
		if rps <= 0 {
			m.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLimiter 使用共享的限速器，便于多个 Mediator 共用同一配额
func WithLimiter(l *rate.Limiter) MediatorOption {
	return func(m *Mediator) {
		m.limiter = l
	}
}

// WithAuditLogger 设置审计记录器
func WithAuditLogger(l audit.Logger) MediatorOption {
	return func(m *Mediator) {
		if l != nil {
			m.audit = l
		}
	}
}

// WithDecisionRecorder 设置指标记录器
func WithDecisionRecorder(r DecisionRecorder) MediatorOption {
	return func(m *Mediator) {
		m.recorder = r
	}
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) MediatorOption {
	return func(m *Mediator) {
		if logger != nil {
			m.logger = logger.With(zap.String("component", "tool_mediator"))
		}
	}
}

// WithTracer 设置 tracer
func WithTracer(tracer trace.Tracer) MediatorOption {
	return func(m *Mediator) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// Mediator 在单次工具调用前后执行工具护栏：
//
//	PENDING_INPUT → EXECUTING → PENDING_OUTPUT → DELIVERED
//	                ↘ REJECTED / ABORTED      ↘ REJECTED / ABORTED
//
// 输出阶段 RaiseException 时工具已执行，其副作用不会回滚。
type Mediator struct {
	registry *Registry
	runner   *guardrails.StageRunner
	limiter  *rate.Limiter
	audit    audit.Logger
	recorder DecisionRecorder
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewMediator 创建工具调用中介
func NewMediator(registry *Registry, opts ...MediatorOption) *Mediator {
	if registry == nil {
		registry = NewRegistry(nil)
	}
	m := &Mediator{
		registry: registry,
		runner:   guardrails.NewStageRunner(nil),
		audit:    audit.Nop{},
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("github.com/BaSui01/guardflow/agent/tools"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry 返回工具注册中心
func (m *Mediator) Registry() *Registry {
	return m.registry
}

// Call 执行一次受护栏保护的工具调用。
//
// 返回值约定：
//   - 放行或拒绝：Delivery 非 nil，error 为 nil（拒绝是带内结果，不是错误）
//   - RaiseException：Delivery.State 为 aborted，error 为 *guardrails.ToolTripwireError
//   - 护栏故障：*guardrails.CheckExecutionError；工具出错：*ToolExecutionError
//   - 未注册的工具：ErrToolNotFound，Delivery 为 nil
func (m *Mediator) Call(ctx context.Context, req Request) (*Delivery, error) {
	tool, ok := m.registry.Get(req.Tool)
	if !ok {
		m.logger.Warn("tool not found", zap.String("tool", req.Tool))
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, req.Tool)
	}
	if req.CallID == "" {
		req.CallID = uuid.NewString()
	}
	if req.RunID == "" {
		req.RunID, _ = types.RunID(ctx)
	}
	if req.Agent == "" {
		req.Agent, _ = types.AgentName(ctx)
	}
	if req.State == nil {
		req.State = guardrails.NewRunState()
	}

	ctx, span := m.tracer.Start(ctx, "tools.call",
		trace.WithAttributes(
			attribute.String("tool.name", tool.Name),
			attribute.String("tool.call_id", req.CallID),
			attribute.String("guardrails.run_id", req.RunID),
		))
	defer span.End()

	d := &Delivery{
		CallID: req.CallID,
		Tool:   tool.Name,
		State:  DeliveryPendingInput,
	}
	err := m.call(ctx, tool, req, d)
	span.SetAttributes(attribute.String("tool.delivery_state", string(d.State)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return d, err
}

func (m *Mediator) call(ctx context.Context, tool *Tool, req Request, d *Delivery) error {
	callPayload := guardrails.ToolCallPayload{
		ToolName:  tool.Name,
		CallID:    req.CallID,
		Arguments: req.Arguments,
	}
	ec := guardrails.ExecutionContext{
		RunID:   req.RunID,
		Stage:   guardrails.StageToolInput,
		Agent:   req.Agent,
		Tool:    tool.Name,
		Payload: callPayload,
		State:   req.State,
	}

	// 工具输入阶段
	in, err := guardrails.RunStage(ctx, m.runner, tool.InputGuardrails, ec)
	d.Input = in
	if err != nil {
		d.State = DeliveryFailed
		m.recordFault(ctx, ec, err)
		return err
	}
	if in.Tripped() {
		return m.decide(ctx, ec, in, d, string(req.Arguments))
	}
	m.recordDecision(tool.Name, guardrails.StageToolInput, guardrails.ToolAllow)

	// 真实执行
	d.State = DeliveryExecuting
	output, err := m.execute(ctx, tool, req)
	if err != nil {
		d.State = DeliveryFailed
		return err
	}

	// 工具输出阶段
	d.State = DeliveryPendingOutput
	ec.Stage = guardrails.StageToolOutput
	ec.Payload = guardrails.ToolResultPayload{Call: callPayload, Output: output}
	out, err := guardrails.RunStage(ctx, m.runner, tool.OutputGuardrails, ec)
	d.Output = &out
	if err != nil {
		d.State = DeliveryFailed
		m.recordFault(ctx, ec, err)
		return err
	}
	if out.Tripped() {
		// 真实输出被丢弃
		return m.decide(ctx, ec, out, d, output)
	}
	m.recordDecision(tool.Name, guardrails.StageToolOutput, guardrails.ToolAllow)

	d.State = DeliveryDelivered
	d.Content = output
	m.logger.Debug("tool output delivered",
		zap.String("tool", tool.Name),
		zap.String("call_id", req.CallID))
	return nil
}

// decide 处理触发的工具阶段：拒绝则替换内容，异常则中止
func (m *Mediator) decide(ctx context.Context, ec guardrails.ExecutionContext, outcome guardrails.ToolOutcome, d *Delivery, content string) error {
	result, _ := outcome.TriggeredResult()
	m.recordDecision(ec.Tool, ec.Stage, result.Behavior)

	entry := audit.NewEntry(audit.EventToolRejected, string(ec.Stage))
	entry.RunID = ec.RunID
	entry.Agent = ec.Agent
	entry.Tool = ec.Tool
	entry.Guardrail = outcome.Triggered
	entry.ContentHash = audit.HashContent(content)
	entry.Message = result.Message
	entry.OutputInfo = result.OutputInfo

	if result.Behavior == guardrails.ToolRejectContent {
		d.State = DeliveryRejected
		d.Content = result.Message
		m.logger.Info("tool content rejected",
			zap.String("stage", string(ec.Stage)),
			zap.String("tool", ec.Tool),
			zap.String("guardrail", outcome.Triggered))
		m.writeAudit(ctx, entry)
		return nil
	}

	d.State = DeliveryAborted
	entry.EventType = audit.EventToolAborted
	m.logger.Warn("tool guardrail raised exception",
		zap.String("stage", string(ec.Stage)),
		zap.String("tool", ec.Tool),
		zap.String("guardrail", outcome.Triggered))
	m.writeAudit(ctx, entry)
	return guardrails.NewToolTripwireError(ec.Tool, d.CallID, outcome)
}

// execute 调用工具函数，限速、超时与 panic 都转换为 ToolExecutionError
func (m *Mediator) execute(ctx context.Context, tool *Tool, req Request) (output string, err error) {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return "", &ToolExecutionError{Tool: tool.Name, CallID: req.CallID, Err: fmt.Errorf("rate limit wait: %w", err)}
		}
	}

	if tool.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tool.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("tool panicked",
				zap.String("tool", tool.Name),
				zap.Any("panic", rec),
				zap.String("stack", string(debug.Stack())))
			output = ""
			err = &ToolExecutionError{Tool: tool.Name, CallID: req.CallID, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	output, err = tool.Invoke(ctx, cloneArgs(req.Arguments))
	if err != nil {
		m.logger.Error("tool execution failed",
			zap.String("tool", tool.Name),
			zap.String("call_id", req.CallID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return "", &ToolExecutionError{Tool: tool.Name, CallID: req.CallID, Err: err}
	}

	m.logger.Debug("tool executed",
		zap.String("tool", tool.Name),
		zap.String("call_id", req.CallID),
		zap.Duration("duration", time.Since(start)))
	return output, nil
}

func (m *Mediator) recordDecision(tool string, stage guardrails.Stage, b guardrails.ToolBehavior) {
	if m.recorder != nil {
		m.recorder.RecordToolDecision(tool, string(stage), b.String())
	}
}

func (m *Mediator) recordFault(ctx context.Context, ec guardrails.ExecutionContext, err error) {
	var ce *guardrails.CheckExecutionError
	if !errors.As(err, &ce) {
		return
	}
	entry := audit.NewEntry(audit.EventCheckFailed, string(ec.Stage))
	entry.RunID = ec.RunID
	entry.Agent = ec.Agent
	entry.Tool = ec.Tool
	entry.Guardrail = ce.Guardrail
	entry.ContentHash = audit.HashContent(ec.Payload.Text())
	entry.Error = ce.Err.Error()
	m.writeAudit(ctx, entry)
}

// writeAudit 审计失败只记录日志，不影响调用结果
func (m *Mediator) writeAudit(ctx context.Context, entry *audit.Entry) {
	if err := m.audit.Log(context.WithoutCancel(ctx), entry); err != nil {
		m.logger.Error("failed to write audit entry",
			zap.String("event", string(entry.EventType)),
			zap.Error(err))
	}
}

func cloneArgs(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
