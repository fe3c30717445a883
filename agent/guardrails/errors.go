package guardrails

import (
	"errors"
	"fmt"

	"github.com/BaSui01/guardflow/types"
)

// 调用方可通过 errors.Is 区分的错误种类
var (
	ErrInputTripwireTriggered      = errors.New("input guardrail tripwire triggered")
	ErrOutputTripwireTriggered     = errors.New("output guardrail tripwire triggered")
	ErrToolInputTripwireTriggered  = errors.New("tool input guardrail tripwire triggered")
	ErrToolOutputTripwireTriggered = errors.New("tool output guardrail tripwire triggered")

	// ErrCheckExecution 护栏自身执行失败（与策略违规不同）
	ErrCheckExecution = errors.New("guardrail check execution failed")
	// ErrInvalidGuardrail 护栏注册信息非法
	ErrInvalidGuardrail = errors.New("invalid guardrail")
	// ErrNilCheck 护栏未设置检查函数
	ErrNilCheck = errors.New("guardrail check function is nil")
)

// sentinelFor 返回阶段对应的 Tripwire 错误种类
func sentinelFor(stage Stage) error {
	switch stage {
	case StageInput:
		return ErrInputTripwireTriggered
	case StageOutput:
		return ErrOutputTripwireTriggered
	case StageToolInput:
		return ErrToolInputTripwireTriggered
	case StageToolOutput:
		return ErrToolOutputTripwireTriggered
	default:
		return nil
	}
}

// TripwireError Agent 输入 / 输出阶段的 Tripwire 错误。
// 携带完整的 StageOutcome，调用方可以检查每个护栏的诊断输出。
type TripwireError struct {
	Stage     Stage
	Agent     string
	Guardrail string
	Outcome   AgentOutcome
}

// NewTripwireError 根据已触发的阶段结果创建错误
func NewTripwireError(agent string, outcome AgentOutcome) *TripwireError {
	return &TripwireError{
		Stage:     outcome.Stage,
		Agent:     agent,
		Guardrail: outcome.Triggered,
		Outcome:   outcome,
	}
}

// Error 实现 error 接口
func (e *TripwireError) Error() string {
	return fmt.Sprintf("%s guardrail %q tripwire triggered (agent %q)", e.Stage, e.Guardrail, e.Agent)
}

// Is 匹配阶段对应的错误种类
func (e *TripwireError) Is(target error) bool {
	return target == sentinelFor(e.Stage)
}

// Code 返回统一错误码
func (e *TripwireError) Code() types.ErrorCode {
	return types.ErrGuardrailTripwire
}

// TriggeredResult 返回触发者的结果
func (e *TripwireError) TriggeredResult() CheckResult {
	r, _ := e.Outcome.TriggeredResult()
	return r
}

// ToolTripwireError 工具阶段 RaiseException 产生的错误
type ToolTripwireError struct {
	Stage     Stage
	Tool      string
	CallID    string
	Guardrail string
	Outcome   ToolOutcome
}

// NewToolTripwireError 根据已触发的工具阶段结果创建错误
func NewToolTripwireError(tool, callID string, outcome ToolOutcome) *ToolTripwireError {
	return &ToolTripwireError{
		Stage:     outcome.Stage,
		Tool:      tool,
		CallID:    callID,
		Guardrail: outcome.Triggered,
		Outcome:   outcome,
	}
}

// Error 实现 error 接口
func (e *ToolTripwireError) Error() string {
	return fmt.Sprintf("%s guardrail %q tripwire triggered (tool %q)", e.Stage, e.Guardrail, e.Tool)
}

// Is 匹配阶段对应的错误种类
func (e *ToolTripwireError) Is(target error) bool {
	return target == sentinelFor(e.Stage)
}

// Code 返回统一错误码
func (e *ToolTripwireError) Code() types.ErrorCode {
	return types.ErrGuardrailTripwire
}

// CheckExecutionError 护栏检查函数自身出错或 panic。
// 它既不是通过也不是触发，必须原样上报。
type CheckExecutionError struct {
	Guardrail string
	Stage     Stage
	Err       error
	Stack     string
}

// Error 实现 error 接口
func (e *CheckExecutionError) Error() string {
	return fmt.Sprintf("%s guardrail %q failed: %v", e.Stage, e.Guardrail, e.Err)
}

// Unwrap 返回底层错误
func (e *CheckExecutionError) Unwrap() error {
	return e.Err
}

// Is 匹配 ErrCheckExecution
func (e *CheckExecutionError) Is(target error) bool {
	return target == ErrCheckExecution
}

// Code 返回统一错误码
func (e *CheckExecutionError) Code() types.ErrorCode {
	return types.ErrGuardrailFault
}

// IsTripwire 判断 err 是否为任意阶段的 Tripwire 错误
func IsTripwire(err error) bool {
	return errors.Is(err, ErrInputTripwireTriggered) ||
		errors.Is(err, ErrOutputTripwireTriggered) ||
		errors.Is(err, ErrToolInputTripwireTriggered) ||
		errors.Is(err, ErrToolOutputTripwireTriggered)
}
