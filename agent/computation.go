package agent

import (
	"context"

	"github.com/BaSui01/guardflow/agent/guardrails"
)

// Result 计算单元的一次产出
type Result struct {
	// Output 最终输出，交给输出护栏检查
	Output any
	// Handoff 非 nil 时把 Output 作为输入交给下一个 Agent
	Handoff *Agent
}

// Computation 被护栏包裹的主计算单元（一次模型调用、一个工作流等）。
// Start 应当尊重 ctx 的取消；Cancel 必须幂等，可在 Start 返回前后任意时刻调用。
type Computation interface {
	Start(ctx context.Context, input guardrails.Payload, scope *RunScope) (Result, error)
	Cancel()
}

// ComputationFunc 函数适配器，Cancel 依赖 ctx 取消
type ComputationFunc func(ctx context.Context, input guardrails.Payload, scope *RunScope) (Result, error)

// Start 实现 Computation
func (f ComputationFunc) Start(ctx context.Context, input guardrails.Payload, scope *RunScope) (Result, error) {
	return f(ctx, input, scope)
}

// Cancel 实现 Computation
func (f ComputationFunc) Cancel() {}

// asPayload 将上一个 Agent 的输出转换为下一个 Agent 的输入
func asPayload(output any) guardrails.Payload {
	switch v := output.(type) {
	case guardrails.Payload:
		return v
	case string:
		return guardrails.TextPayload(v)
	default:
		return guardrails.OutputPayload{Value: output}
	}
}
