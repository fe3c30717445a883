package testutil

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/BaSui01/guardflow/agent/guardrails"
)

// FixedGuardrail 总是返回给定结果的 Agent 级护栏
func FixedGuardrail(name string, result guardrails.CheckResult) guardrails.Guardrail {
	return SlowGuardrail(name, 0, result)
}

// SlowGuardrail 等待 delay 后返回结果；ctx 先取消时返回 ctx.Err()
func SlowGuardrail(name string, delay time.Duration, result guardrails.CheckResult) guardrails.Guardrail {
	return guardrails.NewGuardrail(name, func(ctx context.Context, _ guardrails.ExecutionContext) (guardrails.CheckResult, error) {
		if err := Sleep(ctx, delay); err != nil {
			return guardrails.CheckResult{}, err
		}
		return result, nil
	})
}

// FixedToolGuardrail 总是返回给定决策的工具级护栏
func FixedToolGuardrail(name string, result guardrails.ToolCheckResult) guardrails.ToolGuardrail {
	return guardrails.NewToolGuardrail(name, func(context.Context, guardrails.ExecutionContext) (guardrails.ToolCheckResult, error) {
		return result, nil
	})
}

// CountingGuardrail 记录调用次数后放行
func CountingGuardrail(name string, calls *atomic.Int32) guardrails.Guardrail {
	return guardrails.NewGuardrail(name, func(context.Context, guardrails.ExecutionContext) (guardrails.CheckResult, error) {
		calls.Add(1)
		return guardrails.Pass(nil), nil
	})
}
