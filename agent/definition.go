package agent

import (
	"fmt"

	"github.com/BaSui01/guardflow/agent/guardrails"
	"github.com/BaSui01/guardflow/agent/tools"
)

// Agent 受护栏保护的 Agent 定义。
// 护栏与工具都是有序切片，注册顺序决定 Tripwire 的归属。
type Agent struct {
	Name string

	// InputGuardrails 仅在运行的第一个 Agent 上生效
	InputGuardrails []guardrails.Guardrail
	// OutputGuardrails 仅在产生最终输出的 Agent 上生效
	OutputGuardrails []guardrails.Guardrail

	// Tools 计算单元可通过 RunScope 调用的工具
	Tools []tools.Tool

	// Computation 主计算单元
	Computation Computation
}

// Validate 校验 Agent 定义
func (a *Agent) Validate() error {
	if a == nil {
		return fmt.Errorf("%w: agent is nil", ErrInvalidAgent)
	}
	if a.Name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidAgent)
	}
	if a.Computation == nil {
		return fmt.Errorf("%w: agent %q has no computation", ErrAgentNotReady, a.Name)
	}
	if err := guardrails.ValidateUnits(guardrails.StageInput, a.InputGuardrails); err != nil {
		return fmt.Errorf("agent %q: %w", a.Name, err)
	}
	if err := guardrails.ValidateUnits(guardrails.StageOutput, a.OutputGuardrails); err != nil {
		return fmt.Errorf("agent %q: %w", a.Name, err)
	}
	return nil
}

// toolRegistry 为当前 Agent 构建工具注册表
func (a *Agent) toolRegistry() (*tools.Registry, error) {
	reg := tools.NewRegistry(nil)
	for _, t := range a.Tools {
		if err := reg.Register(t); err != nil {
			return nil, fmt.Errorf("agent %q: %w", a.Name, err)
		}
	}
	return reg, nil
}
