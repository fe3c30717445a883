package agent

import "github.com/BaSui01/guardflow/types"

var (
	// ErrMaxTurnsExceeded handoff 链超过 MaxTurns
	ErrMaxTurnsExceeded = types.NewError(types.ErrMaxTurnsExceeded, "max turns exceeded")

	// ErrInvalidAgent Agent 定义非法
	ErrInvalidAgent = types.NewError(types.ErrInvalidRequest, "invalid agent")

	// ErrAgentNotReady Agent 未设置计算单元
	ErrAgentNotReady = types.NewError(types.ErrAgentNotReady, "agent not ready")

	// ErrStageTimeout 单个阶段超过 StageTimeout
	ErrStageTimeout = types.NewError(types.ErrTimeout, "guardrail stage timed out")
)
