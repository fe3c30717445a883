// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package agent 提供受护栏保护的 Agent 运行协调器。

# 概述

Coordinator 把一个 Agent 定义（护栏、工具、主计算）串成一次完整运行：

	input ──► 输入护栏 ──► 主计算 (可 handoff) ──► 输出护栏 ──► RunResult
	                          │
	                          └─► RunScope.CallTool ──► tools.Mediator
	                                 (工具输入护栏 → Invoke → 工具输出护栏)

# 核心类型

  - Agent: 名称、输入/输出护栏、工具列表与 Computation
  - Computation: 主计算单元，Start 阻塞执行，Cancel 在运行中止时调用
  - RunScope: 计算单元访问 RunID、共享 RunState 与工具调用的入口
  - Coordinator: 执行运行，负责阶段超时、审计、指标与追踪
  - RunResult: 最终输出、各阶段结果、handoff 轮数与工具交付记录

# 运行语义

输入护栏只在第一个 Agent 上执行，触发 Tripwire 时主计算不会启动。
主计算返回 Handoff 时切换到下一个 Agent，超过 MaxTurns 返回
ErrMaxTurnsExceeded。输出护栏使用产生最终输出的 Agent 的定义。

工具输入护栏选择 RaiseException 时，协调器通过 context.WithCancelCause
中止整个运行，Run 返回 *guardrails.ToolTripwireError，优先于主计算结果。

# 使用示例

	coord := agent.NewCoordinator(cfg.Guardrails,
	    agent.WithLogger(logger),
	    agent.WithAuditLogger(auditLogger),
	)
	result, err := coord.Run(ctx, supportAgent, guardrails.TextPayload("hi"))
	if guardrails.IsTripwire(err) {
	    // 护栏拦截
	}
*/
package agent
