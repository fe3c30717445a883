// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 GuardFlow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 agent、guardrails、
tools 等上层模块提供统一的类型契约，避免循环依赖。

# 核心类型

  - Message / ToolCall: 对话条目与工具调用请求，作为护栏载荷的结构化形式
  - Error / ErrorCode: 结构化错误体系，含 HTTP 状态码与 Retryable 标记
  - Coder: 携带 ErrorCode 的错误接口，GetErrorCode 同时识别两者

# 上下文传播

WithRunID / WithAgentName 由协调器写入，工具中介器与计算单元可从
context 中读回当前运行 ID 与 Agent 名称。
*/
package types
