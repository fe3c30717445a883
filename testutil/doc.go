// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 GuardFlow 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 日志辅助: ObservedLogger，测试结束后仍可安全写入
  - 异步断言: AssertEventuallyTrue / WaitFor / Sleep
  - 护栏夹具: FixedGuardrail / SlowGuardrail / FixedToolGuardrail /
    CountingGuardrail

# 使用示例

	ctx := testutil.TestContext(t)
	logger, logs := testutil.ObservedLogger()
	g := testutil.SlowGuardrail("slow", 50*time.Millisecond, guardrails.Trip(nil))
*/
package testutil
