// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 guardrails 定义护栏单元及其阶段执行器。

# 概述

护栏是一个检查函数：它接收 [ExecutionContext]（运行 ID、阶段、
载荷副本与共享的 [RunState]），返回一个 [Verdict]。
Agent 级护栏返回 [CheckResult]，工具级护栏返回 [ToolCheckResult]，
二者通过泛型 [Unit] 共享同一套执行器。

# 阶段与裁决

[RunStage] 针对一个载荷执行同一阶段的全部护栏：

  - [RunModeParallel]：并发调度，按注册下标裁决。下标最小的触发者或
    故障者一旦确定，立即取消其余护栏并返回，不等待慢护栏。
  - [RunModeSequential]：按注册顺序执行，遇到首个触发或故障即停止。

触发通过 [StageOutcome] 表达，是否转换为错误由调用方决定。
检查函数返回错误或 panic 时产生 [CheckExecutionError]，
它既不是通过也不是触发。

# 错误

  - [TripwireError]：Agent 输入 / 输出阶段触发
  - [ToolTripwireError]：工具阶段 RaiseException
  - [CheckExecutionError]：护栏自身故障

可用 errors.Is 与 ErrInputTripwireTriggered 等哨兵错误比较阶段。

# 内置校验器

[Validator] 是基于文本的校验接口，经 [FromValidator] /
[FromValidatorForTool] 适配为护栏：

  - [LengthValidator]、[KeywordValidator]、[PatternValidator]
  - [PIIScanner]：手机号、邮箱、身份证号、银行卡号；
    [RedactToolOutput] 以脱敏文本替代工具结果
  - [InjectionDetector]：中英文提示注入规则

# 可观测性

[StageRunner] 为每个阶段与每次检查创建 span（guardrails.stage /
guardrails.check），并通过 [WithMeter] 记录 [MetricStageDuration]、
[MetricStageOutcomes] 与 [MetricCheckDuration]。
*/
package guardrails
