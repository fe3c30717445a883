// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的护栏执行指标采集能力。

# 概述

Collector 通过 promauto.With 将指标注册到调用方提供的 Registerer，
测试中可传入独立的 prometheus.NewRegistry() 以避免全局冲突。

# 主要能力

  - 护栏检查：调用总数与耗时，按 stage/guardrail/result 分组。
  - 阶段评估：阶段总数与耗时，按 stage/outcome 分组。
  - 工具决策：allow / reject_content / raise_exception 计数，按 tool/stage 分组。
  - 运行：受保护运行总数与耗时，按 agent/status 分组。
*/
package metrics
