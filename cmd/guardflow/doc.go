// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 GuardFlow 命令行程序入口。

# 概述

cmd/guardflow 加载 YAML 配置，初始化结构化日志（zap）、OpenTelemetry、
Prometheus 指标与审计后端，然后让一个演示 Agent 经过完整的护栏流水线，
并把运行结果以 JSON 输出到标准输出。

# 演示 Agent

  - 输入护栏：math_homework（如 "2x + 3"）与 injection_detector
  - 输出护栏：no_digits，最终输出中出现任何数字即触发
  - 工具 lookup_customer：参数经注入检测（RaiseException）与 SQL 关键词
    检测（RejectContent），返回值中的 PII 被脱敏后送达

# 子命令

  - run：运行演示流水线，退出码 0 完成 / 1 错误 / 2 触发 Tripwire
  - version：显示 Version、BuildTime、GitCommit（通过 ldflags 注入）
*/
package main
