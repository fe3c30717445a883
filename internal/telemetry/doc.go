// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package telemetry 封装 OpenTelemetry SDK 初始化逻辑，
// 为协调器与阶段执行器提供 Tracer 和 Meter。
// 默认经 OTLP gRPC 导出，测试与嵌入场景可通过 WithSpanExporter /
// WithMetricReader 注入导出组件；遥测关闭时使用 noop 实现，不连接任何外部服务。
package telemetry
