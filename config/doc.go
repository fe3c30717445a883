// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package config 提供 guardflow 的配置管理功能。
//
// 配置按"默认值 → YAML 文件 → 环境变量"的优先级加载，
// 覆盖护栏执行、日志、遥测、指标与审计五个部分。
package config
