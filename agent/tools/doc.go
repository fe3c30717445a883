// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 tools 提供工具注册与受护栏保护的工具调用中介。

# 核心类型

  - Tool：工具定义，携带自己的输入 / 输出护栏与执行函数。
  - Registry：并发安全的工具注册中心。
  - Mediator：在单次工具调用前后运行工具护栏，实现
    Allow / RejectContent / RaiseException 三种决策。
  - Delivery：交付给 Agent 的结果，记录状态机终态与两个阶段的结果。

# 决策语义

输入阶段 RejectContent 时工具不会执行，拒绝消息作为结果交付；
输出阶段 RejectContent 时真实输出被丢弃。RaiseException 返回
*guardrails.ToolTripwireError，调用方应中止整个运行。
输出阶段中止不会回滚工具已产生的副作用。
*/
package tools
