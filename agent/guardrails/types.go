package guardrails

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// Stage 护栏阶段
type Stage string

const (
	// StageInput Agent 输入阶段，在主计算开始前执行
	StageInput Stage = "input"
	// StageOutput Agent 输出阶段，在结果释放前执行
	StageOutput Stage = "output"
	// StageToolInput 工具参数校验阶段
	StageToolInput Stage = "tool_input"
	// StageToolOutput 工具返回值校验阶段
	StageToolOutput Stage = "tool_output"
)

// IsTool 是否为工具级阶段
func (s Stage) IsTool() bool {
	return s == StageToolInput || s == StageToolOutput
}

// Verdict 是单次护栏检查的判定结果。
// Tripped 返回 true 表示该结果要求停止当前流水线。
type Verdict interface {
	Tripped() bool
}

// CheckResult 单次护栏调用的结果（值类型，创建后不可变）
type CheckResult struct {
	// OutputInfo 诊断信息，无论是否触发都会携带
	OutputInfo any `json:"output_info,omitempty"`
	// TripwireTriggered 是否触发 Tripwire
	TripwireTriggered bool `json:"tripwire_triggered"`
}

// Tripped 实现 Verdict
func (r CheckResult) Tripped() bool { return r.TripwireTriggered }

// Pass 创建未触发的结果
func Pass(info any) CheckResult {
	return CheckResult{OutputInfo: info}
}

// Trip 创建触发 Tripwire 的结果
func Trip(info any) CheckResult {
	return CheckResult{OutputInfo: info, TripwireTriggered: true}
}

// ToolBehavior 工具护栏决策
type ToolBehavior int

const (
	// ToolAllow 放行（零值即默认决策）
	ToolAllow ToolBehavior = iota
	// ToolRejectContent 拒绝内容：以消息替代工具结果，运行继续
	ToolRejectContent
	// ToolRaiseException 抛出异常：立即中止整个运行
	ToolRaiseException
)

func (b ToolBehavior) String() string {
	switch b {
	case ToolAllow:
		return "allow"
	case ToolRejectContent:
		return "reject_content"
	case ToolRaiseException:
		return "raise_exception"
	default:
		return fmt.Sprintf("tool_behavior(%d)", int(b))
	}
}

// ToolCheckResult 工具护栏的判定结果
type ToolCheckResult struct {
	Behavior   ToolBehavior `json:"behavior"`
	Message    string       `json:"message,omitempty"`
	OutputInfo any          `json:"output_info,omitempty"`
}

// Tripped 实现 Verdict：任何非放行决策都会终止该阶段
func (r ToolCheckResult) Tripped() bool { return r.Behavior != ToolAllow }

// normalize 保证决策互斥：Allow 不携带拒绝消息
func (r ToolCheckResult) normalize() ToolCheckResult {
	if r.Behavior == ToolAllow {
		r.Message = ""
	}
	return r
}

// Allow 放行
func Allow(info any) ToolCheckResult {
	return ToolCheckResult{Behavior: ToolAllow, OutputInfo: info}
}

// RejectContent 拒绝并以 message 替代工具结果
func RejectContent(message string, info any) ToolCheckResult {
	return ToolCheckResult{Behavior: ToolRejectContent, Message: message, OutputInfo: info}
}

// RaiseException 中止运行
func RaiseException(info any) ToolCheckResult {
	return ToolCheckResult{Behavior: ToolRaiseException, OutputInfo: info}
}

// RunState 是在同一次运行中由所有护栏共享的用户上下文。
// 并发安全：同一阶段内的护栏可能并行执行，读写均经过锁保护。
// 建议阶段内只读，写入留给阶段结束后的调用方。
type RunState struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewRunState 创建共享上下文
func NewRunState() *RunState {
	return &RunState{values: make(map[string]any)}
}

// Get 读取值
func (s *RunState) Get(key string) (any, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set 写入值，nil 接收者上为空操作
func (s *RunState) Set(key string, value any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]any)
	}
	s.values[key] = value
}

// Snapshot 返回当前所有值的副本
func (s *RunState) Snapshot() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// ExecutionContext 护栏调用的执行上下文，显式传给每一个护栏
type ExecutionContext struct {
	RunID   string
	Stage   Stage
	Agent   string
	Tool    string
	Payload Payload
	State   *RunState
}

// CheckFunc 护栏检查函数
type CheckFunc[R Verdict] func(ctx context.Context, ec ExecutionContext) (R, error)

// Unit 包装一个检查函数及其元数据。
// 同一阶段内的 Unit 按注册顺序排列，顺序决定了 Tripwire 的归属。
type Unit[R Verdict] struct {
	// Name 唯一标识，同一阶段内不可重复
	Name string
	// Check 检查函数
	Check CheckFunc[R]
	// When 适用性判断，nil 表示总是适用
	When func(ec ExecutionContext) bool
}

// Guardrail Agent 级护栏（输入 / 输出阶段）
type Guardrail = Unit[CheckResult]

// ToolGuardrail 工具级护栏（工具输入 / 工具输出阶段）
type ToolGuardrail = Unit[ToolCheckResult]

// NewGuardrail 创建 Agent 级护栏
func NewGuardrail(name string, check CheckFunc[CheckResult]) Guardrail {
	return Guardrail{Name: name, Check: check}
}

// NewToolGuardrail 创建工具级护栏
func NewToolGuardrail(name string, check CheckFunc[ToolCheckResult]) ToolGuardrail {
	return ToolGuardrail{Name: name, Check: check}
}

// Applies 判断该护栏是否适用于当前上下文
func (u Unit[R]) Applies(ec ExecutionContext) bool {
	return u.When == nil || u.When(ec)
}

// Run 执行一次检查。
// 检查函数返回错误或 panic 时返回 *CheckExecutionError，不产生结果。
// 每次调用拿到的都是载荷的独立副本。
func (u Unit[R]) Run(ctx context.Context, ec ExecutionContext) (result R, err error) {
	if u.Check == nil {
		var zero R
		return zero, &CheckExecutionError{Guardrail: u.Name, Stage: ec.Stage, Err: ErrNilCheck}
	}

	defer func() {
		if rec := recover(); rec != nil {
			var zero R
			result = zero
			err = &CheckExecutionError{
				Guardrail: u.Name,
				Stage:     ec.Stage,
				Err:       fmt.Errorf("panic: %v", rec),
				Stack:     string(debug.Stack()),
			}
		}
	}()

	ec.Payload = ClonePayload(ec.Payload)
	result, err = u.Check(ctx, ec)
	if err != nil {
		var zero R
		return zero, &CheckExecutionError{Guardrail: u.Name, Stage: ec.Stage, Err: err}
	}
	if n, ok := any(result).(normalizer[R]); ok {
		result = n.normalize()
	}
	return result, nil
}

// normalizer 由需要在返回前修正自身的结果类型实现
type normalizer[R any] interface {
	normalize() R
}

// ValidateUnits 检查名称非空且唯一
func ValidateUnits[R Verdict](stage Stage, units []Unit[R]) error {
	seen := make(map[string]struct{}, len(units))
	for i, u := range units {
		if u.Name == "" {
			return fmt.Errorf("%w: %s stage guardrail #%d has empty name", ErrInvalidGuardrail, stage, i)
		}
		if u.Check == nil {
			return fmt.Errorf("%w: %s stage guardrail %q has nil check", ErrInvalidGuardrail, stage, u.Name)
		}
		if _, dup := seen[u.Name]; dup {
			return fmt.Errorf("%w: %s stage guardrail %q registered twice", ErrInvalidGuardrail, stage, u.Name)
		}
		seen[u.Name] = struct{}{}
	}
	return nil
}

// StageResult 阶段中某个护栏的结果
type StageResult[R Verdict] struct {
	Index     int    `json:"index"`
	Guardrail string `json:"guardrail"`
	Result    R      `json:"result"`
}

// StageOutcome 一个阶段的聚合结果
type StageOutcome[R Verdict] struct {
	Stage Stage `json:"stage"`
	// Results 已完成的结果，按注册顺序排列
	Results []StageResult[R] `json:"results"`
	// Triggered 注册顺序最靠前的触发者名称，空表示未触发
	Triggered string `json:"triggered,omitempty"`
	// TriggeredIndex 触发者的注册下标，未触发为 -1
	TriggeredIndex int `json:"triggered_index"`
}

// Tripped 是否有护栏触发
func (o StageOutcome[R]) Tripped() bool {
	return o.TriggeredIndex >= 0
}

// TriggeredResult 返回触发者的结果
func (o StageOutcome[R]) TriggeredResult() (R, bool) {
	for _, r := range o.Results {
		if r.Index == o.TriggeredIndex {
			return r.Result, true
		}
	}
	var zero R
	return zero, false
}

// Result 按名称查找结果
func (o StageOutcome[R]) Result(name string) (R, bool) {
	for _, r := range o.Results {
		if r.Guardrail == name {
			return r.Result, true
		}
	}
	var zero R
	return zero, false
}

// AgentOutcome Agent 级阶段结果
type AgentOutcome = StageOutcome[CheckResult]

// ToolOutcome 工具级阶段结果
type ToolOutcome = StageOutcome[ToolCheckResult]
