package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/BaSui01/guardflow/agent/guardrails"
	"github.com/BaSui01/guardflow/agent/tools"
	"github.com/BaSui01/guardflow/types"
)

// runState 一次运行内跨 Agent 共享的状态
type runState struct {
	id    string
	state *guardrails.RunState
	abort context.CancelCauseFunc

	mu         sync.Mutex
	deliveries []tools.Delivery
}

func (r *runState) record(d *tools.Delivery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, *d)
}

func (r *runState) snapshot() []tools.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tools.Delivery{}, r.deliveries...)
}

// RunScope 计算单元在一个轮次内可见的运行作用域，
// 工具调用必须经由它才会执行工具护栏。
type RunScope struct {
	run         *runState
	agent       *Agent
	mediator    *tools.Mediator
	computation Computation
}

// RunID 运行 ID
func (s *RunScope) RunID() string {
	return s.run.id
}

// AgentName 当前 Agent 名称
func (s *RunScope) AgentName() string {
	return s.agent.Name
}

// State 运行共享状态
func (s *RunScope) State() *guardrails.RunState {
	return s.run.state
}

// CallTool 通过工具护栏调用当前 Agent 的工具。
// RaiseException 会立即取消整个运行并返回 *guardrails.ToolTripwireError；
// 拒绝时返回的 Delivery.Content 为拒绝消息。
func (s *RunScope) CallTool(ctx context.Context, call types.ToolCall) (*tools.Delivery, error) {
	d, err := s.mediator.Call(ctx, tools.Request{
		CallID:    call.ID,
		Tool:      call.Name,
		Arguments: call.Arguments,
		RunID:     s.run.id,
		Agent:     s.agent.Name,
		State:     s.run.state,
	})
	if d != nil {
		s.run.record(d)
	}

	var tripErr *guardrails.ToolTripwireError
	if errors.As(err, &tripErr) {
		s.run.abort(tripErr)
		s.computation.Cancel()
	}
	return d, err
}
