package agent

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/guardflow/agent/audit"
	"github.com/BaSui01/guardflow/agent/guardrails"
	"github.com/BaSui01/guardflow/agent/tools"
	"github.com/BaSui01/guardflow/config"
	"github.com/BaSui01/guardflow/internal/metrics"
	"github.com/BaSui01/guardflow/testutil"
	"github.com/BaSui01/guardflow/types"
)

// stubComputation 记录 Start / Cancel 调用次数
type stubComputation struct {
	starts  atomic.Int32
	cancels atomic.Int32
	fn      func(ctx context.Context, input guardrails.Payload, scope *RunScope) (Result, error)
}

func (s *stubComputation) Start(ctx context.Context, input guardrails.Payload, scope *RunScope) (Result, error) {
	s.starts.Add(1)
	return s.fn(ctx, input, scope)
}

func (s *stubComputation) Cancel() { s.cancels.Add(1) }

func returns(output any) *stubComputation {
	return &stubComputation{fn: func(context.Context, guardrails.Payload, *RunScope) (Result, error) {
		return Result{Output: output}, nil
	}}
}

var homeworkPattern = regexp.MustCompile(`\d+\s*x\s*[+\-*/]\s*\d+`)

// mathHomework 识别数学作业类输入
func mathHomework() guardrails.Guardrail {
	return guardrails.NewGuardrail("math_homework", func(_ context.Context, ec guardrails.ExecutionContext) (guardrails.CheckResult, error) {
		text := ec.Payload.Text()
		info := map[string]any{"is_math_homework": homeworkPattern.MatchString(text)}
		if homeworkPattern.MatchString(text) {
			return guardrails.Trip(info), nil
		}
		return guardrails.Pass(info), nil
	})
}

// noDigits 输出中不允许出现数字
func noDigits() guardrails.Guardrail {
	return guardrails.NewGuardrail("no_digits", func(_ context.Context, ec guardrails.ExecutionContext) (guardrails.CheckResult, error) {
		if strings.ContainsAny(ec.Payload.Text(), "0123456789") {
			return guardrails.Trip("output contains digits"), nil
		}
		return guardrails.Pass(nil), nil
	})
}

func newTestCoordinator(t *testing.T, mutate func(*config.GuardrailsConfig), opts ...CoordinatorOption) *Coordinator {
	t.Helper()
	logger, _ := testutil.ObservedLogger()
	cfg := config.DefaultConfig().Guardrails
	if mutate != nil {
		mutate(&cfg)
	}
	return NewCoordinator(cfg, append([]CoordinatorOption{WithLogger(logger)}, opts...)...)
}

// =============================================================================
// 端到端场景
// =============================================================================

func TestCoordinator_OutputGuardrailCannotMutateFinalOutput(t *testing.T) {
	c := newTestCoordinator(t, nil)
	tamper := guardrails.NewGuardrail("tamper", func(_ context.Context, ec guardrails.ExecutionContext) (guardrails.CheckResult, error) {
		ec.Payload.(guardrails.OutputPayload).Value.(map[string]any)["answer"] = "mutated"
		return guardrails.Pass(nil), nil
	})
	a := &Agent{
		Name:             "support",
		OutputGuardrails: []guardrails.Guardrail{tamper},
		Computation:      returns(map[string]any{"answer": "paris"}),
	}

	res, err := c.Run(testutil.TestContext(t), a, guardrails.TextPayload("capital of France?"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"answer": "paris"}, res.FinalOutput)
}

func TestCoordinator_InputTripwire_NeverStartsComputation(t *testing.T) {
	comp := returns("x = 4")
	mem := audit.NewMemoryLogger(10)
	c := newTestCoordinator(t, nil, WithAuditLogger(mem))

	a := &Agent{
		Name:            "customer_support",
		InputGuardrails: []guardrails.Guardrail{mathHomework()},
		Computation:     comp,
	}

	res, err := c.Run(testutil.TestContext(t), a, guardrails.TextPayload("Hello, can you help me solve for x: 2x + 3 = 11?"))
	require.Error(t, err)
	assert.Nil(t, res, "a tripped run never returns a partial result")

	assert.ErrorIs(t, err, guardrails.ErrInputTripwireTriggered)
	assert.NotErrorIs(t, err, guardrails.ErrOutputTripwireTriggered)
	assert.Equal(t, types.ErrGuardrailTripwire, types.GetErrorCode(err))

	var tripErr *guardrails.TripwireError
	require.ErrorAs(t, err, &tripErr)
	assert.Equal(t, "math_homework", tripErr.Guardrail)
	assert.Equal(t, "customer_support", tripErr.Agent)
	require.Len(t, tripErr.Outcome.Results, 1)
	info, ok := tripErr.TriggeredResult().OutputInfo.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, info["is_math_homework"])

	assert.Equal(t, int32(0), comp.starts.Load())

	entries := mem.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.EventTripwireTriggered, entries[0].EventType)
	assert.Equal(t, "input", entries[0].Stage)
	assert.Equal(t, "math_homework", entries[0].Guardrail)
	assert.NotEmpty(t, entries[0].ContentHash)
}

func TestCoordinator_OutputTripwire_DigitsInAnswer(t *testing.T) {
	comp := returns("The answer is 42")
	c := newTestCoordinator(t, nil)

	a := &Agent{
		Name:             "assistant",
		OutputGuardrails: []guardrails.Guardrail{noDigits()},
		Computation:      comp,
	}

	res, err := c.Run(testutil.TestContext(t), a, guardrails.TextPayload("What is the meaning of life?"))
	assert.Nil(t, res)
	assert.ErrorIs(t, err, guardrails.ErrOutputTripwireTriggered)

	var tripErr *guardrails.TripwireError
	require.ErrorAs(t, err, &tripErr)
	assert.Equal(t, guardrails.StageOutput, tripErr.Stage)
	assert.Equal(t, "no_digits", tripErr.Guardrail)
	require.Len(t, tripErr.Outcome.Results, 1, "exactly one result entry")
	assert.True(t, tripErr.Outcome.Results[0].Result.TripwireTriggered)
	assert.Equal(t, int32(1), comp.starts.Load())
}

func TestCoordinator_PassThrough(t *testing.T) {
	comp := returns("Paris is the capital of France")
	c := newTestCoordinator(t, nil)

	a := &Agent{
		Name:             "geo",
		InputGuardrails:  []guardrails.Guardrail{mathHomework()},
		OutputGuardrails: []guardrails.Guardrail{noDigits()},
		Computation:      comp,
	}

	res, err := c.Run(testutil.TestContext(t), a, guardrails.TextPayload("What is the capital of France?"), WithRunID("run-42"))
	require.NoError(t, err)

	assert.Equal(t, "run-42", res.RunID)
	assert.Equal(t, "Paris is the capital of France", res.FinalOutput)
	assert.Equal(t, "geo", res.LastAgent)
	assert.Equal(t, 1, res.Turns)
	assert.Len(t, res.InputOutcome.Results, 1)
	assert.Len(t, res.OutputOutcome.Results, 1)
	assert.False(t, res.InputOutcome.Tripped())
	assert.Empty(t, res.ToolDeliveries)
}

func TestCoordinator_ComputationReceivesIsolatedInput(t *testing.T) {
	items := guardrails.ItemsPayload{types.NewUserMessage("hello")}
	comp := &stubComputation{fn: func(_ context.Context, input guardrails.Payload, _ *RunScope) (Result, error) {
		got := input.(guardrails.ItemsPayload)
		got[0].Content = "mutated"
		return Result{Output: "ok"}, nil
	}}
	c := newTestCoordinator(t, nil)

	_, err := c.Run(testutil.TestContext(t), &Agent{Name: "a", Computation: comp}, items)
	require.NoError(t, err)
	assert.Equal(t, "hello", items[0].Content)
}

// =============================================================================
// Handoff
// =============================================================================

func TestCoordinator_Handoff_UsesLastAgentOutputGuardrails(t *testing.T) {
	var inputChecks atomic.Int32
	countingInput := guardrails.NewGuardrail("count_input", func(context.Context, guardrails.ExecutionContext) (guardrails.CheckResult, error) {
		inputChecks.Add(1)
		return guardrails.Pass(nil), nil
	})
	alwaysTrip := guardrails.NewGuardrail("always_trip", func(context.Context, guardrails.ExecutionContext) (guardrails.CheckResult, error) {
		return guardrails.Trip(nil), nil
	})

	var mathInput string
	math := &Agent{
		Name:             "math_tutor",
		InputGuardrails:  []guardrails.Guardrail{countingInput},
		OutputGuardrails: []guardrails.Guardrail{noDigits()},
		Computation: &stubComputation{fn: func(_ context.Context, input guardrails.Payload, scope *RunScope) (Result, error) {
			mathInput = input.Text()
			assert.Equal(t, "math_tutor", scope.AgentName())
			return Result{Output: "solve it step by step"}, nil
		}},
	}
	triage := &Agent{
		Name:             "triage",
		InputGuardrails:  []guardrails.Guardrail{countingInput},
		OutputGuardrails: []guardrails.Guardrail{alwaysTrip},
		Computation: &stubComputation{fn: func(context.Context, guardrails.Payload, *RunScope) (Result, error) {
			return Result{Output: "route: algebra question", Handoff: math}, nil
		}},
	}

	res, err := newTestCoordinator(t, nil).Run(testutil.TestContext(t), triage, guardrails.TextPayload("help with algebra"))
	require.NoError(t, err)

	assert.Equal(t, "math_tutor", res.LastAgent)
	assert.Equal(t, 2, res.Turns)
	assert.Equal(t, "route: algebra question", mathInput)
	assert.Equal(t, int32(1), inputChecks.Load(), "input guardrails run only for the first agent")
	require.Len(t, res.OutputOutcome.Results, 1)
	assert.Equal(t, "no_digits", res.OutputOutcome.Results[0].Guardrail)
}

func TestCoordinator_MaxTurnsExceeded(t *testing.T) {
	loop := &Agent{Name: "loop"}
	comp := &stubComputation{fn: func(context.Context, guardrails.Payload, *RunScope) (Result, error) {
		return Result{Output: "again", Handoff: loop}, nil
	}}
	loop.Computation = comp

	c := newTestCoordinator(t, func(cfg *config.GuardrailsConfig) { cfg.MaxTurns = 3 })
	_, err := c.Run(testutil.TestContext(t), loop, guardrails.TextPayload("go"))

	assert.ErrorIs(t, err, ErrMaxTurnsExceeded)
	assert.Equal(t, types.ErrMaxTurnsExceeded, types.GetErrorCode(err))
	assert.Equal(t, int32(3), comp.starts.Load())
}

func TestCoordinator_HandoffToInvalidAgent(t *testing.T) {
	broken := &Agent{Name: "broken"}
	comp := &stubComputation{fn: func(context.Context, guardrails.Payload, *RunScope) (Result, error) {
		return Result{Output: "x", Handoff: broken}, nil
	}}

	_, err := newTestCoordinator(t, nil).Run(testutil.TestContext(t), &Agent{Name: "a", Computation: comp}, guardrails.TextPayload("x"))
	assert.ErrorIs(t, err, ErrAgentNotReady)
}

// =============================================================================
// 工具调用
// =============================================================================

func searchTool(invocations *atomic.Int32, input, output []guardrails.ToolGuardrail) tools.Tool {
	return tools.Tool{
		Name:             "search",
		InputGuardrails:  input,
		OutputGuardrails: output,
		Invoke: func(context.Context, json.RawMessage) (string, error) {
			invocations.Add(1)
			return "internal: password=hunter2", nil
		},
	}
}

func TestCoordinator_ToolReject_RunContinues(t *testing.T) {
	var invocations atomic.Int32
	comp := &stubComputation{fn: func(ctx context.Context, _ guardrails.Payload, scope *RunScope) (Result, error) {
		d, err := scope.CallTool(ctx, types.ToolCall{ID: "c1", Name: "search", Arguments: json.RawMessage(`{"q":"docs"}`)})
		if err != nil {
			return Result{}, err
		}
		return Result{Output: "tool said: " + d.Content}, nil
	}}
	a := &Agent{
		Name:        "researcher",
		Tools:       []tools.Tool{searchTool(&invocations, nil, []guardrails.ToolGuardrail{testutil.FixedToolGuardrail("secrets", guardrails.RejectContent("[redacted]", nil))})},
		Computation: comp,
	}

	res, err := newTestCoordinator(t, nil).Run(testutil.TestContext(t), a, guardrails.TextPayload("find docs"))
	require.NoError(t, err)

	assert.Equal(t, "tool said: [redacted]", res.FinalOutput)
	assert.Equal(t, int32(1), invocations.Load())
	require.Len(t, res.ToolDeliveries, 1)
	assert.Equal(t, tools.DeliveryRejected, res.ToolDeliveries[0].State)
	assert.Equal(t, int32(0), comp.cancels.Load())
}

func TestCoordinator_ToolRaiseException_CancelsRun(t *testing.T) {
	tests := []struct {
		name    string
		swallow bool
	}{
		{name: "computation waits on context"},
		{name: "computation swallows error", swallow: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var invocations atomic.Int32
			comp := &stubComputation{}
			comp.fn = func(ctx context.Context, _ guardrails.Payload, scope *RunScope) (Result, error) {
				_, err := scope.CallTool(ctx, types.ToolCall{ID: "c1", Name: "search", Arguments: json.RawMessage(`{"q":"rm -rf /"}`)})
				if tt.swallow {
					return Result{Output: "pretend everything is fine"}, nil
				}
				assert.Error(t, err)
				<-ctx.Done()
				return Result{}, ctx.Err()
			}
			mem := audit.NewMemoryLogger(10)
			a := &Agent{
				Name:        "researcher",
				Tools:       []tools.Tool{searchTool(&invocations, []guardrails.ToolGuardrail{testutil.FixedToolGuardrail("dangerous_args", guardrails.RaiseException("shell injection"))}, nil)},
				Computation: comp,
			}

			res, err := newTestCoordinator(t, nil, WithAuditLogger(mem)).Run(testutil.TestContext(t), a, guardrails.TextPayload("clean up"))
			assert.Nil(t, res)
			assert.ErrorIs(t, err, guardrails.ErrToolInputTripwireTriggered)

			var tripErr *guardrails.ToolTripwireError
			require.ErrorAs(t, err, &tripErr)
			assert.Equal(t, "dangerous_args", tripErr.Guardrail)
			assert.Equal(t, "search", tripErr.Tool)

			assert.Equal(t, int32(0), invocations.Load())
			assert.GreaterOrEqual(t, comp.cancels.Load(), int32(1))

			entries := mem.Entries()
			require.Len(t, entries, 1)
			assert.Equal(t, audit.EventToolAborted, entries[0].EventType)
			assert.Equal(t, "researcher", entries[0].Agent)
		})
	}
}

func TestCoordinator_UnknownToolIsNotFatal(t *testing.T) {
	comp := &stubComputation{fn: func(ctx context.Context, _ guardrails.Payload, scope *RunScope) (Result, error) {
		_, err := scope.CallTool(ctx, types.ToolCall{Name: "missing"})
		if errors.Is(err, tools.ErrToolNotFound) {
			return Result{Output: "no such tool"}, nil
		}
		return Result{}, err
	}}

	res, err := newTestCoordinator(t, nil).Run(testutil.TestContext(t), &Agent{Name: "a", Computation: comp}, guardrails.TextPayload("x"))
	require.NoError(t, err)
	assert.Equal(t, "no such tool", res.FinalOutput)
}

// =============================================================================
// 取消、超时与故障
// =============================================================================

func TestCoordinator_ParentCancel(t *testing.T) {
	started := make(chan struct{})
	comp := &stubComputation{fn: func(ctx context.Context, _ guardrails.Payload, _ *RunScope) (Result, error) {
		close(started)
		<-ctx.Done()
		return Result{}, ctx.Err()
	}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := newTestCoordinator(t, nil).Run(ctx, &Agent{Name: "slow", Computation: comp}, guardrails.TextPayload("x"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, guardrails.IsTripwire(err))
	assert.Equal(t, int32(1), comp.cancels.Load())
}

func TestCoordinator_StageTimeout(t *testing.T) {
	slow := guardrails.NewGuardrail("slow_classifier", func(ctx context.Context, _ guardrails.ExecutionContext) (guardrails.CheckResult, error) {
		select {
		case <-time.After(5 * time.Second):
			return guardrails.Pass(nil), nil
		case <-ctx.Done():
			return guardrails.CheckResult{}, ctx.Err()
		}
	})
	comp := returns("never")
	c := newTestCoordinator(t, func(cfg *config.GuardrailsConfig) { cfg.StageTimeout = 20 * time.Millisecond })

	start := time.Now()
	_, err := c.Run(testutil.TestContext(t), &Agent{Name: "a", InputGuardrails: []guardrails.Guardrail{slow}, Computation: comp}, guardrails.TextPayload("x"))

	assert.ErrorIs(t, err, ErrStageTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, types.ErrTimeout, types.GetErrorCode(err))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int32(0), comp.starts.Load())
}

func TestCoordinator_GuardrailFault(t *testing.T) {
	faulty := guardrails.NewGuardrail("faulty", func(context.Context, guardrails.ExecutionContext) (guardrails.CheckResult, error) {
		return guardrails.CheckResult{}, errors.New("moderation API unavailable")
	})
	comp := returns("x")
	mem := audit.NewMemoryLogger(10)

	_, err := newTestCoordinator(t, nil, WithAuditLogger(mem)).Run(testutil.TestContext(t),
		&Agent{Name: "a", InputGuardrails: []guardrails.Guardrail{faulty}, Computation: comp},
		guardrails.TextPayload("x"))

	assert.ErrorIs(t, err, guardrails.ErrCheckExecution)
	assert.False(t, guardrails.IsTripwire(err))
	assert.Equal(t, types.ErrGuardrailFault, types.GetErrorCode(err))
	assert.Equal(t, int32(0), comp.starts.Load())

	entries := mem.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.EventCheckFailed, entries[0].EventType)
}

func TestCoordinator_ComputationPanic(t *testing.T) {
	comp := &stubComputation{fn: func(context.Context, guardrails.Payload, *RunScope) (Result, error) {
		panic("model exploded")
	}}

	_, err := newTestCoordinator(t, nil).Run(testutil.TestContext(t), &Agent{Name: "a", Computation: comp}, guardrails.TextPayload("x"))
	assert.ErrorContains(t, err, "model exploded")
}

func TestCoordinator_InvalidAgent(t *testing.T) {
	c := newTestCoordinator(t, nil)
	dup := mathHomework()

	tests := []struct {
		name  string
		agent *Agent
		want  error
	}{
		{"nil agent", nil, ErrInvalidAgent},
		{"empty name", &Agent{Computation: returns("x")}, ErrInvalidAgent},
		{"no computation", &Agent{Name: "a"}, ErrAgentNotReady},
		{"duplicate guardrail", &Agent{Name: "a", Computation: returns("x"), InputGuardrails: []guardrails.Guardrail{dup, dup}}, guardrails.ErrInvalidGuardrail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Run(testutil.TestContext(t), tt.agent, guardrails.TextPayload("x"))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// =============================================================================
// 共享状态与可观测性
// =============================================================================

func TestCoordinator_RunStateSharedAcrossStages(t *testing.T) {
	tagger := guardrails.NewGuardrail("tagger", func(_ context.Context, ec guardrails.ExecutionContext) (guardrails.CheckResult, error) {
		ec.State.Set("locale", "fr")
		return guardrails.Pass(nil), nil
	})
	comp := &stubComputation{fn: func(_ context.Context, _ guardrails.Payload, scope *RunScope) (Result, error) {
		v, _ := scope.State().Get("locale")
		return Result{Output: "bonjour in " + v.(string)}, nil
	}}

	state := guardrails.NewRunState()
	res, err := newTestCoordinator(t, nil).Run(testutil.TestContext(t),
		&Agent{Name: "a", InputGuardrails: []guardrails.Guardrail{tagger}, Computation: comp},
		guardrails.TextPayload("hi"), WithRunState(state))
	require.NoError(t, err)

	assert.Equal(t, "bonjour in fr", res.FinalOutput)
	v, ok := state.Get("locale")
	assert.True(t, ok)
	assert.Equal(t, "fr", v)
}

func TestCoordinator_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("coord", reg, nil)

	var stageEnds atomic.Int32
	c := newTestCoordinator(t, nil,
		WithMetrics(collector),
		WithHooks(guardrails.Hooks{
			OnStageEnd: func(guardrails.Stage, string, error, time.Duration) { stageEnds.Add(1) },
		}))

	a := &Agent{Name: "support", InputGuardrails: []guardrails.Guardrail{mathHomework()}, Computation: returns("ok")}
	_, err := c.Run(testutil.TestContext(t), a, guardrails.TextPayload("2x + 3 = 11"))
	require.Error(t, err)
	_, err = c.Run(testutil.TestContext(t), a, guardrails.TextPayload("hello"))
	require.NoError(t, err)

	n, err := promtest.GatherAndCount(reg, "coord_guarded_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per status")

	n, err = promtest.GatherAndCount(reg, "coord_guardrail_checks_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// 第一次运行: 输入阶段；第二次: 输入 + 输出阶段
	assert.Equal(t, int32(3), stageEnds.Load())
}

func TestRunStatus(t *testing.T) {
	assert.Equal(t, "completed", runStatus(nil))
	assert.Equal(t, "cancelled", runStatus(context.Canceled))
	assert.Equal(t, "max_turns", runStatus(ErrMaxTurnsExceeded))
	assert.Equal(t, "error", runStatus(errors.New("x")))
	assert.Equal(t, "timeout", runStatus(ErrStageTimeout))
}

func TestAsPayload(t *testing.T) {
	assert.Equal(t, guardrails.TextPayload("hi"), asPayload("hi"))
	assert.Equal(t, guardrails.TextPayload("p"), asPayload(guardrails.TextPayload("p")))
	assert.Equal(t, guardrails.OutputPayload{Value: 42}, asPayload(42))
}
