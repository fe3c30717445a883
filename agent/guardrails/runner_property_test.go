package guardrails

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// 无论完成顺序如何，并行模式总是由注册下标最小的触发者或故障者裁决
func TestProperty_RunStage_LowestIndexDecides(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "n")
		kinds := make([]int, n) // 0 通过, 1 触发, 2 故障
		units := make([]Guardrail, n)
		for i := 0; i < n; i++ {
			kinds[i] = rapid.IntRange(0, 2).Draw(rt, fmt.Sprintf("kind_%d", i))
			delay := time.Duration(rapid.IntRange(0, 5).Draw(rt, fmt.Sprintf("delay_%d", i))) * time.Millisecond
			name := fmt.Sprintf("g%d", i)
			switch kinds[i] {
			case 0:
				units[i] = delayed(name, delay, false)
			case 1:
				units[i] = delayed(name, delay, true)
			default:
				units[i] = faulty(name, delay, errors.New(name))
			}
		}
		limit := rapid.IntRange(0, 3).Draw(rt, "limit")

		want := -1
		for i, k := range kinds {
			if k != 0 {
				want = i
				break
			}
		}

		r := NewStageRunner(&RunnerConfig{Mode: RunModeParallel, MaxConcurrency: limit})
		out, err := RunStage(context.Background(), r, units, inputContext("x"))

		switch {
		case want == -1:
			require.NoError(rt, err)
			require.False(rt, out.Tripped())
			require.Len(rt, out.Results, n)
		case kinds[want] == 1:
			require.NoError(rt, err)
			require.Equal(rt, want, out.TriggeredIndex)
			require.Equal(rt, units[want].Name, out.Triggered)
		default:
			var execErr *CheckExecutionError
			require.ErrorAs(rt, err, &execErr)
			require.Equal(rt, units[want].Name, execErr.Guardrail)
			require.False(rt, out.Tripped())
		}

		// 裁决者之前的护栏必然全部完成且通过
		for i := 0; i < want; i++ {
			res, ok := out.Result(units[i].Name)
			require.True(rt, ok, "guardrail %d before the decision must have a result", i)
			require.False(rt, res.Tripped())
		}
	})
}

// 并行与顺序模式对同一组护栏给出相同的裁决
func TestProperty_RunStage_ModesAgree(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("parallel and sequential pick the same trigger", prop.ForAll(
		func(trips []bool) bool {
			units := make([]Guardrail, len(trips))
			for i, tripped := range trips {
				units[i] = delayed(fmt.Sprintf("g%d", i), time.Duration(len(trips)-i)*time.Millisecond, tripped)
			}

			par, err := RunStage(context.Background(), NewStageRunner(nil), units, inputContext("x"))
			if err != nil {
				t.Logf("parallel failed: %v", err)
				return false
			}
			seq, err := RunStage(context.Background(), NewStageRunner(&RunnerConfig{Mode: RunModeSequential}), units, inputContext("x"))
			if err != nil {
				t.Logf("sequential failed: %v", err)
				return false
			}
			return par.TriggeredIndex == seq.TriggeredIndex && par.Triggered == seq.Triggered
		},
		gen.SliceOfN(6, gen.Bool()),
	))

	properties.TestingRun(t)
}
