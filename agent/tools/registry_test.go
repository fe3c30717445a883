package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/guardflow/agent/guardrails"
)

func noop(context.Context, json.RawMessage) (string, error) { return "", nil }

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry(nil)

	require.NoError(t, reg.Register(Tool{Name: "b", Invoke: noop}))
	require.NoError(t, reg.Register(Tool{Name: "a", Invoke: noop}))

	assert.True(t, reg.Has("a"))
	assert.Equal(t, []string{"a", "b"}, reg.Names())

	err := reg.Register(Tool{Name: "a", Invoke: noop})
	assert.ErrorContains(t, err, "already registered")
}

func TestRegistry_RejectsInvalidTools(t *testing.T) {
	allow := guardrails.NewToolGuardrail("dup", func(context.Context, guardrails.ExecutionContext) (guardrails.ToolCheckResult, error) {
		return guardrails.Allow(nil), nil
	})

	tests := []struct {
		name string
		tool Tool
	}{
		{"empty name", Tool{Invoke: noop}},
		{"nil invoke", Tool{Name: "x"}},
		{"duplicate input guardrail", Tool{Name: "x", Invoke: noop, InputGuardrails: []guardrails.ToolGuardrail{allow, allow}}},
		{"nil output check", Tool{Name: "x", Invoke: noop, OutputGuardrails: []guardrails.ToolGuardrail{{Name: "empty"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, NewRegistry(nil).Register(tt.tool))
		})
	}
}

func TestRegistry_Unregister(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(Tool{Name: "a", Invoke: noop}))

	require.NoError(t, reg.Unregister("a"))
	assert.False(t, reg.Has("a"))
	assert.ErrorIs(t, reg.Unregister("a"), ErrToolNotFound)
}

func TestRegistry_StoresCopy(t *testing.T) {
	reg := NewRegistry(nil)
	tool := Tool{Name: "a", Description: "original", Invoke: noop}
	require.NoError(t, reg.Register(tool))

	tool.Description = "changed"
	got, ok := reg.Get("a")
	require.True(t, ok)
	assert.Equal(t, "original", got.Description)
}
