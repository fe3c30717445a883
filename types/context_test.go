package types

import (
	"context"
	"testing"
)

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if _, ok := RunID(ctx); ok {
		t.Fatal("RunID should be absent")
	}

	ctx = WithRunID(ctx, "run")
	if got, ok := RunID(ctx); !ok || got != "run" {
		t.Fatalf("RunID mismatch: %v %v", got, ok)
	}

	ctx = WithAgentName(ctx, "support")
	if got, ok := AgentName(ctx); !ok || got != "support" {
		t.Fatalf("AgentName mismatch: %v %v", got, ok)
	}

	if _, ok := AgentName(WithAgentName(ctx, "")); ok {
		t.Fatal("empty AgentName should report absent")
	}
}
