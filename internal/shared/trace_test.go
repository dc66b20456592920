package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected '-' for missing trace id, got %q", got)
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := WithTraceID(context.Background(), "abc123")
	if got := TraceID(ctx); got != "abc123" {
		t.Fatalf("expected abc123, got %q", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()
	if a == "" || b == "" {
		t.Fatal("expected non-empty trace ids")
	}
	if a == b {
		t.Fatalf("expected distinct trace ids, both %q", a)
	}
}

func TestSessionID_RoundTrip(t *testing.T) {
	if got := SessionID(context.Background()); got != "" {
		t.Fatalf("expected empty session id, got %q", got)
	}
	ctx := WithSessionID(context.Background(), "sess-9")
	if got := SessionID(ctx); got != "sess-9" {
		t.Fatalf("expected sess-9, got %q", got)
	}
}

func TestAgentID_RoundTrip(t *testing.T) {
	if got := AgentID(context.Background()); got != "" {
		t.Fatalf("expected empty agent id, got %q", got)
	}
	ctx := WithAgentID(context.Background(), "logician")
	if got := AgentID(ctx); got != "logician" {
		t.Fatalf("expected logician, got %q", got)
	}
}
