package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNew_Levels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		if logger := New(level, "json"); logger == nil {
			t.Errorf("New(%q) returned nil", level)
		}
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req_abc123")
	if got := RequestID(ctx); got != "req_abc123" {
		t.Errorf("expected req_abc123, got %q", got)
	}
	if got := RequestID(context.Background()); got != "" {
		t.Errorf("expected empty request ID, got %q", got)
	}
}

func TestFromContext_Default(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("expected default logger for empty context")
	}
}

func TestL_AttachesRequestID(t *testing.T) {
	logger := New("info", "text")
	ctx := WithLogger(context.Background(), logger)
	ctx = WithRequestID(ctx, "req_xyz")

	if L(ctx) == nil {
		t.Fatal("L returned nil")
	}
}
