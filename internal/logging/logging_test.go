package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNew_LevelParsing(t *testing.T) {
	tests := []struct {
		level        string
		debugEnabled bool
		infoEnabled  bool
	}{
		{"", false, true}, // default is info
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"error", false, false},
	}

	for _, tc := range tests {
		t.Run("level_"+tc.level, func(t *testing.T) {
			logger := New(tc.level, "text")
			if logger == nil {
				t.Fatal("Expected non-nil logger")
			}
			ctx := context.Background()
			if got := logger.Enabled(ctx, slog.LevelDebug); got != tc.debugEnabled {
				t.Errorf("debug enabled = %v, want %v", got, tc.debugEnabled)
			}
			if got := logger.Enabled(ctx, slog.LevelInfo); got != tc.infoEnabled {
				t.Errorf("info enabled = %v, want %v", got, tc.infoEnabled)
			}
		})
	}
}

func TestNew_JSONFormat(t *testing.T) {
	if logger := New("info", "json"); logger == nil {
		t.Fatal("Expected non-nil logger for JSON format")
	}
}

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	if id := RequestID(ctx); id != "" {
		t.Errorf("Expected empty request ID on fresh context, got %q", id)
	}

	ctx = WithRequestID(ctx, "req_abc123")
	if id := RequestID(ctx); id != "req_abc123" {
		t.Errorf("Expected req_abc123, got %q", id)
	}

	// A later WithRequestID replaces the earlier one.
	ctx = WithRequestID(ctx, "req_def456")
	if id := RequestID(ctx); id != "req_def456" {
		t.Errorf("Expected req_def456, got %q", id)
	}
}

func TestFromContext_FallsBackToDefault(t *testing.T) {
	if logger := FromContext(context.Background()); logger == nil {
		t.Fatal("Expected default logger when none stored")
	}
}

func TestFromContext_ReturnsStoredLogger(t *testing.T) {
	custom := New("debug", "json")
	ctx := WithLogger(context.Background(), custom)

	if got := FromContext(ctx); got != custom {
		t.Error("Expected the stored logger back from the context")
	}
}

func TestL_AttachesRequestID(t *testing.T) {
	ctx := WithLogger(context.Background(), New("info", "text"))

	// Works with and without a request id on the context.
	if logger := L(ctx); logger == nil {
		t.Fatal("Expected non-nil logger from L()")
	}
	ctx = WithRequestID(ctx, "req_789")
	if logger := L(ctx); logger == nil {
		t.Fatal("Expected non-nil logger from L() with request id")
	}
}
