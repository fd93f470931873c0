package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/bdobrica/Kioku/common/trace"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetup_JSONWithTrace(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger := Setup("debug", "json", &buf)
	ctx := trace.WithTraceID(context.Background(), "t_abc")
	WithTrace(ctx, logger).Debug("recall done", "facts", 2)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["trace_id"] != "t_abc" {
		t.Errorf("trace_id = %v, want t_abc", line["trace_id"])
	}
	if line["msg"] != "recall done" {
		t.Errorf("msg = %v", line["msg"])
	}
}

func TestSetup_RedactsSecrets(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	const key = "sk-test-0123456789"
	var buf bytes.Buffer
	logger := Setup("info", "text", &buf, key, "")
	logger.With("auth", "Bearer "+key).Info("calling provider with "+key,
		"err", errors.New("401 for key "+key),
		slog.Group("req", "header", key),
	)

	out := buf.String()
	if strings.Contains(out, key) {
		t.Fatalf("secret leaked into log output: %s", out)
	}
	if strings.Count(out, "[REDACTED]") < 4 {
		t.Errorf("expected every occurrence to be redacted, got: %s", out)
	}
}

func TestWithTrace_NoTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	if got := WithTrace(context.Background(), logger); got != logger {
		t.Error("expected the same logger when ctx has no trace")
	}
}
