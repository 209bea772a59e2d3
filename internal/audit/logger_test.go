package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

type threadSafeBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *threadSafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *threadSafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger(t *testing.T, cfg Config) (*Logger, *threadSafeBuffer) {
	t.Helper()
	cfg.Enabled = true
	cfg.Output = "stdout"
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 20 * time.Millisecond
	}
	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	buf := &threadSafeBuffer{}
	logger.slogger = slog.New(slog.NewJSONHandler(buf, nil)).With("component", "audit")
	return logger, buf
}

func TestNewLogger_Disabled(t *testing.T) {
	logger, err := NewLogger(Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Log(context.Background(), &Event{Type: EventToolInvocation})
	require.NoError(t, logger.Close())
}

func TestNewLogger_InvalidOutput(t *testing.T) {
	_, err := NewLogger(Config{Enabled: true, Output: "invalid://path"})
	require.Error(t, err)
}

func TestLogger_LogToolInvocation(t *testing.T) {
	logger, buf := newTestLogger(t, DefaultConfig())
	logger.LogToolInvocation(context.Background(), "run-1", "shell.run", "call-1", []byte(`{"cmd":"echo hi"}`))
	require.NoError(t, logger.Close())

	out := buf.String()
	require.NotEmpty(t, out)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &rec))
	assert.Equal(t, "run-1", rec["run_id"])
	assert.Equal(t, "shell.run", rec["tool_name"])
}

func TestLogger_SamplingDropsEvents(t *testing.T) {
	cfg := DefaultConfig()
	// A SampleRate of 0 means "unset" and NewLogger defaults it to 1.0, so
	// use the smallest positive rate to drop (practically) every event.
	cfg.SampleRate = math.SmallestNonzeroFloat64
	logger, buf := newTestLogger(t, cfg)
	for i := 0; i < 20; i++ {
		logger.LogToolInvocation(context.Background(), "run-1", "x", "c", nil)
	}
	require.NoError(t, logger.Close())
	assert.Empty(t, buf.String())
}

func TestLogger_LevelFilter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = LevelError
	logger, buf := newTestLogger(t, cfg)
	logger.Log(context.Background(), &Event{Type: EventToolInvocation, Level: LevelInfo, Action: "nope"})
	logger.Log(context.Background(), &Event{Type: EventToolDenied, Level: LevelError, Action: "denied"})
	require.NoError(t, logger.Close())

	out := buf.String()
	assert.Contains(t, out, "denied")
	assert.NotContains(t, out, "nope")
}

func TestLogger_CarriesTraceAndSpanIDFromContext(t *testing.T) {
	logger, buf := newTestLogger(t, DefaultConfig())

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	logger.LogToolInvocation(ctx, "run-1", "shell.run", "call-1", nil)
	require.NoError(t, logger.Close())

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &rec))
	assert.Equal(t, traceID.String(), rec["trace_id"])
	assert.Equal(t, spanID.String(), rec["span_id"])
}

var _ io.Writer = (*threadSafeBuffer)(nil)
