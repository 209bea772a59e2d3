package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Logger provides structured audit logging with buffered, async writes so
// that a slow or blocked sink never stalls the run executor or gateway.
type Logger struct {
	config     Config
	output     io.WriteCloser
	slogger    *slog.Logger
	buffer     chan *Event
	wg         sync.WaitGroup
	done       chan struct{}
	closeOnce  sync.Once
}

// NewLogger creates a new audit logger. A disabled config returns a
// no-op Logger whose methods are safe to call and always inexpensive.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}
	if config.SampleRate == 0 {
		config.SampleRate = 1.0
	}
	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaxFieldSize == 0 {
		config.MaxFieldSize = 1024
	}

	var output io.WriteCloser
	switch {
	case config.Output == "stdout" || config.Output == "":
		output = os.Stdout
	case config.Output == "stderr":
		output = os.Stderr
	case strings.HasPrefix(config.Output, "file:"):
		path := strings.TrimPrefix(config.Output, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit log file: %w", err)
		}
		output = f
	default:
		return nil, fmt.Errorf("unsupported audit output: %s", config.Output)
	}

	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{Level: slogLevel(config.Level)})
	l := &Logger{
		config:  config,
		output:  output,
		slogger: slog.New(handler).With("component", "audit"),
		buffer:  make(chan *Event, config.BufferSize),
		done:    make(chan struct{}),
	}

	l.wg.Add(1)
	go l.writeLoop()
	return l, nil
}

// Close flushes remaining buffered events and releases the output file.
func (l *Logger) Close() error {
	if l == nil || !l.config.Enabled {
		return nil
	}
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
	})
	if l.output != os.Stdout && l.output != os.Stderr {
		return l.output.Close()
	}
	return nil
}

// Log writes an audit event, applying sampling and level filtering first.
// Writes never block the caller: the buffered channel absorbs bursts, and
// a full buffer falls back to a direct (slower) write rather than drop.
func (l *Logger) Log(ctx context.Context, event *Event) {
	if l == nil || !l.config.Enabled {
		return
	}
	if l.config.SampleRate < 1.0 && rand.Float64() > l.config.SampleRate {
		return
	}
	if !l.shouldLog(event.Level) {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			event.TraceID = sc.TraceID().String()
			event.SpanID = sc.SpanID().String()
		}
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case l.buffer <- event:
	default:
		l.writeEvent(event)
	}
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case e := <-l.buffer:
			l.writeEvent(e)
		case <-ticker.C:
			// periodic wake keeps writeLoop responsive to Close even when idle
		case <-l.done:
			for {
				select {
				case e := <-l.buffer:
					l.writeEvent(e)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) writeEvent(e *Event) {
	attrs := []any{
		"id", e.ID,
		"type", string(e.Type),
		"action", e.Action,
	}
	if e.RunID != "" {
		attrs = append(attrs, "run_id", e.RunID)
	}
	if e.SessionID != "" {
		attrs = append(attrs, "session_id", e.SessionID)
	}
	if e.ToolName != "" {
		attrs = append(attrs, "tool_name", e.ToolName)
	}
	if e.ToolCallID != "" {
		attrs = append(attrs, "tool_call_id", e.ToolCallID)
	}
	if e.TraceID != "" {
		attrs = append(attrs, "trace_id", e.TraceID, "span_id", e.SpanID)
	}
	if e.Duration > 0 {
		attrs = append(attrs, "duration_ms", e.Duration.Milliseconds())
	}
	if e.Error != "" {
		attrs = append(attrs, "error", e.Error)
	}
	for k, v := range e.Details {
		attrs = append(attrs, "detail_"+k, v)
	}

	switch e.Level {
	case LevelDebug:
		l.slogger.Debug(e.Action, attrs...)
	case LevelWarn:
		l.slogger.Warn(e.Action, attrs...)
	case LevelError:
		l.slogger.Error(e.Action, attrs...)
	default:
		l.slogger.Info(e.Action, attrs...)
	}
}

func (l *Logger) shouldLog(level Level) bool {
	order := map[Level]int{LevelDebug: 0, LevelInfo: 1, LevelWarn: 2, LevelError: 3}
	min := l.config.Level
	if min == "" {
		min = LevelInfo
	}
	return order[level] >= order[min]
}

func slogLevel(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogToolInvocation logs a tool invocation with its input truncated to
// MaxFieldSize rather than hashed — Agent Blob is single-user/local-first
// so there is no multi-tenant privacy boundary to hide inputs behind.
func (l *Logger) LogToolInvocation(ctx context.Context, runID, toolName, toolCallID string, input []byte) {
	details := map[string]any{}
	if len(input) > 0 {
		details["input"] = truncate(string(input), l.config.MaxFieldSize)
	}
	l.Log(ctx, &Event{
		Type: EventToolInvocation, Level: LevelInfo, RunID: runID,
		ToolName: toolName, ToolCallID: toolCallID, Action: "tool_invoked", Details: details,
	})
}

// LogToolCompletion logs the outcome of a tool invocation.
func (l *Logger) LogToolCompletion(ctx context.Context, runID, toolName, toolCallID string, success bool, dur time.Duration) {
	level := LevelInfo
	if !success {
		level = LevelWarn
	}
	l.Log(ctx, &Event{
		Type: EventToolCompletion, Level: level, RunID: runID,
		ToolName: toolName, ToolCallID: toolCallID, Action: "tool_completed", Duration: dur,
		Details: map[string]any{"success": success},
	})
}

// LogToolDenied logs a policy denial for a tool call.
func (l *Logger) LogToolDenied(ctx context.Context, runID, toolName, reason string) {
	l.Log(ctx, &Event{
		Type: EventToolDenied, Level: LevelWarn, RunID: runID,
		ToolName: toolName, Action: "tool_denied", Details: map[string]any{"reason": reason},
	})
}

// LogPermission logs a permission broker state transition.
func (l *Logger) LogPermission(ctx context.Context, typ EventType, runID, permID, capability string) {
	l.Log(ctx, &Event{
		Type: typ, Level: LevelInfo, RunID: runID, Action: string(typ),
		Details: map[string]any{"perm_id": permID, "capability": capability},
	})
}

// LogRunLifecycle logs a run start/stop/finish transition.
func (l *Logger) LogRunLifecycle(ctx context.Context, typ EventType, runID, channel, detail string) {
	l.Log(ctx, &Event{
		Type: typ, Level: LevelInfo, RunID: runID, Channel: channel, Action: string(typ),
		Details: map[string]any{"detail": detail},
	})
}
