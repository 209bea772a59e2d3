// Package audit provides a structured, async-flushed audit trail for tool
// invocations, permission decisions, and run lifecycle transitions. It is
// deliberately independent of the C1 event log: the event log is the
// durable, replayable run history; audit is an operational/security trail
// that may sample or drop under load.
package audit

import (
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	EventToolInvocation EventType = "tool.invocation"
	EventToolCompletion EventType = "tool.completion"
	EventToolDenied     EventType = "tool.denied"

	EventPermissionRequested EventType = "permission.requested"
	EventPermissionGranted   EventType = "permission.granted"
	EventPermissionDenied    EventType = "permission.denied"
	EventPermissionExpired   EventType = "permission.expired"

	EventRunStarted  EventType = "run.started"
	EventRunStopped  EventType = "run.stopped"
	EventRunFinished EventType = "run.finished"

	EventScheduleFired  EventType = "schedule.fired"
	EventScheduleMissed EventType = "schedule.missed"

	EventWorkerSpawned EventType = "worker.spawned"
	EventWorkerDenied  EventType = "worker.denied"

	EventGatewayConnect    EventType = "gateway.connect"
	EventGatewayDisconnect EventType = "gateway.disconnect"
)

// Level is audit log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is a single audit log entry.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Level      Level          `json:"level"`
	Timestamp  time.Time      `json:"timestamp"`
	RunID      string         `json:"run_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Action     string         `json:"action"`
	Details    map[string]any `json:"details,omitempty"`
	Duration   time.Duration  `json:"duration,omitempty"`
	Error      string         `json:"error,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	SpanID     string         `json:"span_id,omitempty"`
}

// OutputFormat is the audit log serialization format.
type OutputFormat string

const (
	FormatJSON   OutputFormat = "json"
	FormatLogfmt OutputFormat = "logfmt"
)

// Config configures the audit logger.
type Config struct {
	Enabled       bool         `yaml:"enabled" json:"enabled"`
	Level         Level        `yaml:"level" json:"level"`
	Format        OutputFormat `yaml:"format" json:"format"`
	Output        string       `yaml:"output" json:"output"` // "stdout", "stderr", "file:/path"
	MaxFieldSize  int          `yaml:"max_field_size" json:"max_field_size"`
	SampleRate    float64      `yaml:"sample_rate" json:"sample_rate"`
	BufferSize    int          `yaml:"buffer_size" json:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
}

// DefaultConfig returns sane defaults for the audit logger.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Level:         LevelInfo,
		Format:        FormatJSON,
		Output:        "stdout",
		MaxFieldSize:  1024,
		SampleRate:    1.0,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
	}
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
