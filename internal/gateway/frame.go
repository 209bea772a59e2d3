// Package gateway implements C6: the client-facing connection model, the
// per-session request FIFO, and channel-scoped event fanout described in
// spec §4.6 and §6. The wire frame shapes and connection lifecycle are
// grounded on the teacher's internal/gateway WS control plane
// (ws_control_plane.go): a handshake-gated read loop, a buffered send
// channel drained by a dedicated write loop, and a flat req/res/event
// frame envelope.
package gateway

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the only protocol version this gateway speaks.
const ProtocolVersion = 1

// Frame types, per spec §6.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// Methods recognized by Dispatch, per spec §6.
const (
	MethodConnect           = "connect"
	MethodAgent             = "agent"
	MethodRunStop           = "run.stop"
	MethodPermissionRespond = "permission.respond"
	MethodMemorySearch      = "memory.search"
	MethodMemoryList        = "memory.list"
	MethodMemoryDelete      = "memory.delete"
	MethodMemoryPin         = "memory.pin"
	MethodSchedulesList     = "schedules.list"
	MethodSchedulesCreate   = "schedules.create"
	MethodSchedulesUpdate   = "schedules.update"
	MethodSchedulesDelete   = "schedules.delete"
	MethodWorkersList       = "workers.list"
	MethodStatus            = "status"
)

// Event kinds published to a channel, layered on top of the C1 event
// types with a few gateway-only additions (queued, permission prompts
// already carry their own EventType name).
const (
	EventQueued = "queued"
)

// Frame is the single envelope shape used for every direction per spec
// §6: request, response, and event are distinguished by Type with the
// other fields left zero.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

// FrameError is the {code, message} shape a response carries on failure.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventEnvelope is the payload shape every fanned-out event frame carries:
// the originating run id plus the C1 event's own tagged-variant payload,
// left undecoded so a transport can parse only the event kinds it cares
// about.
type EventEnvelope struct {
	RunID string          `json:"run_id"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func responseFrame(id string, ok bool, payload any, ferr *FrameError) Frame {
	return Frame{Type: FrameResponse, ID: id, OK: &ok, Payload: payload, Error: ferr}
}

func eventFrame(event string, payload any, seq int64) Frame {
	return Frame{Type: FrameEvent, Event: event, Payload: payload, Seq: &seq}
}

func errorFrame(id, code, message string) Frame {
	return responseFrame(id, false, nil, &FrameError{Code: code, Message: message})
}

// decodeFrame parses raw bytes into a Frame, defaulting an absent Type to
// "req" the way the teacher's decodeFrame does, and rejects anything that
// isn't a request envelope (responses/events only ever flow server->client).
func decodeFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, err
	}
	if frame.Type == "" {
		frame.Type = FrameRequest
	}
	if frame.Type != FrameRequest {
		return Frame{}, fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	return frame, nil
}

func methodSet() []string {
	return []string{
		MethodConnect, MethodAgent, MethodRunStop, MethodPermissionRespond,
		MethodMemorySearch, MethodMemoryList, MethodMemoryDelete, MethodMemoryPin,
		MethodSchedulesList, MethodSchedulesCreate, MethodSchedulesUpdate, MethodSchedulesDelete,
		MethodWorkersList, MethodStatus,
	}
}
