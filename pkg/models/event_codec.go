package models

import (
	"encoding/json"
	"time"
)

// NewEvent marshals payload and stamps it into an Event envelope.
func NewEvent(seq uint64, runID string, typ EventType, ts time.Time, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	return Event{
		Seq:       seq,
		RunID:     runID,
		Type:      typ,
		Timestamp: ts,
		Payload:   raw,
	}
}

// Decode unmarshals the event's payload into dst, a pointer to one of the
// *Payload structs matching e.Type.
func (e Event) Decode(dst any) error {
	return json.Unmarshal(e.Payload, dst)
}
