// Package tasks implements the bounded terminal-run snapshot spec §3
// calls for: "terminal runs are retained in the event log and in a bounded
// task snapshot (recent N terminal runs kept for auditing)". The event log
// itself (internal/eventlog) is the durable record; Tracker is the small,
// queryable in-memory index over it an auditor actually wants — the last N
// terminal runs across every kind, not just workers. Grounded on the
// worker manager's bounded-retention registry (internal/worker.Manager's
// order/evict pattern), generalized from one run kind to all three.
package tasks

import (
	"sync"
	"time"

	"github.com/SimonBear03/agent-blob/pkg/models"
)

// Sink is the seam Tracker wraps: every event it observes is forwarded to
// inner unchanged, so a Tracker can sit transparently in front of the run
// executor's real EventSink (gateway.Server) without either package
// importing the other.
type Sink interface {
	Publish(ev models.Event)
}

// Entry is one retained terminal-run record.
type Entry struct {
	RunID      string          `json:"run_id"`
	Origin     string          `json:"origin"`
	Kind       models.RunKind  `json:"kind"`
	State      models.RunState `json:"state"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Tracker records the last Retain terminal runs for auditing, regardless
// of kind or originating session.
type Tracker struct {
	mu     sync.Mutex
	live   map[string]*Entry
	order  []string // retained runIDs in termination order, oldest first
	retain int
	inner  Sink
}

// DefaultRetain matches the worker manager's default retention count.
const DefaultRetain = 100

// NewTracker wraps inner, which receives every event unchanged. retain
// bounds how many terminal runs are kept; non-positive falls back to
// DefaultRetain.
func NewTracker(inner Sink, retain int) *Tracker {
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &Tracker{
		live:   make(map[string]*Entry),
		retain: retain,
		inner:  inner,
	}
}

// Publish implements Sink (and so satisfies runtime.EventSink
// structurally): it records run.input to learn a run's origin/kind,
// records run.final into the bounded snapshot, and forwards every event
// to inner regardless of type.
func (tr *Tracker) Publish(ev models.Event) {
	switch ev.Type {
	case models.EventRunInput:
		var p models.RunInputPayload
		if err := ev.Decode(&p); err == nil {
			tr.mu.Lock()
			tr.live[ev.RunID] = &Entry{
				RunID:     ev.RunID,
				Origin:    p.Origin,
				Kind:      p.Kind,
				StartedAt: ev.Timestamp,
			}
			tr.mu.Unlock()
		}
	case models.EventRunFinal:
		var p models.RunFinalPayload
		if err := ev.Decode(&p); err == nil {
			tr.record(ev.RunID, ev.Timestamp, p)
		}
	}

	if tr.inner != nil {
		tr.inner.Publish(ev)
	}
}

func (tr *Tracker) record(runID string, finishedAt time.Time, final models.RunFinalPayload) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	entry, ok := tr.live[runID]
	if !ok {
		entry = &Entry{RunID: runID}
	}
	entry.State = final.State
	entry.Error = final.Error
	entry.FinishedAt = finishedAt
	tr.live[runID] = entry

	tr.order = append(tr.order, runID)
	for len(tr.order) > tr.retain {
		evict := tr.order[0]
		tr.order = tr.order[1:]
		delete(tr.live, evict)
	}
}

// Recent returns the retained terminal runs, oldest first.
func (tr *Tracker) Recent() []Entry {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]Entry, 0, len(tr.order))
	for _, runID := range tr.order {
		if e, ok := tr.live[runID]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// Get returns one retained terminal run by id.
func (tr *Tracker) Get(runID string) (Entry, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	e, ok := tr.live[runID]
	if !ok || e.FinishedAt.IsZero() {
		return Entry{}, false
	}
	return *e, true
}
