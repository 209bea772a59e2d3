package tasks

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimonBear03/agent-blob/pkg/models"
)

type fakeSink struct {
	events []models.Event
}

func (f *fakeSink) Publish(ev models.Event) {
	f.events = append(f.events, ev)
}

func inputEvent(runID, origin string, kind models.RunKind) models.Event {
	payload, _ := json.Marshal(models.RunInputPayload{Origin: origin, Kind: kind})
	return models.Event{RunID: runID, Type: models.EventRunInput, Timestamp: time.Now(), Payload: payload}
}

func finalEvent(runID string, state models.RunState, errMsg string) models.Event {
	payload, _ := json.Marshal(models.RunFinalPayload{State: state, Error: errMsg})
	return models.Event{RunID: runID, Type: models.EventRunFinal, Timestamp: time.Now(), Payload: payload}
}

func TestTrackerForwardsEveryEventToInner(t *testing.T) {
	inner := &fakeSink{}
	tr := NewTracker(inner, 10)

	tr.Publish(inputEvent("run-1", "chan-1", models.RunKindInteractive))
	tr.Publish(finalEvent("run-1", models.RunStateDone, ""))

	assert.Len(t, inner.events, 2, "Tracker must forward every event untouched")
}

func TestTrackerRecordsTerminalRunWithOriginAndKind(t *testing.T) {
	tr := NewTracker(nil, 10)

	tr.Publish(inputEvent("run-1", "chan-1", models.RunKindInteractive))
	tr.Publish(finalEvent("run-1", models.RunStateDone, ""))

	entry, ok := tr.Get("run-1")
	require.True(t, ok)
	assert.Equal(t, "chan-1", entry.Origin)
	assert.Equal(t, models.RunKindInteractive, entry.Kind)
	assert.Equal(t, models.RunStateDone, entry.State)
	assert.False(t, entry.FinishedAt.IsZero())
}

func TestTrackerGetReturnsFalseForNonTerminalRun(t *testing.T) {
	tr := NewTracker(nil, 10)
	tr.Publish(inputEvent("run-1", "chan-1", models.RunKindInteractive))

	_, ok := tr.Get("run-1")
	assert.False(t, ok, "a run that hasn't reached run.final isn't in the auditable snapshot yet")
}

func TestTrackerEvictsOldestOnceOverRetain(t *testing.T) {
	tr := NewTracker(nil, 2)

	for _, id := range []string{"run-1", "run-2", "run-3"} {
		tr.Publish(inputEvent(id, "chan-1", models.RunKindInteractive))
		tr.Publish(finalEvent(id, models.RunStateDone, ""))
	}

	recent := tr.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, "run-2", recent[0].RunID)
	assert.Equal(t, "run-3", recent[1].RunID)

	_, ok := tr.Get("run-1")
	assert.False(t, ok, "the oldest retained run should have been evicted")
}

func TestTrackerRecordsErrorFromFailedRun(t *testing.T) {
	tr := NewTracker(nil, 10)
	tr.Publish(inputEvent("run-1", "chan-1", models.RunKindScheduled))
	tr.Publish(finalEvent("run-1", models.RunStateFailed, "provider timed out"))

	entry, ok := tr.Get("run-1")
	require.True(t, ok)
	assert.Equal(t, models.RunStateFailed, entry.State)
	assert.Equal(t, "provider timed out", entry.Error)
}
