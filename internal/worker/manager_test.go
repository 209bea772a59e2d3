package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimonBear03/agent-blob/internal/eventlog"
	"github.com/SimonBear03/agent-blob/pkg/models"
)

// fakeExecutor appends a run.final event with a fixed envelope and
// returns a configurable terminal state, standing in for the real C4
// executor.
type fakeExecutor struct {
	log   *eventlog.Log
	state models.RunState
	delay time.Duration
}

func (f *fakeExecutor) Execute(ctx context.Context, run *models.Run) (models.RunState, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	final := models.RunFinalPayload{
		State:         f.state,
		AssistantText: "worker finished: " + run.InputText,
	}
	ev := models.NewEvent(0, run.RunID, models.EventRunFinal, time.Now(), final)
	if _, err := f.log.Append(ev); err != nil {
		return "", err
	}
	return f.state, nil
}

func newTestLog(t *testing.T) *eventlog.Log {
	t.Helper()
	log, err := eventlog.Open(eventlog.DefaultConfig(t.TempDir()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func TestDelegateAwaitBlocksAndReturnsEnvelope(t *testing.T) {
	log := newTestLog(t)
	exec := &fakeExecutor{log: log, state: models.RunStateDone}
	mgr := New(exec, log, DefaultConfig(), nil)

	w, err := mgr.Delegate(context.Background(), "parent-run", "researcher", "find X", true)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateDone, w.State)
	require.NotNil(t, w.ResultEnvelope)
	assert.Contains(t, w.ResultEnvelope.Summary, "find X")
	assert.Equal(t, 1, w.Depth)
}

func TestDelegateNoAwaitReturnsImmediatelyThenCompletes(t *testing.T) {
	log := newTestLog(t)
	exec := &fakeExecutor{log: log, state: models.RunStateDone, delay: 20 * time.Millisecond}
	mgr := New(exec, log, DefaultConfig(), nil)

	w, err := mgr.Delegate(context.Background(), "parent-run", "researcher", "find Y", false)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateQueued, w.State)

	require.Eventually(t, func() bool {
		got, ok := mgr.Get(w.WorkerID)
		return ok && got.State == models.RunStateDone
	}, time.Second, 5*time.Millisecond)
}

func TestDelegateDepthCapDenies(t *testing.T) {
	log := newTestLog(t)
	exec := &fakeExecutor{log: log, state: models.RunStateDone}
	mgr := New(exec, log, Config{MaxDepth: 1, Retain: 10}, nil)

	w1, err := mgr.Delegate(context.Background(), "parent-run", "a", "task a", true)
	require.NoError(t, err)
	assert.Equal(t, 1, w1.Depth)

	_, err = mgr.Delegate(context.Background(), w1.WorkerID, "b", "task b", true)
	assert.Error(t, err)
}

func TestRetentionEvictsOldestBeyondCap(t *testing.T) {
	log := newTestLog(t)
	exec := &fakeExecutor{log: log, state: models.RunStateDone}
	mgr := New(exec, log, Config{MaxDepth: 10, Retain: 2}, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		w, err := mgr.Delegate(context.Background(), "parent-run", "role", "task", true)
		require.NoError(t, err)
		ids = append(ids, w.WorkerID)
	}

	_, ok := mgr.Get(ids[0])
	assert.False(t, ok, "oldest worker should have been evicted")
	_, ok = mgr.Get(ids[2])
	assert.True(t, ok)
}

func TestListReturnsAllTrackedWorkers(t *testing.T) {
	log := newTestLog(t)
	exec := &fakeExecutor{log: log, state: models.RunStateDone}
	mgr := New(exec, log, DefaultConfig(), nil)

	_, err := mgr.Delegate(context.Background(), "parent-run", "a", "task a", true)
	require.NoError(t, err)
	_, err = mgr.Delegate(context.Background(), "parent-run", "b", "task b", true)
	require.NoError(t, err)

	assert.Len(t, mgr.List(), 2)
}
