package eventlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimonBear03/agent-blob/pkg/models"
)

func testEvent(runID string, typ models.EventType) models.Event {
	return models.NewEvent(0, runID, typ, time.Now(), map[string]string{"x": "1"})
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	l, err := Open(DefaultConfig(t.TempDir()), nil)
	require.NoError(t, err)
	defer l.Close()

	var last uint64
	for i := 0; i < 50; i++ {
		seq, err := l.Append(testEvent("run-1", models.EventToken))
		require.NoError(t, err)
		assert.Greater(t, seq, last)
		last = seq
	}
}

func TestScanByRunID(t *testing.T) {
	l, err := Open(DefaultConfig(t.TempDir()), nil)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 5; i++ {
		_, err := l.Append(testEvent("run-A", models.EventToken))
		require.NoError(t, err)
		_, err = l.Append(testEvent("run-B", models.EventToken))
		require.NoError(t, err)
	}

	events, err := l.ScanAll(0, ByRunID("run-A"))
	require.NoError(t, err)
	require.Len(t, events, 5)
	for _, e := range events {
		assert.Equal(t, "run-A", e.RunID)
	}
}

func TestScanEventSeqStrictlyIncreasingNoGaps(t *testing.T) {
	l, err := Open(DefaultConfig(t.TempDir()), nil)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 10; i++ {
		_, err := l.Append(testEvent("run-1", models.EventToken))
		require.NoError(t, err)
	}

	events, err := l.ScanAll(0, ByRunID("run-1"))
	require.NoError(t, err)
	require.Len(t, events, 10)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Seq+1, events[i].Seq)
	}
}

func TestRotationNeverTruncatesAndPreservesOrder(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.MaxBytes = 256 // force rotation quickly
	l, err := Open(cfg, nil)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 200; i++ {
		_, err := l.Append(testEvent("run-1", models.EventToken))
		require.NoError(t, err)
	}

	events, err := l.ScanAll(0, ByRunID("run-1"))
	require.NoError(t, err)
	require.Len(t, events, 200)
	for i := 1; i < len(events); i++ {
		assert.Less(t, events[i-1].Seq, events[i].Seq)
	}
}

func TestRecoverMaxSeqAfterRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	l, err := Open(cfg, nil)
	require.NoError(t, err)

	var lastSeq uint64
	for i := 0; i < 20; i++ {
		lastSeq, err = l.Append(testEvent("run-1", models.EventToken))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	l2, err := Open(cfg, nil)
	require.NoError(t, err)
	defer l2.Close()

	seq, err := l2.Append(testEvent("run-1", models.EventToken))
	require.NoError(t, err)
	assert.Equal(t, lastSeq+1, seq)
}

func TestScanFromSeqExcludesEarlierEvents(t *testing.T) {
	l, err := Open(DefaultConfig(t.TempDir()), nil)
	require.NoError(t, err)
	defer l.Close()

	var mid uint64
	for i := 0; i < 10; i++ {
		seq, err := l.Append(testEvent("run-1", models.EventToken))
		require.NoError(t, err)
		if i == 4 {
			mid = seq
		}
	}

	events, err := l.ScanAll(mid, ByRunID("run-1"))
	require.NoError(t, err)
	for _, e := range events {
		assert.Greater(t, e.Seq, mid)
	}
	assert.Len(t, events, 5)
}
