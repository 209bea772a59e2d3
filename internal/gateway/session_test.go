package gateway

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransmitter records every frame sent to it.
type fakeTransmitter struct {
	mu     sync.Mutex
	frames []Frame
	fail   bool
}

func (f *fakeTransmitter) Send(frame Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assert.AnError
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransmitter) sent() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Frame, len(f.frames))
	copy(out, f.frames)
	return out
}

func TestSessionEnqueueRespectsQueueCap(t *testing.T) {
	sess := NewSession("chan-1", 2, 16)

	pos, ok := sess.enqueue(queuedAgentRequest{requestID: "a"})
	require.True(t, ok)
	assert.Equal(t, 1, pos)

	pos, ok = sess.enqueue(queuedAgentRequest{requestID: "b"})
	require.True(t, ok)
	assert.Equal(t, 2, pos)

	_, ok = sess.enqueue(queuedAgentRequest{requestID: "c"})
	assert.False(t, ok, "third enqueue should exceed the cap of 2")
}

func TestSessionDequeueIsFIFO(t *testing.T) {
	sess := NewSession("chan-1", 4, 16)
	sess.enqueue(queuedAgentRequest{requestID: "a"})
	sess.enqueue(queuedAgentRequest{requestID: "b"})

	first, ok := sess.dequeue()
	require.True(t, ok)
	assert.Equal(t, "a", first.requestID)

	second, ok := sess.dequeue()
	require.True(t, ok)
	assert.Equal(t, "b", second.requestID)

	_, ok = sess.dequeue()
	assert.False(t, ok)
}

func TestSessionPublishEventAssignsMonotonicSeq(t *testing.T) {
	sess := NewSession("chan-1", 4, 16)
	transport := &fakeTransmitter{}
	sess.Bind(transport)

	sess.publishEvent("token", map[string]any{"text": "hi"})
	sess.publishEvent("token", map[string]any{"text": "there"})

	frames := transport.sent()
	require.Len(t, frames, 2)
	require.NotNil(t, frames[0].Seq)
	require.NotNil(t, frames[1].Seq)
	assert.Equal(t, int64(1), *frames[0].Seq)
	assert.Equal(t, int64(2), *frames[1].Seq)
}

func TestSessionReplaySinceRedeliversOnlyNewerFrames(t *testing.T) {
	sess := NewSession("chan-1", 4, 16)
	first := &fakeTransmitter{}
	sess.Bind(first)
	sess.publishEvent("token", "a")
	sess.publishEvent("token", "b")
	sess.publishEvent("token", "c")
	sess.Unbind()

	second := &fakeTransmitter{}
	sess.Bind(second)
	sess.replaySince(1)

	frames := second.sent()
	require.Len(t, frames, 2, "only seq 2 and 3 should replay past last_seq=1")
	assert.Equal(t, int64(2), *frames[0].Seq)
	assert.Equal(t, int64(3), *frames[1].Seq)
}

func TestSessionReplayRingIsBounded(t *testing.T) {
	sess := NewSession("chan-1", 4, 2)
	transport := &fakeTransmitter{}
	sess.Bind(transport)
	sess.publishEvent("token", "a")
	sess.publishEvent("token", "b")
	sess.publishEvent("token", "c")

	sess.mu.Lock()
	ringLen := len(sess.replay)
	sess.mu.Unlock()
	assert.Equal(t, 2, ringLen, "replay ring should never exceed replayWindow")
}

func TestSessionSnapshotReportsQueueAndActiveRun(t *testing.T) {
	sess := NewSession("chan-1", 4, 16)
	sess.enqueue(queuedAgentRequest{requestID: "queued-1"})
	sess.setActiveRun("run-1")

	snap := sess.Snapshot()
	assert.Equal(t, "chan-1", snap.OriginChannel)
	assert.Equal(t, "run-1", snap.ActiveRunID)
	assert.Equal(t, 1, snap.QueueDepth)
	assert.Equal(t, []string{"queued-1"}, snap.QueuedRunIDs)
}

func TestSessionBoundReflectsTransportState(t *testing.T) {
	sess := NewSession("chan-1", 4, 16)
	assert.False(t, sess.bound())
	sess.Bind(&fakeTransmitter{})
	assert.True(t, sess.bound())
	sess.Unbind()
	assert.False(t, sess.bound())
}
