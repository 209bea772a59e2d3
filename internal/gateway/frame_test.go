package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrameDefaultsEmptyTypeToRequest(t *testing.T) {
	frame, err := decodeFrame([]byte(`{"id":"1","method":"status"}`))
	require.NoError(t, err)
	assert.Equal(t, FrameRequest, frame.Type)
	assert.Equal(t, "status", frame.Method)
}

func TestDecodeFrameRejectsNonRequestType(t *testing.T) {
	_, err := decodeFrame([]byte(`{"type":"event"}`))
	assert.Error(t, err)
}

func TestDecodeFrameRejectsMalformedJSON(t *testing.T) {
	_, err := decodeFrame([]byte(`{not json`))
	assert.Error(t, err)
}

func TestResponseFrameCarriesOKAndPayload(t *testing.T) {
	frame := responseFrame("req-1", true, map[string]any{"a": 1}, nil)
	require.NotNil(t, frame.OK)
	assert.True(t, *frame.OK)
	assert.Equal(t, FrameResponse, frame.Type)
	assert.Equal(t, "req-1", frame.ID)
	assert.Nil(t, frame.Error)
}

func TestErrorFrameSetsOKFalseAndCode(t *testing.T) {
	frame := errorFrame("req-2", string(FrameRequest), "boom")
	require.NotNil(t, frame.OK)
	assert.False(t, *frame.OK)
	require.NotNil(t, frame.Error)
	assert.Equal(t, string(FrameRequest), frame.Error.Code)
	assert.Equal(t, "boom", frame.Error.Message)
}

func TestEventFrameAssignsSeq(t *testing.T) {
	frame := eventFrame("queued", map[string]any{"position": 1}, 7)
	require.NotNil(t, frame.Seq)
	assert.Equal(t, int64(7), *frame.Seq)
	assert.Equal(t, "queued", frame.Event)
}

func TestMethodSetCoversEveryRecognizedMethod(t *testing.T) {
	methods := methodSet()
	want := []string{
		MethodConnect, MethodAgent, MethodRunStop, MethodPermissionRespond,
		MethodMemorySearch, MethodMemoryList, MethodMemoryDelete, MethodMemoryPin,
		MethodSchedulesList, MethodSchedulesCreate, MethodSchedulesUpdate, MethodSchedulesDelete,
		MethodWorkersList, MethodStatus,
	}
	assert.ElementsMatch(t, want, methods)
}
