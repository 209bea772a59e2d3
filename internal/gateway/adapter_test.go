package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimonBear03/agent-blob/internal/policy"
	"github.com/SimonBear03/agent-blob/pkg/models"
)

func TestPollingAdapterSubmitAdmitsAgentRequest(t *testing.T) {
	srv := newTestServer()
	adapter := NewPollingAdapter(srv, "poll-1", time.Millisecond)

	requestID := adapter.Submit("hello there")
	assert.NotEmpty(t, requestID)
	assert.NotEmpty(t, adapter.sess.ActiveRunID())
}

func TestPollingAdapterCoalescesTokenDeltasUntilIntervalElapses(t *testing.T) {
	srv := newTestServer()
	adapter := NewPollingAdapter(srv, "poll-1", time.Hour)

	for _, delta := range []string{"hel", "lo "} {
		payload, err := json.Marshal(models.TokenPayload{Text: delta})
		require.NoError(t, err)
		frame := eventFrame(string(models.EventToken), EventEnvelope{RunID: "run-1", Data: payload}, 1)
		require.NoError(t, adapter.Send(frame))
	}

	msgs := adapter.Poll()
	require.Len(t, msgs, 1, "deltas under the coalesce interval collapse into a single message")
	assert.Equal(t, "text", msgs[0].Kind)
	assert.Equal(t, "hello ", msgs[0].Text)
}

func TestPollingAdapterTranslatesPermissionRequestToInlinePrompt(t *testing.T) {
	srv := newTestServer()
	adapter := NewPollingAdapter(srv, "poll-1", time.Hour)

	payload, err := json.Marshal(models.PermissionRequestPayload{PermID: "perm-1", Preview: "delete file.txt?"})
	require.NoError(t, err)
	frame := eventFrame(string(models.EventPermissionRequest), EventEnvelope{RunID: "run-1", Data: payload}, 1)
	require.NoError(t, adapter.Send(frame))

	msgs := adapter.Poll()
	require.Len(t, msgs, 1)
	assert.Equal(t, "permission_prompt", msgs[0].Kind)
	assert.Equal(t, "perm-1", msgs[0].PermID)
	assert.Equal(t, []string{"allow", "deny"}, msgs[0].Options)
}

func TestPollingAdapterFlushesTextThenSendsDoneOnRunFinal(t *testing.T) {
	srv := newTestServer()
	adapter := NewPollingAdapter(srv, "poll-1", time.Hour)

	tokenPayload, err := json.Marshal(models.TokenPayload{Text: "partial"})
	require.NoError(t, err)
	require.NoError(t, adapter.Send(eventFrame(string(models.EventToken), EventEnvelope{RunID: "run-1", Data: tokenPayload}, 1)))

	finalPayload, err := json.Marshal(models.RunFinalPayload{State: models.RunStateDone})
	require.NoError(t, err)
	require.NoError(t, adapter.Send(eventFrame(string(models.EventRunFinal), EventEnvelope{RunID: "run-1", Data: finalPayload}, 2)))

	msgs := adapter.Poll()
	require.Len(t, msgs, 2)
	assert.Equal(t, "text", msgs[0].Kind)
	assert.Equal(t, "partial", msgs[0].Text)
	assert.Equal(t, "done", msgs[1].Kind)
}

func TestPollingAdapterSurfacesRunFinalErrorBeforeDone(t *testing.T) {
	srv := newTestServer()
	adapter := NewPollingAdapter(srv, "poll-1", time.Hour)

	finalPayload, err := json.Marshal(models.RunFinalPayload{State: models.RunStateFailed, Error: "provider unavailable"})
	require.NoError(t, err)
	require.NoError(t, adapter.Send(eventFrame(string(models.EventRunFinal), EventEnvelope{RunID: "run-1", Data: finalPayload}, 1)))

	msgs := adapter.Poll()
	require.Len(t, msgs, 2)
	assert.Equal(t, "error", msgs[0].Kind)
	assert.Equal(t, "provider unavailable", msgs[0].Text)
	assert.Equal(t, "done", msgs[1].Kind)
}

func TestPollingAdapterRespondMapsAllowToDecisionAllow(t *testing.T) {
	broker := policy.NewBroker(policy.Table{}, nil, nil)
	req, wait := broker.Request("run-1", "poll-1", "shell.exec", "shell", "call-1", "rm file.txt")
	srv := New(nil, nil, nil, nil, nil, Config{SessionQueueCap: 2, ReplayWindow: 16}, nil)
	srv.broker = broker
	adapter := NewPollingAdapter(srv, "poll-1", time.Hour)

	adapter.Respond(req.PermID, true)

	select {
	case decision := <-wait:
		assert.Equal(t, models.DecisionAllow, decision)
	default:
		t.Fatal("expected the broker's wait channel to resolve")
	}
}
