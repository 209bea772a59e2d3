package gateway

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/SimonBear03/agent-blob/pkg/models"
)

// AdapterMessage is an outbound notification rendered into a non-WS
// channel's native shape, per spec §4.6's "Adapter model". Kind is one of
// "text" (a coalesced assistant reply chunk), "permission_prompt" (an
// inline allow/deny control), "error", or "done".
type AdapterMessage struct {
	Kind    string   `json:"kind"`
	Text    string   `json:"text,omitempty"`
	PermID  string   `json:"perm_id,omitempty"`
	Options []string `json:"options,omitempty"`
}

// PollingAdapter is the one illustrative non-WS channel this gateway
// ships: inbound user messages become agent() requests bound to the
// adapter as origin; outbound token deltas are coalesced under a
// minimum edit interval the way a chat-bot edit-message API requires,
// and inline Allow/Deny controls map onto permission.respond. Grounded
// on the teacher's frontends adapter pattern (poll/webhook channels
// translating at the edge, rate-limited streaming edits) rather than any
// single concrete provider, since no channel SDK is in scope here.
type PollingAdapter struct {
	server *Server
	sess   *Session

	coalesceInterval time.Duration

	mu          sync.Mutex
	outbox      []AdapterMessage
	pendingText strings.Builder
	lastFlush   time.Time
}

// NewPollingAdapter builds an adapter bound to channel and registers it as
// that channel's session transport.
func NewPollingAdapter(server *Server, channel string, coalesceInterval time.Duration) *PollingAdapter {
	if coalesceInterval <= 0 {
		coalesceInterval = 700 * time.Millisecond
	}
	a := &PollingAdapter{server: server, coalesceInterval: coalesceInterval, lastFlush: time.Now()}
	a.sess = server.getOrCreateSession(channel)
	a.sess.Bind(a)
	return a
}

// Submit enqueues an inbound user message as an agent() request and
// returns the request id the gateway assigned it.
func (a *PollingAdapter) Submit(text string) string {
	requestID := "poll-" + time.Now().UTC().Format("150405.000000000")
	a.server.handleAgent(a.sess, requestID, text)
	return requestID
}

// Respond maps an inline allow/deny control to permission.respond.
func (a *PollingAdapter) Respond(permID string, allow bool) {
	decision := models.DecisionDeny
	if allow {
		decision = models.DecisionAllow
	}
	a.server.handlePermissionRespond(a.sess, "adapter-"+permID, permID, decision, "adapter")
}

// Poll drains and returns every AdapterMessage queued since the last
// call, flushing any coalesced text first.
func (a *PollingAdapter) Poll() []AdapterMessage {
	a.flushText()
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.outbox
	a.outbox = nil
	return out
}

// Send implements Transmitter, translating gateway Frames into the
// adapter's native AdapterMessage shape.
func (a *PollingAdapter) Send(frame Frame) error {
	switch frame.Type {
	case FrameEvent:
		a.handleEvent(frame)
	case FrameResponse:
		a.handleResponse(frame)
	}
	return nil
}

func (a *PollingAdapter) handleEvent(frame Frame) {
	data, err := json.Marshal(frame.Payload)
	if err != nil {
		return
	}
	var envelope EventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}

	switch frame.Event {
	case string(models.EventToken):
		var tok models.TokenPayload
		if json.Unmarshal(envelope.Data, &tok) == nil {
			a.appendText(tok.Text)
		}
	case string(models.EventPermissionRequest):
		var req models.PermissionRequestPayload
		if json.Unmarshal(envelope.Data, &req) == nil {
			a.flushText()
			a.push(AdapterMessage{
				Kind:    "permission_prompt",
				Text:    req.Preview,
				PermID:  req.PermID,
				Options: []string{"allow", "deny"},
			})
		}
	case string(models.EventRunFinal):
		var final models.RunFinalPayload
		if json.Unmarshal(envelope.Data, &final) == nil && final.Error != "" {
			a.flushText()
			a.push(AdapterMessage{Kind: "error", Text: final.Error})
		} else {
			a.flushText()
		}
		a.push(AdapterMessage{Kind: "done"})
	}
}

func (a *PollingAdapter) handleResponse(frame Frame) {
	if frame.OK != nil && !*frame.OK && frame.Error != nil {
		a.push(AdapterMessage{Kind: "error", Text: frame.Error.Message})
	}
}

// appendText buffers a token delta, flushing once coalesceInterval has
// elapsed since the last flush so rapid single-token deltas collapse
// into one edit rather than hammering the adapter's rate-limited API.
func (a *PollingAdapter) appendText(delta string) {
	a.mu.Lock()
	a.pendingText.WriteString(delta)
	due := time.Since(a.lastFlush) >= a.coalesceInterval
	a.mu.Unlock()
	if due {
		a.flushText()
	}
}

func (a *PollingAdapter) flushText() {
	a.mu.Lock()
	text := a.pendingText.String()
	a.pendingText.Reset()
	a.lastFlush = time.Now()
	a.mu.Unlock()
	if text == "" {
		return
	}
	a.push(AdapterMessage{Kind: "text", Text: text})
}

func (a *PollingAdapter) push(msg AdapterMessage) {
	a.mu.Lock()
	a.outbox = append(a.outbox, msg)
	a.mu.Unlock()
}
