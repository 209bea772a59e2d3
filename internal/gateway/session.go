package gateway

import (
	"sync"

	"github.com/google/uuid"

	"github.com/SimonBear03/agent-blob/pkg/models"
)

// Transmitter is the transport seam a Session sends frames through. The WS
// transport and the long-polling adapter each implement it; Session itself
// never touches a net.Conn, matching the teacher's split between
// wsControlPlane (transport) and the request handlers it dispatches to.
type Transmitter interface {
	// Send delivers frame to the client. Implementations must not block
	// indefinitely — a full outbound buffer should return an error rather
	// than stall the fanout goroutine.
	Send(frame Frame) error
}

// queuedAgentRequest is one pending agent() call waiting for the session's
// FIFO to reach it.
type queuedAgentRequest struct {
	requestID string
	inputText string
	origin    string
}

// Session is one logical client connection: its origin channel id, the
// FIFO of agent() requests admitted one at a time (spec §4.6 "Session
// queue"), and a bounded replay ring of recently emitted event frames so a
// reconnecting client can catch up from its last observed seq.
//
// Invariant: at most one run is active per session at a time; additional
// agent() calls queue and receive an immediate queued@position
// acknowledgement (spec §4.6).
type Session struct {
	mu sync.Mutex

	sessionID string
	channel   string
	transport Transmitter

	queue       []queuedAgentRequest
	queueCap    int
	activeRunID string

	seq     int64
	replay  []Frame
	replayN int
}

// NewSession constructs a Session bound to channel (the origin id used for
// run fanout and policy scoping). queueCap and replayWindow are read from
// GatewayConfig; zero values fall back to sane defaults.
func NewSession(channel string, queueCap, replayWindow int) *Session {
	if queueCap <= 0 {
		queueCap = 32
	}
	if replayWindow <= 0 {
		replayWindow = 256
	}
	return &Session{
		sessionID: uuid.NewString(),
		channel:   channel,
		queueCap:  queueCap,
		replayN:   replayWindow,
	}
}

// Bind attaches (or re-attaches, on reconnect) a transport to the session.
func (s *Session) Bind(t Transmitter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = t
}

// Unbind detaches the transport, e.g. on disconnect; the session and its
// queue survive so a later reconnect can resume it.
func (s *Session) Unbind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = nil
}

// bound reports whether a transport is currently attached.
func (s *Session) bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport != nil
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string {
	return s.sessionID
}

// Channel returns the origin channel id this session was bound to.
func (s *Session) Channel() string {
	return s.channel
}

// Snapshot returns the externally-visible Session record (spec §3).
func (s *Session) Snapshot() models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.queue))
	for _, q := range s.queue {
		ids = append(ids, q.requestID)
	}
	return models.Session{
		SessionID:     s.sessionID,
		OriginChannel: s.channel,
		ActiveRunID:   s.activeRunID,
		QueueDepth:    len(s.queue),
		QueuedRunIDs:  ids,
	}
}

// enqueue appends req to the FIFO, returning its 1-based queue position
// and false if the soft cap is already exceeded (spec §5 backpressure:
// queue_full rather than unbounded growth).
func (s *Session) enqueue(req queuedAgentRequest) (position int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= s.queueCap {
		return 0, false
	}
	s.queue = append(s.queue, req)
	return len(s.queue), true
}

// dequeue pops the next queued request, if any.
func (s *Session) dequeue() (queuedAgentRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return queuedAgentRequest{}, false
	}
	req := s.queue[0]
	s.queue = s.queue[1:]
	return req, true
}

func (s *Session) setActiveRun(runID string) {
	s.mu.Lock()
	s.activeRunID = runID
	s.mu.Unlock()
}

func (s *Session) ActiveRunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRunID
}

// send transmits frame through the bound transport if any, and records it
// in the bounded replay ring regardless (so a client that reconnects
// moments later still sees it).
func (s *Session) send(frame Frame) {
	s.mu.Lock()
	s.replay = append(s.replay, frame)
	if len(s.replay) > s.replayN {
		s.replay = s.replay[len(s.replay)-s.replayN:]
	}
	t := s.transport
	s.mu.Unlock()

	if t != nil {
		_ = t.Send(frame)
	}
}

// sendResponse sends a {type:"res"} frame answering request id.
func (s *Session) sendResponse(id string, ok bool, payload any, ferr *FrameError) {
	s.send(responseFrame(id, ok, payload, ferr))
}

// sendError sends a failure response.
func (s *Session) sendError(id, code, message string) {
	s.send(errorFrame(id, code, message))
}

// publishEvent sends a channel-scoped {type:"event"} frame, assigning the
// session's own monotonic seq (distinct from the C1 event log's seq,
// which is global across all runs; this one is per-session so a reconnecting client can
// ask to resume from it).
func (s *Session) publishEvent(event string, payload any) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	s.send(eventFrame(event, payload, seq))
}

// replaySince re-delivers buffered frames with seq greater than lastSeq to
// the currently bound transport, implementing spec §4.6's bounded reconnect
// replay. Response frames have no seq and are never replayed.
func (s *Session) replaySince(lastSeq int64) {
	s.mu.Lock()
	t := s.transport
	buffered := make([]Frame, len(s.replay))
	copy(buffered, s.replay)
	s.mu.Unlock()

	if t == nil {
		return
	}
	for _, f := range buffered {
		if f.Seq == nil || *f.Seq <= lastSeq {
			continue
		}
		_ = t.Send(f)
	}
}
