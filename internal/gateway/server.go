package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SimonBear03/agent-blob/internal/errs"
	"github.com/SimonBear03/agent-blob/internal/memory"
	"github.com/SimonBear03/agent-blob/internal/policy"
	"github.com/SimonBear03/agent-blob/internal/runtime"
	"github.com/SimonBear03/agent-blob/internal/scheduler"
	"github.com/SimonBear03/agent-blob/internal/telemetry"
	"github.com/SimonBear03/agent-blob/internal/worker"
	"github.com/SimonBear03/agent-blob/pkg/models"
)

// Config bounds the gateway's session queues and reconnect replay window,
// mirroring config.GatewayConfig (kept decoupled from the config package
// so this package has no import-time dependency on it).
type Config struct {
	SessionQueueCap int
	ReplayWindow    int
}

// runInfo is the Server's bookkeeping for one in-flight or recently
// admitted run: which session (if any) its events fan out to, and its
// last observed state for scheduler.Admitter.RunState queries.
type runInfo struct {
	sessionID string
	kind      models.RunKind
	state     models.RunState
	startedAt time.Time
	done      chan models.RunState
}

// Server is the C6 hub: it owns the session registry, dispatches every
// recognized method (spec §6) against the executor/scheduler/broker/
// memory/worker components, and fans out run events to the one channel
// that originated them. It implements both runtime.EventSink (as the
// executor's sink) and scheduler.Admitter (as the scheduler's run
// source), so both paths into the executor funnel through the same
// run-tracking bookkeeping.
//
// Grounded on the teacher's gateway.Server / wsControlPlane split: a
// long-lived hub holding shared dependencies, with per-connection state
// (here, Session) kept separate so transports can be swapped.
type Server struct {
	mu       sync.Mutex
	sessions map[string]*Session
	channels map[string]*Session // origin channel -> its one live session
	runs     map[string]*runInfo

	executor  *runtime.Executor
	scheduler *scheduler.Scheduler
	broker    *policy.Broker
	memoryMgr *memory.Manager
	workerMgr *worker.Manager

	metrics   *Metrics
	logger    *slog.Logger
	tracer    *telemetry.Tracer
	startTime time.Time
	cfg       Config
}

// New constructs a Server. executor must have been built with this Server
// passed as its EventSink (a small wiring cycle resolved by constructing
// the Server first with executor nil-able at that point and setting it
// via SetExecutor, or by constructing the executor with this Server
// already in hand — see cmd/agentblob for the wiring order).
func New(sched *scheduler.Scheduler, broker *policy.Broker, memoryMgr *memory.Manager, workerMgr *worker.Manager, metrics *Metrics, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionQueueCap <= 0 {
		cfg.SessionQueueCap = 32
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 256
	}
	return &Server{
		sessions:  make(map[string]*Session),
		channels:  make(map[string]*Session),
		runs:      make(map[string]*runInfo),
		scheduler: sched,
		broker:    broker,
		memoryMgr: memoryMgr,
		workerMgr: workerMgr,
		metrics:   metrics,
		logger:    logger.With("component", "gateway"),
		tracer:    telemetry.New("agentblob/gateway"),
		startTime: time.Now(),
		cfg:       cfg,
	}
}

// SetExecutor binds the run executor. Split from New because the executor
// itself is constructed with this Server as its EventSink.
func (srv *Server) SetExecutor(executor *runtime.Executor) {
	srv.executor = executor
}

// Publish implements runtime.EventSink (for run events) and
// memory.EventSink (for memory.* events). Run events are routed to the
// one session that owns the event's run, and nowhere else (spec §4.6 "no
// cross-channel broadcast"). Memory events carry no run id — they are
// global item-store mutations, not scoped to any one channel — so they
// are broadcast to every live session instead.
func (srv *Server) Publish(ev models.Event) {
	switch ev.Type {
	case models.EventMemoryAdded, models.EventMemoryModified, models.EventMemoryRemoved:
		srv.broadcast(ev)
		return
	}

	srv.mu.Lock()
	info, tracked := srv.runs[ev.RunID]
	var sessionID string
	if tracked {
		switch ev.Type {
		case models.EventRunStatus:
			var p models.RunStatusPayload
			if err := ev.Decode(&p); err == nil {
				info.state = p.State
			}
		case models.EventRunFinal:
			var p models.RunFinalPayload
			if err := ev.Decode(&p); err == nil {
				info.state = p.State
			}
		}
		sessionID = info.sessionID
	}
	var doneCh chan models.RunState
	var finalState models.RunState
	var kind models.RunKind
	var startedAt time.Time
	if tracked && ev.Type == models.EventRunFinal {
		doneCh = info.done
		finalState = info.state
		kind = info.kind
		startedAt = info.startedAt
		delete(srv.runs, ev.RunID)
	}
	sess := srv.sessions[sessionID]
	srv.mu.Unlock()

	if sessionID != "" && sess != nil {
		srv.fanout(sess, ev)
	}
	if doneCh != nil {
		select {
		case doneCh <- finalState:
		default:
		}
		if srv.metrics != nil && !startedAt.IsZero() {
			srv.metrics.RunDuration.WithLabelValues(string(kind), string(finalState)).Observe(time.Since(startedAt).Seconds())
		}
	}
}

// broadcast fans an event out to every live session, used for events with
// no single owning run (memory.* mutations).
func (srv *Server) broadcast(ev models.Event) {
	srv.mu.Lock()
	sessions := make([]*Session, 0, len(srv.sessions))
	for _, sess := range srv.sessions {
		sessions = append(sessions, sess)
	}
	srv.mu.Unlock()

	for _, sess := range sessions {
		sess.publishEvent(string(ev.Type), EventEnvelope{RunID: ev.RunID, Data: ev.Payload})
	}
}

func (srv *Server) fanout(sess *Session, ev models.Event) {
	sess.publishEvent(string(ev.Type), EventEnvelope{RunID: ev.RunID, Data: ev.Payload})
	if ev.Type == models.EventRunFinal && sess.ActiveRunID() == ev.RunID {
		sess.setActiveRun("")
		srv.drainQueue(sess)
	}
}

// Admit implements scheduler.Admitter: it starts a run with no session
// attached, so its events are appended to the log but never fanned out
// to any channel (scheduled runs have no originating connection).
func (srv *Server) Admit(ctx context.Context, origin string, kind models.RunKind, inputText string) (*models.Run, error) {
	run, _ := srv.startRun(origin, kind, inputText, "")
	return run, nil
}

// RunState implements scheduler.Admitter: a run absent from the tracking
// map is treated as terminal (it already reached run.final and was
// reaped by Publish), matching the scheduler's own ok=false-is-safe check.
func (srv *Server) RunState(runID string) (models.RunState, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	info, ok := srv.runs[runID]
	if !ok {
		return "", false
	}
	return info.state, true
}

func (srv *Server) startRun(origin string, kind models.RunKind, inputText, sessionID string) (*models.Run, chan models.RunState) {
	run := &models.Run{
		RunID:     uuid.NewString(),
		SessionID: sessionID,
		Origin:    origin,
		Kind:      kind,
		InputText: inputText,
		State:     models.RunStateQueued,
	}
	done := make(chan models.RunState, 1)
	srv.mu.Lock()
	srv.runs[run.RunID] = &runInfo{sessionID: sessionID, kind: kind, state: models.RunStateQueued, startedAt: time.Now(), done: done}
	srv.mu.Unlock()

	if srv.metrics != nil {
		srv.metrics.RunsStarted.WithLabelValues(string(kind)).Inc()
	}

	// admitCtx carries a span over the admission itself so the eventual
	// executor run span (started fresh inside Execute) still traces back
	// to the channel/origin that triggered it via the parent-child link.
	admitCtx, admitSpan := srv.tracer.StartAdmission(context.Background(), run.RunID, string(kind), origin)
	go func() {
		defer admitSpan.End()
		if srv.executor == nil {
			srv.logger.Error("run admitted with no executor bound", "run_id", run.RunID)
			return
		}
		if _, err := srv.executor.Execute(admitCtx, run); err != nil {
			telemetry.RecordError(admitSpan, err)
			srv.logger.Error("run execution returned an error", "run_id", run.RunID, "error", err)
		}
	}()
	return run, done
}

// getOrCreateSession returns the live session for channel, creating one
// (and starting its FIFO worker) on first use.
func (srv *Server) getOrCreateSession(channel string) *Session {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if sess, ok := srv.channels[channel]; ok {
		return sess
	}
	sess := NewSession(channel, srv.cfg.SessionQueueCap, srv.cfg.ReplayWindow)
	srv.sessions[sess.ID()] = sess
	srv.channels[channel] = sess
	if srv.metrics != nil {
		srv.metrics.ActiveSessions.Inc()
	}
	return sess
}

// handleAgent processes an agent() request: if the session has no active
// run it is admitted immediately; otherwise it is enqueued and the caller
// gets an accepted/queued acknowledgement plus a queued event (spec §4.6).
func (srv *Server) handleAgent(sess *Session, requestID, text string) {
	if sess.ActiveRunID() != "" {
		position, ok := sess.enqueue(queuedAgentRequest{requestID: requestID, inputText: text, origin: sess.Channel()})
		if !ok {
			sess.sendError(requestID, string(errs.KindResourceExhausted), "session queue full")
			return
		}
		sess.sendResponse(requestID, true, map[string]any{"status": "queued", "position": position}, nil)
		sess.publishEvent(EventQueued, map[string]any{"request_id": requestID, "position": position})
		srv.reportQueueDepth(sess)
		return
	}
	srv.admitForSession(sess, requestID, text)
}

func (srv *Server) reportQueueDepth(sess *Session) {
	if srv.metrics == nil {
		return
	}
	srv.metrics.QueueDepth.WithLabelValues(sess.ID()).Set(float64(sess.Snapshot().QueueDepth))
}

func (srv *Server) admitForSession(sess *Session, requestID, text string) {
	run, _ := srv.startRun(sess.Channel(), models.RunKindInteractive, text, sess.ID())
	sess.setActiveRun(run.RunID)
	sess.sendResponse(requestID, true, map[string]any{"status": "accepted", "run_id": run.RunID}, nil)
}

// drainQueue is called once a session's active run terminates; it admits
// the next queued request, if any.
func (srv *Server) drainQueue(sess *Session) {
	next, ok := sess.dequeue()
	if !ok {
		return
	}
	srv.reportQueueDepth(sess)
	srv.admitForSession(sess, next.requestID, next.inputText)
}

func (srv *Server) handleRunStop(sess *Session, requestID string, runID string) {
	target := runID
	if target == "" {
		target = sess.ActiveRunID()
	}
	if target == "" {
		sess.sendError(requestID, string(errs.KindStateConflict), "no active run for this session")
		return
	}
	if srv.executor == nil || !srv.executor.Stop(target) {
		sess.sendError(requestID, string(errs.KindStateConflict), fmt.Sprintf("run %s is not active", target))
		return
	}
	sess.sendResponse(requestID, true, map[string]any{"run_id": target, "stopping": true}, nil)
}

func (srv *Server) handlePermissionRespond(sess *Session, requestID, permID string, decision models.Decision, by string) {
	if err := srv.broker.Respond(permID, decision, by); err != nil {
		if srv.metrics != nil {
			srv.metrics.PermissionWaits.WithLabelValues("error").Inc()
		}
		sess.sendError(requestID, string(errs.KindStateConflict), err.Error())
		return
	}
	if srv.metrics != nil {
		srv.metrics.PermissionWaits.WithLabelValues(string(decision)).Inc()
	}
	sess.sendResponse(requestID, true, map[string]any{"perm_id": permID, "decision": decision}, nil)
}

func (srv *Server) statusPayload() map[string]any {
	srv.mu.Lock()
	connCount := 0
	sessionPayloads := make([]map[string]any, 0, len(srv.sessions))
	for _, sess := range srv.sessions {
		if sess.bound() {
			connCount++
		}
		snap := sess.Snapshot()
		sessionPayloads = append(sessionPayloads, map[string]any{
			"session_id":     snap.SessionID,
			"origin_channel": snap.OriginChannel,
			"active_run_id":  snap.ActiveRunID,
			"queue_depth":    snap.QueueDepth,
		})
	}
	sessionCount := len(srv.sessions)
	srv.mu.Unlock()

	return map[string]any{
		"version":         "0.1.0",
		"uptime_seconds":   int64(time.Since(srv.startTime).Seconds()),
		"connection_count": connCount,
		"session_count":    sessionCount,
		"sessions":         sessionPayloads,
	}
}
