package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/SimonBear03/agent-blob/internal/errs"
	"github.com/SimonBear03/agent-blob/pkg/models"
)

// connectParams is the handshake payload, per spec §4.6/§6.
type connectParams struct {
	ProtocolVersion int    `json:"protocol_version"`
	ClientID        string `json:"client_id"`
	LastSeq         int64  `json:"last_seq"`
}

// HandleConnect processes the mandatory first frame. A non-handshake
// first frame or a version mismatch is a protocol error that closes the
// connection; the caller (a transport's read loop) is expected to stop
// reading after a non-nil error, grounded on the teacher's
// handleConnect/readLoop pair in ws_control_plane.go.
func (srv *Server) HandleConnect(sess *Session, frame Frame) error {
	if frame.Method != MethodConnect {
		sess.sendError(frame.ID, string(errs.KindProtocol), "first frame must be connect")
		return fmt.Errorf("first frame method %q, want %q", frame.Method, MethodConnect)
	}
	var params connectParams
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			sess.sendError(frame.ID, string(errs.KindProtocol), "malformed connect params")
			return err
		}
	}
	if params.ProtocolVersion != 0 && params.ProtocolVersion != ProtocolVersion {
		sess.sendError(frame.ID, string(errs.KindProtocol), "unsupported protocol version")
		return fmt.Errorf("protocol version %d unsupported", params.ProtocolVersion)
	}
	sess.sendResponse(frame.ID, true, map[string]any{
		"protocol_version": ProtocolVersion,
		"session_id":       sess.ID(),
		"methods":          methodSet(),
	}, nil)
	if params.LastSeq > 0 {
		sess.replaySince(params.LastSeq)
	}
	return nil
}

// Dispatch handles every post-handshake request frame.
func (srv *Server) Dispatch(sess *Session, frame Frame) {
	if srv.metrics != nil {
		srv.metrics.RequestsTotal.WithLabelValues(frame.Method, "received").Inc()
	}
	switch frame.Method {
	case MethodAgent:
		srv.dispatchAgent(sess, frame)
	case MethodRunStop:
		srv.dispatchRunStop(sess, frame)
	case MethodPermissionRespond:
		srv.dispatchPermissionRespond(sess, frame)
	case MethodMemorySearch:
		srv.dispatchMemorySearch(sess, frame)
	case MethodMemoryList:
		srv.dispatchMemoryList(sess, frame)
	case MethodMemoryDelete:
		srv.dispatchMemoryDelete(sess, frame)
	case MethodMemoryPin:
		srv.dispatchMemoryPin(sess, frame)
	case MethodSchedulesList:
		srv.dispatchSchedulesList(sess, frame)
	case MethodSchedulesCreate:
		srv.dispatchSchedulesCreate(sess, frame)
	case MethodSchedulesUpdate:
		srv.dispatchSchedulesUpdate(sess, frame)
	case MethodSchedulesDelete:
		srv.dispatchSchedulesDelete(sess, frame)
	case MethodWorkersList:
		srv.dispatchWorkersList(sess, frame)
	case MethodStatus:
		sess.sendResponse(frame.ID, true, srv.statusPayload(), nil)
	case MethodConnect:
		// A second connect on an already-handshaken connection is a no-op
		// acknowledgement rather than an error.
		sess.sendResponse(frame.ID, true, map[string]any{"protocol_version": ProtocolVersion}, nil)
	default:
		sess.sendError(frame.ID, string(errs.KindProtocol), fmt.Sprintf("unknown method %q", frame.Method))
	}
}

func (srv *Server) dispatchAgent(sess *Session, frame Frame) {
	var params struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil || params.Message == "" {
		sess.sendError(frame.ID, string(errs.KindProtocol), "agent requires a non-empty message")
		return
	}
	srv.handleAgent(sess, frame.ID, params.Message)
}

func (srv *Server) dispatchRunStop(sess *Session, frame Frame) {
	var params struct {
		RunID string `json:"run_id"`
	}
	_ = json.Unmarshal(frame.Params, &params)
	srv.handleRunStop(sess, frame.ID, params.RunID)
}

func (srv *Server) dispatchPermissionRespond(sess *Session, frame Frame) {
	var params struct {
		PermID   string          `json:"perm_id"`
		Decision models.Decision `json:"decision"`
		By       string          `json:"by"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil || params.PermID == "" {
		sess.sendError(frame.ID, string(errs.KindProtocol), "permission.respond requires perm_id and decision")
		return
	}
	srv.handlePermissionRespond(sess, frame.ID, params.PermID, params.Decision, params.By)
}

func (srv *Server) dispatchMemorySearch(sess *Session, frame Frame) {
	var params struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		sess.sendError(frame.ID, string(errs.KindProtocol), "malformed memory.search params")
		return
	}
	items, err := srv.memoryMgr.Search(context.Background(), params.Query, params.Limit)
	if err != nil {
		sess.sendError(frame.ID, string(errs.KindTool), err.Error())
		return
	}
	sess.sendResponse(frame.ID, true, map[string]any{"items": items}, nil)
}

func (srv *Server) dispatchMemoryList(sess *Session, frame Frame) {
	var params struct {
		Limit int `json:"limit"`
	}
	_ = json.Unmarshal(frame.Params, &params)
	items, err := srv.memoryMgr.ListRecent(context.Background(), params.Limit)
	if err != nil {
		sess.sendError(frame.ID, string(errs.KindTool), err.Error())
		return
	}
	sess.sendResponse(frame.ID, true, map[string]any{"items": items}, nil)
}

func (srv *Server) dispatchMemoryDelete(sess *Session, frame Frame) {
	var params struct {
		ItemID string `json:"item_id"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil || params.ItemID == "" {
		sess.sendError(frame.ID, string(errs.KindProtocol), "memory.delete requires item_id")
		return
	}
	if err := srv.memoryMgr.Delete(context.Background(), params.ItemID); err != nil {
		sess.sendError(frame.ID, string(errs.KindTool), err.Error())
		return
	}
	sess.sendResponse(frame.ID, true, map[string]any{"deleted": true}, nil)
}

func (srv *Server) dispatchMemoryPin(sess *Session, frame Frame) {
	var params struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil || params.Text == "" {
		sess.sendError(frame.ID, string(errs.KindProtocol), "memory.pin requires text")
		return
	}
	item, err := srv.memoryMgr.Pin(context.Background(), params.Text)
	if err != nil {
		sess.sendError(frame.ID, string(errs.KindTool), err.Error())
		return
	}
	sess.sendResponse(frame.ID, true, item, nil)
}

func (srv *Server) dispatchSchedulesList(sess *Session, frame Frame) {
	sess.sendResponse(frame.ID, true, map[string]any{"schedules": srv.scheduler.List()}, nil)
}

func (srv *Server) dispatchSchedulesCreate(sess *Session, frame Frame) {
	var sched models.Schedule
	if err := json.Unmarshal(frame.Params, &sched); err != nil {
		sess.sendError(frame.ID, string(errs.KindProtocol), "malformed schedule")
		return
	}
	created, err := srv.scheduler.Create(sched)
	if err != nil {
		sess.sendError(frame.ID, string(errs.KindStateConflict), err.Error())
		return
	}
	sess.sendResponse(frame.ID, true, created, nil)
}

func (srv *Server) dispatchSchedulesUpdate(sess *Session, frame Frame) {
	var sched models.Schedule
	if err := json.Unmarshal(frame.Params, &sched); err != nil {
		sess.sendError(frame.ID, string(errs.KindProtocol), "malformed schedule")
		return
	}
	updated, err := srv.scheduler.Update(sched)
	if err != nil {
		sess.sendError(frame.ID, string(errs.KindStateConflict), err.Error())
		return
	}
	sess.sendResponse(frame.ID, true, updated, nil)
}

func (srv *Server) dispatchSchedulesDelete(sess *Session, frame Frame) {
	var params struct {
		ScheduleID string `json:"schedule_id"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil || params.ScheduleID == "" {
		sess.sendError(frame.ID, string(errs.KindProtocol), "schedules.delete requires schedule_id")
		return
	}
	if err := srv.scheduler.Delete(params.ScheduleID); err != nil {
		sess.sendError(frame.ID, string(errs.KindStateConflict), err.Error())
		return
	}
	sess.sendResponse(frame.ID, true, map[string]any{"deleted": true}, nil)
}

func (srv *Server) dispatchWorkersList(sess *Session, frame Frame) {
	sess.sendResponse(frame.ID, true, map[string]any{"workers": srv.workerMgr.List()}, nil)
}
