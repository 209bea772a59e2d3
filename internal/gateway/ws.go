package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SimonBear03/agent-blob/internal/errs"
)

// WS tuning constants, matching the teacher's ws_control_plane.go values
// (45s pong wait with a matched ping cadence, 1MB payload ceiling, a 10s
// write deadline).
const (
	wsMaxPayloadBytes  = 1 << 20
	wsWriteWait        = 10 * time.Second
	wsPongWait         = 45 * time.Second
	wsPingInterval     = (wsPongWait * 9) / 10
	wsSendBufferFrames = 64
)

// wsTransmitter implements Transmitter over a gorilla/websocket
// connection: Send enqueues onto a buffered channel drained by a
// dedicated write goroutine, so a slow client never blocks the fanout
// path (same split as the teacher's wsSession.send channel + writeLoop).
type wsTransmitter struct {
	conn *websocket.Conn
	out  chan []byte
}

func (t *wsTransmitter) Send(frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if len(data) > wsMaxPayloadBytes {
		return fmt.Errorf("payload too large")
	}
	select {
	case t.out <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

func (t *wsTransmitter) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-t.out:
			if !ok {
				return
			}
			_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// WSHandler upgrades incoming HTTP requests to the gateway's WS wire
// protocol. ChannelID resolves the origin channel id for a connection
// (e.g. from a header or query parameter); a nil ChannelID defaults every
// connection to a single shared "ws" channel.
type WSHandler struct {
	server    *Server
	upgrader  websocket.Upgrader
	ChannelID func(*http.Request) string
}

// NewWSHandler builds a WSHandler bound to server.
func NewWSHandler(server *Server) *WSHandler {
	return &WSHandler{
		server: server,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	channel := "ws"
	if h.ChannelID != nil {
		if id := h.ChannelID(r); id != "" {
			channel = id
		}
	}
	sess := h.server.getOrCreateSession(channel)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	transport := &wsTransmitter{conn: conn, out: make(chan []byte, wsSendBufferFrames)}
	sess.Bind(transport)
	defer sess.Unbind()

	go transport.writeLoop(ctx)
	h.readLoop(sess, conn)
}

func (h *WSHandler) readLoop(sess *Session, conn *websocket.Conn) {
	conn.SetReadLimit(wsMaxPayloadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	handshaken := false
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := decodeFrame(data)
		if err != nil {
			sess.sendError("", string(errs.KindProtocol), err.Error())
			if !handshaken {
				return
			}
			continue
		}

		if !handshaken {
			if err := h.server.HandleConnect(sess, frame); err != nil {
				return
			}
			handshaken = true
			continue
		}

		h.server.Dispatch(sess, frame)
	}
}
