package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/SimonBear03/agent-blob/internal/gateway"
)

// wsClient is a minimal synchronous request/response client over the
// gateway's WS control plane, used by the CLI's read-only and
// administrative subcommands (status, schedules, memory). It performs the
// mandatory connect handshake and then issues one request per call,
// matching responses by frame id; it is not meant to stay open for
// streaming agent runs the way a real frontend adapter would.
type wsClient struct {
	conn *websocket.Conn
}

// dialGateway connects to addr's /ws endpoint and completes the spec §6
// handshake.
func dialGateway(addr string) (*wsClient, error) {
	url := fmt.Sprintf("ws://%s/ws", addr)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &wsClient{conn: conn}

	params, _ := json.Marshal(map[string]any{"protocol_version": gateway.ProtocolVersion})
	if _, err := c.call(gateway.MethodConnect, params); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return c, nil
}

func (c *wsClient) Close() error {
	return c.conn.Close()
}

// call sends one request frame and returns the matching response's
// payload, skipping any event frames that arrive first.
func (c *wsClient) call(method string, params json.RawMessage) (json.RawMessage, error) {
	id := uuid.NewString()
	req := gateway.Frame{Type: gateway.FrameRequest, ID: id, Method: method, Params: params}
	if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return nil, err
	}
	if err := c.conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
			return nil, err
		}
		var frame gateway.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return nil, fmt.Errorf("read %s response: %w", method, err)
		}
		if frame.Type != gateway.FrameResponse || frame.ID != id {
			continue
		}
		if frame.OK == nil || !*frame.OK {
			if frame.Error != nil {
				return nil, fmt.Errorf("%s: [%s] %s", method, frame.Error.Code, frame.Error.Message)
			}
			return nil, fmt.Errorf("%s: request failed", method)
		}
		payload, err := json.Marshal(frame.Payload)
		if err != nil {
			return nil, err
		}
		return payload, nil
	}
}
