package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-chat/parley/internal/proto"
)

// Relay wire protocol: the client sends a subscribe frame, the relay
// answers with a subscribed frame, and from then on every text frame in
// either direction is a bare proto.Message. The relay fans each message
// out to every other subscriber of the same session, best-effort.
const (
	wsFrameSubscribe  = "subscribe"
	wsFrameSubscribed = "subscribed"

	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 5 * time.Second
)

type wsControlFrame struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`
	From    string `json:"from,omitempty"`
}

// DialWS connects to a hosted fan-out relay and subscribes to one
// session. It returns only after the relay acknowledges the
// subscription; a Join broadcast immediately after is safe.
func DialWS(ctx context.Context, url, sessionKey, selfID string) (*WSChannel, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrSubscribe, url, err)
	}

	sub := wsControlFrame{Type: wsFrameSubscribe, Session: sessionKey, From: selfID}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: subscribe: %v", ErrSubscribe, err)
	}

	// The ack is the readiness signal: frames sent by the relay after
	// it are guaranteed to reach our read loop.
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(wsHandshakeTimeout))
	}
	var ack wsControlFrame
	if err := conn.ReadJSON(&ack); err != nil || ack.Type != wsFrameSubscribed {
		conn.Close()
		if err == nil {
			err = fmt.Errorf("unexpected frame %q", ack.Type)
		}
		return nil, fmt.Errorf("%w: awaiting ack: %v", ErrSubscribe, err)
	}
	conn.SetReadDeadline(time.Time{})

	ch := &WSChannel{
		selfID: selfID,
		conn:   conn,
		recv:   make(chan *proto.Message, receiveBuffer),
	}
	go ch.readLoop()
	return ch, nil
}

// WSChannel is a Channel over a websocket relay connection.
type WSChannel struct {
	selfID string
	conn   *websocket.Conn
	recv   chan *proto.Message

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
}

func (c *WSChannel) Send(msg *proto.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *WSChannel) Receive() <-chan *proto.Message { return c.recv }

// Close sends a close frame and drops the connection. Idempotent.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *WSChannel) readLoop() {
	defer close(c.recv)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				log.Printf("TRANSPORT: ws read: %v", err)
			}
			return
		}
		var msg proto.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Validate() != nil || !msg.Accepts(c.selfID) {
			continue
		}
		select {
		case c.recv <- &msg:
		default:
		}
	}
}
