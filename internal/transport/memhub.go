package transport

import (
	"sync"

	"github.com/parley-chat/parley/internal/proto"
)

// MemHub is an in-process broadcast relay. It deliberately mirrors the
// external relay's weak guarantees: fan-out to current subscribers
// only, no ordering across senders, drop when a receiver lags.
type MemHub struct {
	mu       sync.Mutex
	sessions map[string]map[*MemChannel]struct{}
}

func NewMemHub() *MemHub {
	return &MemHub{sessions: make(map[string]map[*MemChannel]struct{})}
}

// Open subscribes a new channel to the session scope. The subscription
// is live when Open returns.
func (h *MemHub) Open(sessionKey, selfID string) *MemChannel {
	c := &MemChannel{
		hub:     h,
		session: sessionKey,
		selfID:  selfID,
		recv:    make(chan *proto.Message, receiveBuffer),
	}
	h.mu.Lock()
	subs := h.sessions[sessionKey]
	if subs == nil {
		subs = make(map[*MemChannel]struct{})
		h.sessions[sessionKey] = subs
	}
	subs[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *MemHub) publish(session string, msg *proto.Message) {
	h.mu.Lock()
	targets := make([]*MemChannel, 0, len(h.sessions[session]))
	for c := range h.sessions[session] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.deliver(msg)
	}
}

func (h *MemHub) drop(c *MemChannel) {
	h.mu.Lock()
	if subs, ok := h.sessions[c.session]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.sessions, c.session)
		}
	}
	h.mu.Unlock()
}

// MemChannel is a Channel attached to a MemHub session.
type MemChannel struct {
	hub     *MemHub
	session string
	selfID  string
	recv    chan *proto.Message

	mu     sync.Mutex
	closed bool
}

func (c *MemChannel) Send(msg *proto.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	c.hub.publish(c.session, msg)
	return nil
}

func (c *MemChannel) Receive() <-chan *proto.Message { return c.recv }

func (c *MemChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.hub.drop(c)
	close(c.recv)
	return nil
}

func (c *MemChannel) deliver(msg *proto.Message) {
	if msg.Validate() != nil || !msg.Accepts(c.selfID) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.recv <- msg:
	default:
	}
}
