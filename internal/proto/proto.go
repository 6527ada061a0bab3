// Package proto defines the signaling messages exchanged over a call's
// broadcast channel. The relay is a plain fan-out with no server-side
// filtering, so every receiver applies the same discard rules: drop
// loopback (from == self) and drop anything addressed to someone else.
package proto

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	// TopicPrefix is the namespace for call signaling channels.
	TopicPrefix = "parley.call.v1"

	TypeJoin             = "join"
	TypeOffer            = "offer"
	TypeAnswer           = "answer"
	TypeICECandidate     = "ice-candidate"
	TypeLeave            = "leave"
	TypeScreenShareStart = "screen-share-start"
	TypeScreenShareStop  = "screen-share-stop"
)

// Payload carries the variant-specific body of a signaling message.
// Exactly one field is set for offer/answer (SDP) and ice-candidate
// (Candidate); all other variants have no payload.
type Payload struct {
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Message is one signaling message. An empty To means broadcast-to-all.
// Nickname is carried opportunistically on join and is presentation-only.
type Message struct {
	Type     string   `json:"type"`
	From     string   `json:"from"`
	To       string   `json:"to,omitempty"`
	Nickname string   `json:"nickname,omitempty"`
	Payload  *Payload `json:"payload,omitempty"`
	TS       int64    `json:"ts,omitempty"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }

func NewJoin(from, nickname string) *Message {
	return &Message{Type: TypeJoin, From: from, Nickname: nickname, TS: NowMillis()}
}

func NewOffer(from, to string, sdp webrtc.SessionDescription) *Message {
	return &Message{Type: TypeOffer, From: from, To: to, Payload: &Payload{SDP: &sdp}, TS: NowMillis()}
}

func NewAnswer(from, to string, sdp webrtc.SessionDescription) *Message {
	return &Message{Type: TypeAnswer, From: from, To: to, Payload: &Payload{SDP: &sdp}, TS: NowMillis()}
}

func NewICECandidate(from, to string, cand webrtc.ICECandidateInit) *Message {
	return &Message{Type: TypeICECandidate, From: from, To: to, Payload: &Payload{Candidate: &cand}, TS: NowMillis()}
}

func NewLeave(from string) *Message {
	return &Message{Type: TypeLeave, From: from, TS: NowMillis()}
}

func NewScreenShare(from string, active bool) *Message {
	typ := TypeScreenShareStop
	if active {
		typ = TypeScreenShareStart
	}
	return &Message{Type: typ, From: from, TS: NowMillis()}
}

// Accepts reports whether a received message should be processed by the
// peer identified by selfID. Loopback and mis-addressed messages are
// discarded before they reach any state transition.
func (m *Message) Accepts(selfID string) bool {
	if m.From == "" || m.From == selfID {
		return false
	}
	return m.To == "" || m.To == selfID
}

// Validate checks structural well-formedness of a received message.
func (m *Message) Validate() error {
	if m.From == "" {
		return errors.New("missing from")
	}
	switch m.Type {
	case TypeJoin, TypeLeave, TypeScreenShareStart, TypeScreenShareStop:
		return nil
	case TypeOffer, TypeAnswer:
		if m.Payload == nil || m.Payload.SDP == nil {
			return fmt.Errorf("%s without session description", m.Type)
		}
		return nil
	case TypeICECandidate:
		if m.Payload == nil || m.Payload.Candidate == nil {
			return errors.New("ice-candidate without candidate")
		}
		return nil
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
}
