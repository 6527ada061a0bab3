// Package call implements the peer-to-peer call subsystem: the mesh
// signaling protocol, the peer connection registry, connection health
// monitoring, and the voice/video session controllers. Coupling to the
// rest of the application is via the small interfaces below only.
package call

import (
	"context"
	"errors"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/parley-chat/parley/internal/proto"
)

// Channel is the only surface the call package needs from the
// transport layer: a session-scoped broadcast scope whose subscription
// is already live by the time the opener returns it.
type Channel interface {
	Send(*proto.Message) error
	Receive() <-chan *proto.Message
	Close() error
}

// Opener binds a session to its transport. Called once per Join.
type Opener func(ctx context.Context, room string) (Channel, error)

// PresenceStore is the slice of the external store a session mirrors
// its membership into. Best-effort: errors are logged, never fatal.
type PresenceStore interface {
	UpsertParticipant(ctx context.Context, room, peerID, nickname string) error
	SetParticipantFlags(ctx context.Context, room, peerID string, muted, videoOff bool) error
	DeleteParticipant(ctx context.Context, room, peerID string) error
}

// State is the session lifecycle. No signaling is processed and no
// peer entries exist outside StateActive.
type State int

const (
	StateIdle State = iota
	StateJoining
	StateActive
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// PathKind classifies the negotiated candidate pair.
type PathKind string

const (
	PathUnknown   PathKind = "unknown"
	PathDirect    PathKind = "direct"
	PathReflected PathKind = "reflected"
	PathRelayed   PathKind = "relayed"
)

// Quality is a coarse UI label derived from round-trip time. It never
// gates protocol behavior.
type Quality string

const (
	QualityUnknown   Quality = "unknown"
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
)

// PeerInfo is the UI-facing view of one mesh peer.
type PeerInfo struct {
	ID       string        `json:"id"`
	Nickname string        `json:"nickname,omitempty"`
	Path     PathKind      `json:"path"`
	Quality  Quality       `json:"quality"`
	RTT      time.Duration `json:"rtt"`
	Sharing  bool          `json:"sharing"`
	Audio    int           `json:"audio_tracks"`
	Video    int           `json:"video_tracks"`
}

// Event types emitted to session subscribers.
const (
	EventState       = "state"
	EventPeerJoined  = "peer-joined"
	EventPeerUpdated = "peer-updated"
	EventPeerLeft    = "peer-left"
	EventScreenShare = "screen-share"
	EventSelfUpdated = "self-updated"
)

type Event struct {
	Type   string    `json:"type"`
	State  State     `json:"state,omitempty"`
	PeerID string    `json:"peer_id,omitempty"`
	Peer   *PeerInfo `json:"peer,omitempty"`
}

// MediaSink receives every RTP packet read from remote tracks. Audio
// packets are withheld while the session is deafened.
type MediaSink func(peerID string, kind webrtc.RTPCodecType, pkt *rtp.Packet)

var (
	// ErrSessionState is returned when an operation is invalid for the
	// session's current state (e.g. Join while already active).
	ErrSessionState = errors.New("call: invalid session state")

	// ErrVoiceOnly is returned by video-only operations on a voice session.
	ErrVoiceOnly = errors.New("call: voice session has no video")
)

// Tunables are the health-monitor and reconnection knobs, configurable
// rather than hardcoded so deployments can tighten or widen the retry
// policy.
type Tunables struct {
	StatsInterval   time.Duration
	PathProbeDelay  time.Duration
	DisconnectGrace time.Duration
	ReconnectDelay  time.Duration
	// ReconnectAttempts bounds rejoin broadcasts per connection failure.
	ReconnectAttempts int
}

func DefaultTunables() Tunables {
	return Tunables{
		StatsInterval:     5 * time.Second,
		PathProbeDelay:    time.Second,
		DisconnectGrace:   5 * time.Second,
		ReconnectDelay:    2 * time.Second,
		ReconnectAttempts: 1,
	}
}
