// Package transport provides the broadcast channel a call session
// signals over. Two flavours exist: a libp2p GossipSub topic (Node) and
// a hosted websocket relay (DialWS), plus an in-process hub (MemHub)
// used by tests and single-process deployments.
//
// All flavours share the same contract: the constructor returns only
// once the subscription is confirmed live, so a Join broadcast after
// open cannot be missed for lack of a local subscription; Send after
// Close returns ErrChannelClosed; loopback and mis-addressed messages
// are filtered before delivery.
package transport

import (
	"encoding/hex"
	"errors"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/parley-chat/parley/internal/proto"
)

const connectTimeout = 10 * time.Second

var (
	// ErrChannelClosed is returned by Send after Close.
	ErrChannelClosed = errors.New("transport: channel closed")

	// ErrSubscribe wraps failures to establish the subscription during open.
	ErrSubscribe = errors.New("transport: subscription failed")
)

// Channel is a session-scoped broadcast scope for signaling messages.
// Delivery is best-effort: unordered, at-most-once, no persistence.
type Channel interface {
	Send(*proto.Message) error
	Receive() <-chan *proto.Message
	Close() error
}

// receiveBuffer is the depth of each channel's inbound queue. Messages
// beyond it are dropped; the signaling protocol tolerates loss.
const receiveBuffer = 64

// SessionKey derives the channel name for a room slug. Slugs are
// user-controlled free text; hashing keeps the topic fixed-length and
// free of separator characters.
func SessionKey(slug string) string {
	sum := blake2b.Sum256([]byte(slug))
	return proto.TopicPrefix + "." + hex.EncodeToString(sum[:8])
}
