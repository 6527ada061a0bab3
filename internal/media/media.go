// Package media owns local capture: microphone, camera and screen
// streams, exposed as swappable outgoing tracks. The call layer talks
// to it through the Source interface only, so sessions can run against
// real hardware (Manager) or synthetic tracks (StaticSource).
package media

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrDeviceUnavailable means capture hardware is missing, busy, or
	// permission was denied. Fatal to a join attempt.
	ErrDeviceUnavailable = errors.New("media: device unavailable")

	// ErrUserCancelled means the screen-capture request was dismissed or
	// refused before a stream was produced.
	ErrUserCancelled = errors.New("media: screen capture cancelled")
)

// Track is one local outgoing track. pion/mediadevices tracks satisfy
// this directly; StaticTrack satisfies it for tests and headless use.
type Track interface {
	webrtc.TrackLocal
	OnEnded(handler func(error))
	Close() error
}

// Constraints selects which kinds of capture to acquire.
type Constraints struct {
	Audio bool
	Video bool
}

// Source acquires and releases local capture streams.
type Source interface {
	// PopulateEngine registers the source's codecs on a media engine.
	// Every peer connection that will carry this source's tracks must be
	// built from an API populated by the same source.
	PopulateEngine(*webrtc.MediaEngine) error

	Acquire(c Constraints) (*Stream, error)
	AcquireScreen() (*Stream, error)

	// Release stops every track in the stream. Idempotent; nil-safe.
	Release(*Stream)
}

// Stream is a set of tracks acquired together and released together.
type Stream struct {
	tracks []Track
	closed bool
}

func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: tracks}
}

func (s *Stream) Tracks() []Track { return s.tracks }

func (s *Stream) AudioTracks() []Track { return s.byKind(webrtc.RTPCodecTypeAudio) }
func (s *Stream) VideoTracks() []Track { return s.byKind(webrtc.RTPCodecTypeVideo) }

func (s *Stream) byKind(kind webrtc.RTPCodecType) []Track {
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Close stops every track. Safe to call more than once.
func (s *Stream) Close() {
	if s == nil || s.closed {
		return
	}
	s.closed = true
	for _, t := range s.tracks {
		_ = t.Close()
	}
}
