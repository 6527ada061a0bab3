package media

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// StaticTrack is a Track over webrtc.TrackLocalStaticSample. It carries
// no real capture; sessions can attach it to peer connections and swap
// it like a device track. EndExternally simulates the platform ending
// the capture (e.g. the user stopping a screen share from OS chrome).
type StaticTrack struct {
	*webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	ended   bool
	handler func(error)
}

func NewStaticTrack(kind webrtc.RTPCodecType, label string) (*StaticTrack, error) {
	cap := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	if kind == webrtc.RTPCodecTypeVideo {
		cap = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	}
	inner, err := webrtc.NewTrackLocalStaticSample(cap, label+"-"+uuid.NewString()[:8], label)
	if err != nil {
		return nil, err
	}
	return &StaticTrack{TrackLocalStaticSample: inner}, nil
}

func (t *StaticTrack) OnEnded(handler func(error)) {
	t.mu.Lock()
	alreadyEnded := t.ended
	t.handler = handler
	t.mu.Unlock()
	if alreadyEnded && handler != nil {
		handler(nil)
	}
}

func (t *StaticTrack) Close() error {
	t.mu.Lock()
	t.ended = true
	t.mu.Unlock()
	return nil
}

// EndExternally fires the track-ended notification as if the platform
// stopped the capture outside the application's own controls.
func (t *StaticTrack) EndExternally(err error) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	handler := t.handler
	t.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

// StaticSource implements Source without hardware. Tests and headless
// deployments use it in place of Manager.
type StaticSource struct {
	// FailAcquire / FailScreen, when set, make the corresponding call
	// fail with that error.
	FailAcquire error
	FailScreen  error

	mu       sync.Mutex
	acquired []*Stream
}

func NewStaticSource() *StaticSource { return &StaticSource{} }

func (s *StaticSource) PopulateEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (s *StaticSource) Acquire(c Constraints) (*Stream, error) {
	if s.FailAcquire != nil {
		return nil, s.FailAcquire
	}
	var tracks []Track
	if c.Audio {
		t, err := NewStaticTrack(webrtc.RTPCodecTypeAudio, "mic")
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := NewStaticTrack(webrtc.RTPCodecTypeVideo, "camera")
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return s.remember(NewStream(tracks...)), nil
}

func (s *StaticSource) AcquireScreen() (*Stream, error) {
	if s.FailScreen != nil {
		return nil, s.FailScreen
	}
	t, err := NewStaticTrack(webrtc.RTPCodecTypeVideo, "screen")
	if err != nil {
		return nil, err
	}
	return s.remember(NewStream(t)), nil
}

func (s *StaticSource) Release(st *Stream) {
	st.Close()
}

func (s *StaticSource) remember(st *Stream) *Stream {
	s.mu.Lock()
	s.acquired = append(s.acquired, st)
	s.mu.Unlock()
	return st
}
