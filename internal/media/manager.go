package media

import (
	"fmt"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// Options tunes the capture pipeline. Zero values fall back to defaults
// suitable for a mesh call (modest resolution, 1.5 Mbps VP8).
type Options struct {
	VideoBitRate int
	MaxWidth     int
	MaxHeight    int
}

const (
	defaultVideoBitRate = 1_500_000
	defaultMaxWidth     = 640
	defaultMaxHeight    = 480
)

// Manager implements Source on pion/mediadevices with VP8 video and
// Opus audio.
type Manager struct {
	opts     Options
	selector *mediadevices.CodecSelector
}

func NewManager(opts Options) (*Manager, error) {
	if opts.VideoBitRate <= 0 {
		opts.VideoBitRate = defaultVideoBitRate
	}
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = defaultMaxWidth
	}
	if opts.MaxHeight <= 0 {
		opts.MaxHeight = defaultMaxHeight
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = opts.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return &Manager{opts: opts, selector: selector}, nil
}

func (m *Manager) PopulateEngine(me *webrtc.MediaEngine) error {
	m.selector.Populate(me)
	return nil
}

// Acquire requests local capture. Failure is fatal to the caller's join
// attempt and must surface to the user; nothing is left half-acquired.
func (m *Manager) Acquire(c Constraints) (*Stream, error) {
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: empty constraints", ErrDeviceUnavailable)
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: m.selector}
	if c.Video {
		constraints.Video = m.videoConstraint()
	}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	return wrapStream(stream), nil
}

// AcquireScreen requests a display capture stream, independent of the
// primary camera/mic stream.
func (m *Manager) AcquireScreen() (*Stream, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: m.selector,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUserCancelled, err)
	}
	return wrapStream(stream), nil
}

func (m *Manager) Release(s *Stream) {
	s.Close()
}

func (m *Manager) videoConstraint() mediadevices.MediaOption {
	maxW, maxH := m.opts.MaxWidth, m.opts.MaxHeight
	return func(c *mediadevices.MediaTrackConstraints) {
		// Exclude MJPEG — some cameras expose an MJPEG node producing
		// malformed JPEG frames, which poisons the VP8 encoder. Raw
		// formats only.
		c.FrameFormat = prop.FrameFormatOneOf{
			frame.FormatYUYV,
			frame.FormatI420,
			frame.FormatI444,
			frame.FormatRGBA,
		}
		c.Width = prop.IntRanged{Max: maxW}
		c.Height = prop.IntRanged{Max: maxH}
	}
}

func wrapStream(ms mediadevices.MediaStream) *Stream {
	tracks := ms.GetTracks()
	out := make([]Track, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t)
		log.Printf("MEDIA: captured %s track %s", t.Kind(), t.ID())
	}
	return NewStream(out...)
}
