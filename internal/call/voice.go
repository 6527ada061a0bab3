package call

import (
	"context"

	"github.com/parley-chat/parley/internal/media"
)

// Voice is an audio-only call session. It acquires a microphone track
// on join and never negotiates video; the video operations exist so
// callers can treat the two controller kinds uniformly, and fail with
// ErrVoiceOnly.
type Voice struct {
	*session
}

func NewVoice(self, nickname, room string, opener Opener, src media.Source,
	presence PresenceStore, iceServers []string, tun Tunables) *Voice {
	return &Voice{newSession(self, nickname, room, opener, src, presence, iceServers, tun, false)}
}

func (v *Voice) ToggleVideo(context.Context) (bool, error) { return false, ErrVoiceOnly }

func (v *Voice) StartScreenShare(context.Context) error { return ErrVoiceOnly }

func (v *Voice) StopScreenShare(context.Context) error { return ErrVoiceOnly }
