package call

import (
	"context"
	"fmt"
	"log"

	"github.com/parley-chat/parley/internal/media"
	"github.com/parley-chat/parley/internal/proto"
)

// Video is a voice session that additionally acquires a camera track
// and can swap it for a screen capture. Both swaps ride the existing
// video sender, so no connection is ever renegotiated for them.
type Video struct {
	*session
}

func NewVideo(self, nickname, room string, opener Opener, src media.Source,
	presence PresenceStore, iceServers []string, tun Tunables) *Video {
	return &Video{newSession(self, nickname, room, opener, src, presence, iceServers, tun, true)}
}

// ToggleVideo pauses or resumes the outgoing camera on every peer.
// While a screen share is active only the stored flag flips; it takes
// effect when the share ends and the camera comes back.
func (v *Video) ToggleVideo(ctx context.Context) (bool, error) {
	v.mu.Lock()
	v.videoOff = !v.videoOff
	off := v.videoOff
	muted := v.muted
	sharing := v.sharing
	reg := v.reg
	camera := v.cameraLocked()
	v.mu.Unlock()

	if reg != nil && !sharing {
		if off {
			reg.replaceVideo(nil)
		} else {
			reg.replaceVideo(camera)
		}
	}
	if err := v.presence.SetParticipantFlags(ctx, v.room, v.self, muted, off); err != nil {
		log.Printf("CALL: presence flags: %v", err)
	}
	v.diagf("video_off=%v", off)
	v.emit(Event{Type: EventSelfUpdated})
	return off, nil
}

// StartScreenShare captures the screen and swaps it in for the camera
// on every live connection. Peers that join mid-share receive the share
// track directly. Already sharing is a no-op.
func (v *Video) StartScreenShare(ctx context.Context) error {
	v.mu.Lock()
	if v.state != StateActive {
		v.mu.Unlock()
		return fmt.Errorf("%w: screen share while %s", ErrSessionState, v.state)
	}
	if v.sharing {
		v.mu.Unlock()
		return nil
	}
	gen := v.gen
	v.mu.Unlock()

	screen, err := v.source.AcquireScreen()
	if err != nil {
		return fmt.Errorf("acquire screen: %w", err)
	}
	tracks := screen.VideoTracks()
	if len(tracks) == 0 {
		v.source.Release(screen)
		return fmt.Errorf("screen capture produced no video track")
	}
	share := tracks[0]

	v.mu.Lock()
	if v.gen != gen || v.state != StateActive {
		v.mu.Unlock()
		v.source.Release(screen)
		return ErrSessionState
	}
	v.screen = screen
	v.video = share
	v.sharing = true
	reg := v.reg
	ch := v.ch
	v.mu.Unlock()

	// Capture sources can die on their own (window closed, permission
	// revoked); fall back to the camera instead of freezing the feed.
	share.OnEnded(func(err error) {
		if err != nil {
			log.Printf("CALL: screen track ended: %v", err)
		}
		if stopErr := v.StopScreenShare(context.Background()); stopErr != nil && stopErr != ErrSessionState {
			log.Printf("CALL: auto-stop screen share: %v", stopErr)
		}
	})

	reg.replaceVideo(share)
	if err := ch.Send(proto.NewScreenShare(v.self, true)); err != nil {
		log.Printf("CALL: announce screen share: %v", err)
	}
	v.diagf("screen share started")
	v.emit(Event{Type: EventScreenShare, PeerID: v.self})
	return nil
}

// StopScreenShare restores the camera track and releases the screen
// capture — in that order, so the swap never references a closed
// source. Not sharing is a no-op.
func (v *Video) StopScreenShare(ctx context.Context) error {
	v.mu.Lock()
	if !v.sharing {
		v.mu.Unlock()
		return nil
	}
	screen := v.screen
	v.screen = nil
	v.sharing = false
	camera := v.cameraLocked()
	v.video = camera
	off := v.videoOff
	reg := v.reg
	ch := v.ch
	v.mu.Unlock()

	if reg != nil {
		if off {
			reg.replaceVideo(nil)
		} else {
			reg.replaceVideo(camera)
		}
	}
	if screen != nil {
		v.source.Release(screen)
	}
	if ch != nil {
		if err := ch.Send(proto.NewScreenShare(v.self, false)); err != nil {
			log.Printf("CALL: announce screen share stop: %v", err)
		}
	}
	v.diagf("screen share stopped")
	v.emit(Event{Type: EventScreenShare, PeerID: v.self})
	return nil
}

// Sharing reports whether this participant's screen is being sent.
func (v *Video) Sharing() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sharing
}

// cameraLocked returns the camera track from the join-time stream.
// Callers hold v.mu.
func (v *Video) cameraLocked() media.Track {
	if v.stream == nil {
		return nil
	}
	if ts := v.stream.VideoTracks(); len(ts) > 0 {
		return ts[0]
	}
	return nil
}
