package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parley-chat/parley/internal/media"
	"github.com/parley-chat/parley/internal/proto"
	"github.com/parley-chat/parley/internal/util"
)

const (
	eventBuffer = 16
	diagLines   = 256
)

// session is the state shared by the voice and video controllers: the
// lifecycle machine, local media, the peer registry, the health monitor
// and the signaling pump. All signaling is dispatched from a single
// goroutine, so handlers never race each other; registry and monitor
// mutations from pion callbacks are serialized by their own locks.
type session struct {
	self     string
	nickname string
	room     string

	opener     Opener
	source     media.Source
	presence   PresenceStore
	iceServers []string
	tun        Tunables
	wantVideo  bool

	mu     sync.Mutex
	state  State
	gen    uint64 // bumped on every join/leave; stale timers check it
	ch     Channel
	reg    *registry
	mon    *monitor
	stream *media.Stream
	audio  media.Track
	video  media.Track
	screen *media.Stream

	muted    bool
	videoOff bool
	sharing  bool
	deafened atomic.Bool

	sinkMu sync.RWMutex
	sink   MediaSink

	lisMu     sync.Mutex
	listeners map[chan Event]struct{}

	diag *util.RingBuffer[string]
}

func newSession(self, nickname, room string, opener Opener, src media.Source,
	presence PresenceStore, iceServers []string, tun Tunables, wantVideo bool) *session {
	if presence == nil {
		presence = nopPresence{}
	}
	return &session{
		self:       self,
		nickname:   nickname,
		room:       room,
		opener:     opener,
		source:     src,
		presence:   presence,
		iceServers: iceServers,
		tun:        tun,
		wantVideo:  wantVideo,
		listeners:  make(map[chan Event]struct{}),
		diag:       util.NewRingBuffer[string](diagLines),
	}
}

// nopPresence lets sessions run without an external store.
type nopPresence struct{}

func (nopPresence) UpsertParticipant(context.Context, string, string, string) error { return nil }
func (nopPresence) SetParticipantFlags(context.Context, string, string, bool, bool) error {
	return nil
}
func (nopPresence) DeleteParticipant(context.Context, string, string) error { return nil }

// Join acquires local media, opens the session channel, starts the
// signaling pump and announces this participant. On any failure every
// step already taken is rolled back and the session returns to idle.
func (s *session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("%w: join while %s", ErrSessionState, s.state)
	}
	s.state = StateJoining
	s.gen++
	gen := s.gen
	s.mu.Unlock()
	s.emit(Event{Type: EventState, State: StateJoining})
	s.diagf("joining room %s", s.room)

	fail := func(err error) error {
		s.mu.Lock()
		s.state = StateIdle
		s.gen++
		s.mu.Unlock()
		s.emit(Event{Type: EventState, State: StateIdle})
		s.diagf("join failed: %v", err)
		return err
	}

	stream, err := s.source.Acquire(media.Constraints{Audio: true, Video: s.wantVideo})
	if err != nil {
		return fail(fmt.Errorf("acquire media: %w", err))
	}
	audioTracks := stream.AudioTracks()
	videoTracks := stream.VideoTracks()
	var audio, video media.Track
	if len(audioTracks) > 0 {
		audio = audioTracks[0]
	}
	if len(videoTracks) > 0 {
		video = videoTracks[0]
	}

	if err := s.presence.UpsertParticipant(ctx, s.room, s.self, s.nickname); err != nil {
		log.Printf("CALL: presence upsert: %v", err)
	}

	ch, err := s.opener(ctx, s.room)
	if err != nil {
		s.source.Release(stream)
		s.presenceDelete(ctx)
		return fail(fmt.Errorf("open session channel: %w", err))
	}

	mon := newMonitor(s, gen)
	reg, err := newRegistry(s.self, s.source, s.iceServers,
		ch.Send,
		mon.onConnectionState,
		s.emit,
		s.deafened.Load,
		s.mediaSink,
	)
	if err != nil {
		_ = ch.Close()
		s.source.Release(stream)
		s.presenceDelete(ctx)
		return fail(err)
	}
	mon.reg = reg

	s.mu.Lock()
	if s.gen != gen {
		// Cancelled while we were setting up.
		s.mu.Unlock()
		_ = ch.Close()
		s.source.Release(stream)
		s.presenceDelete(ctx)
		return ErrSessionState
	}
	s.ch = ch
	s.reg = reg
	s.mon = mon
	s.stream = stream
	s.audio = audio
	s.video = video
	// Active before the announce: offers responding to our Join must
	// not race the state flip and get dropped by the dispatch gate.
	s.state = StateActive
	s.mu.Unlock()

	go s.pump(ch, reg, gen)
	mon.start()

	if err := ch.Send(proto.NewJoin(s.self, s.nickname)); err != nil {
		s.teardown(ctx, gen, true)
		return fail(fmt.Errorf("announce join: %w", err))
	}

	s.emit(Event{Type: EventState, State: StateActive})
	s.diagf("active in room %s", s.room)
	return nil
}

// Leave announces departure, tears down every peer connection, releases
// media and closes the channel. Calling Leave on an idle session is a
// no-op; while a join is still in flight it cancels the join.
func (s *session) Leave(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.mu.Unlock()
		return nil
	case StateJoining:
		// Cancel the in-flight join: bumping the generation makes the
		// join's own cleanup discard whatever it already set up.
		s.gen++
		s.state = StateIdle
		s.mu.Unlock()
		s.emit(Event{Type: EventState, State: StateIdle})
		s.diagf("join cancelled")
		return nil
	case StateActive:
	default:
		s.mu.Unlock()
		return fmt.Errorf("%w: leave while %s", ErrSessionState, s.state)
	}
	s.state = StateLeaving
	gen := s.gen
	ch := s.ch
	s.mu.Unlock()
	s.emit(Event{Type: EventState, State: StateLeaving})

	// Best effort: peers that miss this still converge via their
	// connection monitors.
	if err := ch.Send(proto.NewLeave(s.self)); err != nil {
		log.Printf("CALL: send leave: %v", err)
	}

	s.teardown(ctx, gen, true)

	s.mu.Lock()
	s.state = StateIdle
	s.gen++
	s.mu.Unlock()
	s.emit(Event{Type: EventState, State: StateIdle})
	s.diagf("left room %s", s.room)
	return nil
}

// teardown releases everything Join set up. Safe to call with partial
// state; fields are nilled so a second call is a no-op.
func (s *session) teardown(ctx context.Context, gen uint64, deletePresence bool) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	ch, reg, mon := s.ch, s.reg, s.mon
	stream, screen := s.stream, s.screen
	s.ch, s.reg, s.mon = nil, nil, nil
	s.stream, s.screen = nil, nil
	s.audio, s.video = nil, nil
	s.sharing = false
	s.mu.Unlock()

	if mon != nil {
		mon.stop()
	}
	if reg != nil {
		reg.removeAll()
	}
	if screen != nil {
		s.source.Release(screen)
	}
	if stream != nil {
		s.source.Release(stream)
	}
	if ch != nil {
		if err := ch.Close(); err != nil {
			log.Printf("CALL: close channel: %v", err)
		}
	}
	if deletePresence {
		s.presenceDelete(ctx)
	}
}

func (s *session) presenceDelete(ctx context.Context) {
	if err := s.presence.DeleteParticipant(ctx, s.room, s.self); err != nil {
		log.Printf("CALL: presence delete: %v", err)
	}
}

// pump is the single signaling dispatch loop. It exits when the channel
// closes; if the session is still active at that point the transport
// died underneath us and the remaining peers are left to their
// connection monitors.
func (s *session) pump(ch Channel, reg *registry, gen uint64) {
	for msg := range ch.Receive() {
		s.dispatch(msg, reg, gen)
	}
	s.mu.Lock()
	active := s.gen == gen && s.state == StateActive
	s.mu.Unlock()
	if active {
		log.Printf("CALL: session channel closed while active")
		s.diagf("session channel closed while active")
	}
}

// State returns the current lifecycle state.
func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peers is a point-in-time snapshot of the mesh.
func (s *session) Peers() map[string]PeerInfo {
	s.mu.Lock()
	reg := s.reg
	s.mu.Unlock()
	if reg == nil {
		return map[string]PeerInfo{}
	}
	return reg.Snapshot()
}

// ToggleMute pauses or resumes the outgoing audio track on every peer
// connection without renegotiating. Independent of deafen.
func (s *session) ToggleMute(ctx context.Context) bool {
	s.mu.Lock()
	s.muted = !s.muted
	muted := s.muted
	videoOff := s.videoOff
	reg := s.reg
	audio := s.audio
	s.mu.Unlock()

	if reg != nil {
		if muted {
			reg.replaceAudio(nil)
		} else {
			reg.replaceAudio(audio)
		}
	}
	if err := s.presence.SetParticipantFlags(ctx, s.room, s.self, muted, videoOff); err != nil {
		log.Printf("CALL: presence flags: %v", err)
	}
	s.diagf("muted=%v", muted)
	s.emit(Event{Type: EventSelfUpdated})
	return muted
}

// ToggleDeafen flips whether received audio is forwarded to the media
// sink. Purely local; nothing is signaled and outgoing audio is
// unaffected.
func (s *session) ToggleDeafen() bool {
	d := !s.deafened.Load()
	s.deafened.Store(d)
	s.diagf("deafened=%v", d)
	s.emit(Event{Type: EventSelfUpdated})
	return d
}

func (s *session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *session) Deafened() bool { return s.deafened.Load() }

// SetMediaSink installs the consumer for remote RTP. May be nil;
// packets are then discarded.
func (s *session) SetMediaSink(sink MediaSink) {
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
}

func (s *session) mediaSink() MediaSink {
	s.sinkMu.RLock()
	defer s.sinkMu.RUnlock()
	return s.sink
}

// Subscribe returns a buffered event channel. Slow consumers lose
// events rather than blocking the session.
func (s *session) Subscribe() chan Event {
	ch := make(chan Event, eventBuffer)
	s.lisMu.Lock()
	s.listeners[ch] = struct{}{}
	s.lisMu.Unlock()
	return ch
}

func (s *session) Unsubscribe(ch chan Event) {
	s.lisMu.Lock()
	if _, ok := s.listeners[ch]; ok {
		delete(s.listeners, ch)
		close(ch)
	}
	s.lisMu.Unlock()
}

func (s *session) emit(e Event) {
	s.lisMu.Lock()
	for ch := range s.listeners {
		select {
		case ch <- e:
		default:
		}
	}
	s.lisMu.Unlock()
}

// Diagnostics returns the most recent internal log lines, oldest first.
func (s *session) Diagnostics() []string {
	return s.diag.Snapshot()
}

func (s *session) diagf(format string, args ...any) {
	s.diag.Push(time.Now().Format("15:04:05.000") + " " + fmt.Sprintf(format, args...))
}
