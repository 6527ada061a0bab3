package call

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/parley-chat/parley/internal/media"
	"github.com/parley-chat/parley/internal/proto"
)

// pliInterval is how often a keyframe is solicited per received video
// track. Without it late joiners wait for a natural keyframe.
const pliInterval = 3 * time.Second

// peer is one registry entry: the exclusive owner of a transport
// connection to a remote participant, plus the per-peer negotiation
// and display state.
type peer struct {
	id   string
	pc   *webrtc.PeerConnection
	done chan struct{}

	// Mutable fields below are guarded by the registry mutex.
	nickname  string
	sharing   bool
	path      PathKind
	quality   Quality
	rtt       time.Duration
	hasRemote bool
	pending   []webrtc.ICECandidateInit
	audioSnd  []*webrtc.RTPSender
	videoSnd  []*webrtc.RTPSender
	remAudio  int
	remVideo  int
}

// registry owns the set of live peer connections, keyed by remote
// participant identity. At most one entry exists per identity.
type registry struct {
	self string
	api  *webrtc.API
	cfg  webrtc.Configuration

	send     func(*proto.Message) error
	onState  func(peerID string, st webrtc.PeerConnectionState)
	onEvent  func(Event)
	deafened func() bool
	sink     func() MediaSink

	mu    sync.Mutex
	peers map[string]*peer
}

func newRegistry(self string, src media.Source, iceServers []string,
	send func(*proto.Message) error,
	onState func(string, webrtc.PeerConnectionState),
	onEvent func(Event),
	deafened func() bool,
	sink func() MediaSink,
) (*registry, error) {
	me := &webrtc.MediaEngine{}
	if err := src.PopulateEngine(me); err != nil {
		return nil, fmt.Errorf("populate media engine: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not
	// immediately terminate the call; the health monitor owns teardown.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	for _, u := range iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}

	return &registry{
		self:     self,
		api:      api,
		cfg:      webrtc.Configuration{ICEServers: servers},
		send:     send,
		onState:  onState,
		onEvent:  onEvent,
		deafened: deafened,
		sink:     sink,
		peers:    make(map[string]*peer),
	}, nil
}

// getOrCreate returns the existing entry for peerID or creates one with
// all callbacks wired. Duplicate Join/Offer from the same peer reuse
// the existing entry — the second return reports whether a new
// connection was created.
func (r *registry) getOrCreate(peerID string) (*peer, bool, error) {
	r.mu.Lock()
	if p, ok := r.peers[peerID]; ok {
		r.mu.Unlock()
		return p, false, nil
	}
	r.mu.Unlock()

	pc, err := r.api.NewPeerConnection(r.cfg)
	if err != nil {
		return nil, false, fmt.Errorf("new peer connection: %w", err)
	}

	p := &peer{
		id:      peerID,
		pc:      pc,
		done:    make(chan struct{}),
		path:    PathUnknown,
		quality: QualityUnknown,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := r.send(proto.NewICECandidate(r.self, peerID, c.ToJSON())); err != nil {
			log.Printf("CALL [%s]: send candidate: %v", peerID, err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		r.mu.Lock()
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			p.remAudio++
		} else {
			p.remVideo++
		}
		r.mu.Unlock()
		r.onEvent(Event{Type: EventPeerUpdated, PeerID: peerID, Peer: r.Info(peerID)})
		r.pumpTrack(p, track)
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: connection state %s", peerID, st)
		r.onState(peerID, st)
	})

	r.mu.Lock()
	// A concurrent create for the same identity loses; keep the winner.
	if existing, ok := r.peers[peerID]; ok {
		r.mu.Unlock()
		_ = pc.Close()
		return existing, false, nil
	}
	r.peers[peerID] = p
	r.mu.Unlock()
	return p, true, nil
}

func (r *registry) get(peerID string) (*peer, bool) {
	r.mu.Lock()
	p, ok := r.peers[peerID]
	r.mu.Unlock()
	return p, ok
}

// remove closes the entry's connection and deletes it. No-op on a
// missing key.
func (r *registry) remove(peerID string) {
	r.mu.Lock()
	p, ok := r.peers[peerID]
	if ok {
		delete(r.peers, peerID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	close(p.done)
	if err := p.pc.Close(); err != nil {
		log.Printf("CALL [%s]: close: %v", peerID, err)
	}
}

// removeAll is the session-teardown path: every entry at once.
func (r *registry) removeAll() {
	r.mu.Lock()
	peers := r.peers
	r.peers = make(map[string]*peer)
	r.mu.Unlock()

	for id, p := range peers {
		close(p.done)
		if err := p.pc.Close(); err != nil {
			log.Printf("CALL [%s]: close: %v", id, err)
		}
	}
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// attachLocal adds the session's current outgoing tracks to a freshly
// created entry. audio/video may be nil (voice sessions have no video).
// Muted kinds are attached then immediately paused so the m-line exists
// and unmuting is a plain track swap.
func (r *registry) attachLocal(p *peer, audio, video media.Track, audioOff, videoOff bool) {
	if audio != nil {
		if snd, err := p.pc.AddTrack(audio); err != nil {
			log.Printf("CALL [%s]: add audio track: %v", p.id, err)
		} else {
			r.mu.Lock()
			p.audioSnd = append(p.audioSnd, snd)
			r.mu.Unlock()
			if audioOff {
				if err := snd.ReplaceTrack(nil); err != nil {
					log.Printf("CALL [%s]: pause audio: %v", p.id, err)
				}
			}
		}
	}
	if video != nil {
		if snd, err := p.pc.AddTrack(video); err != nil {
			log.Printf("CALL [%s]: add video track: %v", p.id, err)
		} else {
			r.mu.Lock()
			p.videoSnd = append(p.videoSnd, snd)
			r.mu.Unlock()
			if videoOff {
				if err := snd.ReplaceTrack(nil); err != nil {
					log.Printf("CALL [%s]: pause video: %v", p.id, err)
				}
			}
		}
	}
}

// replaceAudio swaps the outgoing audio track on every live entry
// in place; nil pauses sending. Connections are never renegotiated.
func (r *registry) replaceAudio(t media.Track) {
	r.eachSender(func(p *peer) []*webrtc.RTPSender { return p.audioSnd }, t)
}

// replaceVideo swaps the outgoing video track on every live entry in
// place — the screen-share path. Connection identity is preserved.
func (r *registry) replaceVideo(t media.Track) {
	r.eachSender(func(p *peer) []*webrtc.RTPSender { return p.videoSnd }, t)
}

func (r *registry) eachSender(pick func(*peer) []*webrtc.RTPSender, t media.Track) {
	r.mu.Lock()
	type target struct {
		id  string
		snd []*webrtc.RTPSender
	}
	targets := make([]target, 0, len(r.peers))
	for id, p := range r.peers {
		targets = append(targets, target{id, append([]*webrtc.RTPSender(nil), pick(p)...)})
	}
	r.mu.Unlock()

	for _, tg := range targets {
		for _, snd := range tg.snd {
			var local webrtc.TrackLocal
			if t != nil {
				local = t
			}
			if err := snd.ReplaceTrack(local); err != nil {
				log.Printf("CALL [%s]: replace track: %v", tg.id, err)
			}
		}
	}
}

// Info returns the UI view of one entry, or nil if absent.
func (r *registry) Info(peerID string) *PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	if !ok {
		return nil
	}
	return infoLocked(p)
}

// Snapshot returns the UI view of the whole mesh.
func (r *registry) Snapshot() map[string]PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]PeerInfo, len(r.peers))
	for id, p := range r.peers {
		out[id] = *infoLocked(p)
	}
	return out
}

func infoLocked(p *peer) *PeerInfo {
	return &PeerInfo{
		ID:       p.id,
		Nickname: p.nickname,
		Path:     p.path,
		Quality:  p.quality,
		RTT:      p.rtt,
		Sharing:  p.sharing,
		Audio:    p.remAudio,
		Video:    p.remVideo,
	}
}

// pumpTrack reads RTP from a remote track and forwards it to the
// session's sink. Video tracks get periodic PLI keyframe requests;
// audio is withheld while deafened (the local outgoing mute state is
// a separate, independent flag).
func (r *registry) pumpTrack(p *peer, track *webrtc.TrackRemote) {
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go func() {
			ticker := time.NewTicker(pliInterval)
			defer ticker.Stop()
			for {
				select {
				case <-p.done:
					return
				case <-ticker.C:
					err := p.pc.WriteRTCP([]rtcp.Packet{
						&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
					})
					if err != nil {
						return
					}
				}
			}
		}()
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if track.Kind() == webrtc.RTPCodecTypeAudio && r.deafened() {
			continue
		}
		if sink := r.sink(); sink != nil {
			sink(p.id, track.Kind(), pkt)
		}
	}
}
