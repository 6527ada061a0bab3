package call

import (
	"log"

	"github.com/pion/webrtc/v4"

	"github.com/parley-chat/parley/internal/proto"
)

// dispatch routes one validated, addressed-to-us signaling message.
// Runs only on the pump goroutine, so handlers are never reentered.
// Messages outside the active state are dropped: before our own Join
// broadcast nobody can be responding to us, and anything a peer sends
// on seeing the broadcast arrives once we are active. Handling a
// peer's Join early would create crossed offers instead.
func (s *session) dispatch(m *proto.Message, reg *registry, gen uint64) {
	s.mu.Lock()
	drop := s.gen != gen || s.state != StateActive
	s.mu.Unlock()
	if drop {
		return
	}

	switch m.Type {
	case proto.TypeJoin:
		s.handleJoin(m, reg)
	case proto.TypeOffer:
		s.handleOffer(m, reg)
	case proto.TypeAnswer:
		s.handleAnswer(m, reg)
	case proto.TypeICECandidate:
		s.handleCandidate(m, reg)
	case proto.TypeLeave:
		s.handleLeave(m, reg)
	case proto.TypeScreenShareStart, proto.TypeScreenShareStop:
		s.handleScreenShare(m, reg)
	}
}

// handleJoin: a participant announced themselves, so the receiving side
// initiates the offer. Existing members each do this independently,
// which is what builds the full mesh. Two members joining at the same
// time each see the other's announce and offer at once; the identity
// tie-break in handleOffer collapses that to a single negotiation.
func (s *session) handleJoin(m *proto.Message, reg *registry) {
	if p, ok := reg.get(m.From); ok {
		st := p.pc.ConnectionState()
		switch st {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
			// The peer restarted their side; drop the dead entry and
			// negotiate fresh.
			s.diagf("rejoin from %s (was %s)", m.From, st)
			reg.remove(m.From)
			s.emit(Event{Type: EventPeerLeft, PeerID: m.From})
		default:
			// Duplicate announce on a live connection: refresh the
			// nickname, do not renegotiate.
			reg.mu.Lock()
			p.nickname = m.Nickname
			reg.mu.Unlock()
			return
		}
	}

	p, created, err := reg.getOrCreate(m.From)
	if err != nil {
		log.Printf("CALL [%s]: create on join: %v", m.From, err)
		return
	}
	if !created {
		return
	}
	reg.mu.Lock()
	p.nickname = m.Nickname
	reg.mu.Unlock()

	s.attachCurrentTracks(reg, p)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		log.Printf("CALL [%s]: create offer: %v", m.From, err)
		reg.remove(m.From)
		return
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		log.Printf("CALL [%s]: set local offer: %v", m.From, err)
		reg.remove(m.From)
		return
	}
	if err := s.sendOn(reg, proto.NewOffer(s.self, m.From, offer)); err != nil {
		log.Printf("CALL [%s]: send offer: %v", m.From, err)
		reg.remove(m.From)
		return
	}
	s.diagf("offered to %s", m.From)
	s.emit(Event{Type: EventPeerJoined, PeerID: m.From, Peer: reg.Info(m.From)})
}

// handleOffer: the joining side answers offers from existing members.
func (s *session) handleOffer(m *proto.Message, reg *registry) {
	p, created, err := reg.getOrCreate(m.From)
	if err != nil {
		log.Printf("CALL [%s]: create on offer: %v", m.From, err)
		return
	}
	if !created && p.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		// Crossed offers: both sides announced at the same time and each
		// offered to the other. The lower identity keeps its offer; the
		// higher one discards its own and answers instead, so exactly one
		// negotiation survives on both sides.
		if s.self < m.From {
			log.Printf("CALL [%s]: crossed offer, keeping ours", m.From)
			return
		}
		log.Printf("CALL [%s]: crossed offer, yielding", m.From)
		reg.mu.Lock()
		nick := p.nickname
		reg.mu.Unlock()
		reg.remove(m.From)
		p, _, err = reg.getOrCreate(m.From)
		if err != nil {
			log.Printf("CALL [%s]: recreate on crossed offer: %v", m.From, err)
			return
		}
		reg.mu.Lock()
		p.nickname = nick
		reg.mu.Unlock()
		s.attachCurrentTracks(reg, p)
	}
	if created {
		reg.mu.Lock()
		p.nickname = m.Nickname
		reg.mu.Unlock()
		s.attachCurrentTracks(reg, p)
	}

	if err := p.pc.SetRemoteDescription(*m.Payload.SDP); err != nil {
		log.Printf("CALL [%s]: set remote offer: %v", m.From, err)
		reg.remove(m.From)
		return
	}
	s.flushCandidates(reg, p)

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		log.Printf("CALL [%s]: create answer: %v", m.From, err)
		reg.remove(m.From)
		return
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		log.Printf("CALL [%s]: set local answer: %v", m.From, err)
		reg.remove(m.From)
		return
	}
	if err := s.sendOn(reg, proto.NewAnswer(s.self, m.From, answer)); err != nil {
		log.Printf("CALL [%s]: send answer: %v", m.From, err)
		reg.remove(m.From)
		return
	}
	s.diagf("answered %s", m.From)
	if created {
		s.emit(Event{Type: EventPeerJoined, PeerID: m.From, Peer: reg.Info(m.From)})
	}
}

// handleAnswer completes a negotiation we initiated. An answer is only
// applied while our offer is outstanding; a duplicate or unsolicited
// answer is logged and dropped rather than corrupting the connection.
func (s *session) handleAnswer(m *proto.Message, reg *registry) {
	p, ok := reg.get(m.From)
	if !ok {
		log.Printf("CALL [%s]: answer for unknown peer", m.From)
		return
	}
	if p.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		log.Printf("CALL [%s]: unexpected answer in state %s", m.From, p.pc.SignalingState())
		return
	}
	if err := p.pc.SetRemoteDescription(*m.Payload.SDP); err != nil {
		log.Printf("CALL [%s]: set remote answer: %v", m.From, err)
		reg.remove(m.From)
		s.emit(Event{Type: EventPeerLeft, PeerID: m.From})
		return
	}
	s.flushCandidates(reg, p)
	s.diagf("answer applied from %s", m.From)
}

// handleCandidate adds a remote ICE candidate, buffering it when it
// arrives ahead of the session description it belongs to.
func (s *session) handleCandidate(m *proto.Message, reg *registry) {
	p, ok := reg.get(m.From)
	if !ok {
		// Candidate raced ahead of the offer; the sender will trickle
		// more once negotiation starts, so dropping this one is safe.
		return
	}
	cand := *m.Payload.Candidate

	reg.mu.Lock()
	if !p.hasRemote {
		p.pending = append(p.pending, cand)
		reg.mu.Unlock()
		return
	}
	reg.mu.Unlock()

	if err := p.pc.AddICECandidate(cand); err != nil {
		log.Printf("CALL [%s]: add candidate: %v", m.From, err)
	}
}

// flushCandidates marks the remote description applied and drains any
// candidates that arrived before it.
func (s *session) flushCandidates(reg *registry, p *peer) {
	reg.mu.Lock()
	p.hasRemote = true
	pending := p.pending
	p.pending = nil
	reg.mu.Unlock()

	for _, cand := range pending {
		if err := p.pc.AddICECandidate(cand); err != nil {
			log.Printf("CALL [%s]: add buffered candidate: %v", p.id, err)
		}
	}
}

func (s *session) handleLeave(m *proto.Message, reg *registry) {
	if _, ok := reg.get(m.From); !ok {
		return
	}
	reg.remove(m.From)
	s.diagf("peer %s left", m.From)
	s.emit(Event{Type: EventPeerLeft, PeerID: m.From})
}

// handleScreenShare is informational: the actual media arrives as a
// track replacement on the existing video sender, so only the display
// flag changes here.
func (s *session) handleScreenShare(m *proto.Message, reg *registry) {
	p, ok := reg.get(m.From)
	if !ok {
		return
	}
	active := m.Type == proto.TypeScreenShareStart
	reg.mu.Lock()
	p.sharing = active
	reg.mu.Unlock()
	s.emit(Event{Type: EventScreenShare, PeerID: m.From, Peer: reg.Info(m.From)})
}

// attachCurrentTracks adds the session's current outgoing tracks,
// honoring the mute and video flags at attach time. During a screen
// share the share track is the current video track, so late joiners
// receive the share like everyone else.
func (s *session) attachCurrentTracks(reg *registry, p *peer) {
	s.mu.Lock()
	audio, video := s.audio, s.video
	muted, videoOff := s.muted, s.videoOff
	s.mu.Unlock()
	reg.attachLocal(p, audio, video, muted, videoOff)
}

// sendOn routes outbound signaling through the channel captured at join
// time so a racing teardown cannot swap it out from under a handler.
func (s *session) sendOn(reg *registry, m *proto.Message) error {
	return reg.send(m)
}
