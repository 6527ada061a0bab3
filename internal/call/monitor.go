package call

import (
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/parley-chat/parley/internal/proto"
)

// Quality bands derived from the nominated pair's round-trip time.
const (
	rttExcellent = 100 * time.Millisecond
	rttGood      = 300 * time.Millisecond
)

// monitor watches connection state and periodic stats for every peer of
// one session. It owns teardown of unhealthy connections: the signaling
// layer never removes a peer for transport reasons.
type monitor struct {
	s   *session
	reg *registry
	gen uint64

	mu       sync.Mutex
	stopped  bool
	stopCh   chan struct{}
	grace    map[string]*time.Timer
	probes   map[string]*time.Timer
	attempts map[string]int
}

func newMonitor(s *session, gen uint64) *monitor {
	return &monitor{
		s:        s,
		gen:      gen,
		stopCh:   make(chan struct{}),
		grace:    make(map[string]*time.Timer),
		probes:   make(map[string]*time.Timer),
		attempts: make(map[string]int),
	}
}

func (m *monitor) start() {
	go m.run()
}

func (m *monitor) run() {
	ticker := time.NewTicker(m.s.tun.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.statsPass()
		}
	}
}

func (m *monitor) stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.stopCh)
	for _, t := range m.grace {
		t.Stop()
	}
	for _, t := range m.probes {
		t.Stop()
	}
	m.grace = map[string]*time.Timer{}
	m.probes = map[string]*time.Timer{}
	m.mu.Unlock()
}

// onConnectionState runs on pion's signaling goroutine for the affected
// connection. Work that needs the peer gone or re-announced is deferred
// to timers so we never call back into the connection from its own
// callback.
func (m *monitor) onConnectionState(peerID string, st webrtc.PeerConnectionState) {
	switch st {
	case webrtc.PeerConnectionStateConnected:
		m.cancelGrace(peerID)
		m.mu.Lock()
		delete(m.attempts, peerID)
		stopped := m.stopped
		if !stopped {
			if t, ok := m.probes[peerID]; ok {
				t.Stop()
			}
			m.probes[peerID] = time.AfterFunc(m.s.tun.PathProbeDelay, func() {
				m.classifyPath(peerID)
			})
		}
		m.mu.Unlock()
		m.s.diagf("peer %s connected", peerID)

	case webrtc.PeerConnectionStateDisconnected:
		// Often transient (a route change, brief packet loss). Give ICE
		// a window to recover before declaring the peer gone.
		m.mu.Lock()
		if !m.stopped {
			if _, ok := m.grace[peerID]; !ok {
				m.grace[peerID] = time.AfterFunc(m.s.tun.DisconnectGrace, func() {
					m.graceExpired(peerID)
				})
			}
		}
		m.mu.Unlock()
		m.s.diagf("peer %s disconnected, grace %s", peerID, m.s.tun.DisconnectGrace)

	case webrtc.PeerConnectionStateFailed:
		m.cancelGrace(peerID)
		go m.handleFailed(peerID)
	}
}

func (m *monitor) cancelGrace(peerID string) {
	m.mu.Lock()
	if t, ok := m.grace[peerID]; ok {
		t.Stop()
		delete(m.grace, peerID)
	}
	m.mu.Unlock()
}

// graceExpired fires when a disconnected peer did not recover in time.
func (m *monitor) graceExpired(peerID string) {
	m.mu.Lock()
	delete(m.grace, peerID)
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return
	}
	p, ok := m.reg.get(peerID)
	if !ok {
		return
	}
	if p.pc.ConnectionState() != webrtc.PeerConnectionStateDisconnected {
		return
	}
	log.Printf("CALL [%s]: disconnect grace expired, removing", peerID)
	m.s.diagf("peer %s removed after disconnect grace", peerID)
	m.reg.remove(peerID)
	m.s.emit(Event{Type: EventPeerLeft, PeerID: peerID})
}

// handleFailed tears down a failed connection and, within the
// configured attempt budget, re-announces this participant so the mesh
// renegotiates a fresh connection from a clean slate.
func (m *monitor) handleFailed(peerID string) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	used := m.attempts[peerID]
	retry := used < m.s.tun.ReconnectAttempts
	if retry {
		m.attempts[peerID] = used + 1
	}
	m.mu.Unlock()

	if _, ok := m.reg.get(peerID); !ok {
		return
	}
	log.Printf("CALL [%s]: connection failed", peerID)
	m.s.diagf("peer %s failed (attempts used %d/%d)", peerID, used, m.s.tun.ReconnectAttempts)
	m.reg.remove(peerID)
	m.s.emit(Event{Type: EventPeerLeft, PeerID: peerID})

	if !retry {
		return
	}
	time.AfterFunc(m.s.tun.ReconnectDelay, func() {
		m.s.mu.Lock()
		ok := m.s.gen == m.gen && m.s.state == StateActive
		ch := m.s.ch
		m.s.mu.Unlock()
		if !ok || ch == nil {
			return
		}
		m.s.diagf("re-announcing after failure of %s", peerID)
		if err := ch.Send(proto.NewJoin(m.s.self, m.s.nickname)); err != nil {
			log.Printf("CALL [%s]: reconnect announce: %v", peerID, err)
		}
	})
}

// classifyPath inspects the nominated candidate pair once, shortly
// after the connection comes up, and labels the route for the UI.
func (m *monitor) classifyPath(peerID string) {
	m.mu.Lock()
	delete(m.probes, peerID)
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return
	}
	p, ok := m.reg.get(peerID)
	if !ok {
		return
	}

	path, rtt := inspectPair(p.pc.GetStats())
	if path == PathUnknown {
		return
	}

	m.reg.mu.Lock()
	p.path = path
	if rtt > 0 {
		p.rtt = rtt
		p.quality = qualityFor(rtt)
	}
	m.reg.mu.Unlock()
	m.s.diagf("peer %s path=%s rtt=%s", peerID, path, rtt)
	m.s.emit(Event{Type: EventPeerUpdated, PeerID: peerID, Peer: m.reg.Info(peerID)})
}

// statsPass refreshes RTT and the quality band for every live peer.
func (m *monitor) statsPass() {
	type entry struct {
		id string
		p  *peer
	}
	m.reg.mu.Lock()
	entries := make([]entry, 0, len(m.reg.peers))
	for id, p := range m.reg.peers {
		entries = append(entries, entry{id, p})
	}
	m.reg.mu.Unlock()

	for _, e := range entries {
		if e.p.pc.ConnectionState() != webrtc.PeerConnectionStateConnected {
			continue
		}
		path, rtt := inspectPair(e.p.pc.GetStats())
		if rtt <= 0 {
			continue
		}
		q := qualityFor(rtt)

		m.reg.mu.Lock()
		changed := e.p.quality != q || e.p.path != path
		e.p.rtt = rtt
		e.p.quality = q
		if path != PathUnknown {
			e.p.path = path
		}
		m.reg.mu.Unlock()

		if changed {
			m.s.emit(Event{Type: EventPeerUpdated, PeerID: e.id, Peer: m.reg.Info(e.id)})
		}
	}
}

// inspectPair walks a stats report for the nominated, succeeded
// candidate pair and classifies the local candidate's type.
func inspectPair(report webrtc.StatsReport) (PathKind, time.Duration) {
	for _, st := range report {
		pair, ok := st.(webrtc.ICECandidatePairStats)
		if !ok || !pair.Nominated || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		rtt := time.Duration(pair.CurrentRoundTripTime * float64(time.Second))
		path := PathUnknown
		if local, ok := report[pair.LocalCandidateID].(webrtc.ICECandidateStats); ok {
			switch local.CandidateType {
			case webrtc.ICECandidateTypeHost:
				path = PathDirect
			case webrtc.ICECandidateTypeSrflx, webrtc.ICECandidateTypePrflx:
				path = PathReflected
			case webrtc.ICECandidateTypeRelay:
				path = PathRelayed
			}
		}
		return path, rtt
	}
	return PathUnknown, 0
}

func qualityFor(rtt time.Duration) Quality {
	switch {
	case rtt < rttExcellent:
		return QualityExcellent
	case rtt < rttGood:
		return QualityGood
	default:
		return QualityPoor
	}
}
