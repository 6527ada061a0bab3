package call

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/parley-chat/parley/internal/proto"
)

func TestQualityBands(t *testing.T) {
	tests := []struct {
		rtt  time.Duration
		want Quality
	}{
		{10 * time.Millisecond, QualityExcellent},
		{99 * time.Millisecond, QualityExcellent},
		{100 * time.Millisecond, QualityGood},
		{299 * time.Millisecond, QualityGood},
		{300 * time.Millisecond, QualityPoor},
		{2 * time.Second, QualityPoor},
	}
	for _, tc := range tests {
		if got := qualityFor(tc.rtt); got != tc.want {
			t.Errorf("qualityFor(%s) = %s, want %s", tc.rtt, got, tc.want)
		}
	}
}

func pairReport(candType webrtc.ICECandidateType, rttSeconds float64) webrtc.StatsReport {
	return webrtc.StatsReport{
		"pair": webrtc.ICECandidatePairStats{
			Type:                 webrtc.StatsTypeCandidatePair,
			Nominated:            true,
			State:                webrtc.StatsICECandidatePairStateSucceeded,
			CurrentRoundTripTime: rttSeconds,
			LocalCandidateID:     "local",
		},
		"local": webrtc.ICECandidateStats{
			Type:          webrtc.StatsTypeLocalCandidate,
			CandidateType: candType,
		},
	}
}

func TestInspectPairClassification(t *testing.T) {
	tests := []struct {
		name string
		typ  webrtc.ICECandidateType
		want PathKind
	}{
		{"host is direct", webrtc.ICECandidateTypeHost, PathDirect},
		{"srflx is reflected", webrtc.ICECandidateTypeSrflx, PathReflected},
		{"prflx is reflected", webrtc.ICECandidateTypePrflx, PathReflected},
		{"relay is relayed", webrtc.ICECandidateTypeRelay, PathRelayed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path, rtt := inspectPair(pairReport(tc.typ, 0.05))
			if path != tc.want {
				t.Fatalf("path = %s, want %s", path, tc.want)
			}
			if rtt != 50*time.Millisecond {
				t.Fatalf("rtt = %s", rtt)
			}
		})
	}
}

func TestInspectPairIgnoresNonNominated(t *testing.T) {
	report := webrtc.StatsReport{
		"pair": webrtc.ICECandidatePairStats{
			Type:                 webrtc.StatsTypeCandidatePair,
			Nominated:            false,
			State:                webrtc.StatsICECandidatePairStateSucceeded,
			CurrentRoundTripTime: 0.05,
		},
	}
	if path, rtt := inspectPair(report); path != PathUnknown || rtt != 0 {
		t.Fatalf("got %s/%s from non-nominated pair", path, rtt)
	}

	report = webrtc.StatsReport{
		"pair": webrtc.ICECandidatePairStats{
			Type:      webrtc.StatsTypeCandidatePair,
			Nominated: true,
			State:     webrtc.StatsICECandidatePairStateInProgress,
		},
	}
	if path, rtt := inspectPair(report); path != PathUnknown || rtt != 0 {
		t.Fatalf("got %s/%s from in-progress pair", path, rtt)
	}
}

func TestFailedConnectionRemovedAndReannounced(t *testing.T) {
	v, fake := activeVoice(t)
	remote := newRemotePeer(t, "peerB")
	joinRemote(t, v.session, fake, remote)

	events := v.Subscribe()
	defer v.Unsubscribe(events)

	v.session.mon.onConnectionState("peerB", webrtc.PeerConnectionStateFailed)

	waitFor(t, "failed peer removed", func() bool {
		return len(v.Peers()) == 0
	})
	waitFor(t, "peer-left event", func() bool {
		select {
		case e := <-events:
			return e.Type == EventPeerLeft && e.PeerID == "peerB"
		default:
			return false
		}
	})
	// Within the attempt budget the session re-announces itself so the
	// mesh renegotiates from scratch.
	waitFor(t, "rejoin broadcast", func() bool {
		return len(fake.sentOfType(proto.TypeJoin)) == 2
	})
}

func TestReconnectAttemptsBounded(t *testing.T) {
	v, fake := activeVoice(t)
	remote := newRemotePeer(t, "peerB")
	joinRemote(t, v.session, fake, remote)

	v.session.mon.onConnectionState("peerB", webrtc.PeerConnectionStateFailed)
	waitFor(t, "first rejoin broadcast", func() bool {
		return len(fake.sentOfType(proto.TypeJoin)) == 2
	})

	// The peer comes back, then fails again. The single-attempt budget
	// is spent, so no further announce happens.
	remote2 := newRemotePeer(t, "peerB")
	joinRemote(t, v.session, fake, remote2)
	v.session.mon.onConnectionState("peerB", webrtc.PeerConnectionStateFailed)
	waitFor(t, "second failure removal", func() bool {
		return len(v.Peers()) == 0
	})

	time.Sleep(4 * v.session.tun.ReconnectDelay)
	if n := len(fake.sentOfType(proto.TypeJoin)); n != 2 {
		t.Fatalf("join broadcasts = %d, want 2 (budget exhausted)", n)
	}
}

func TestDisconnectGraceKeepsRecoveredPeer(t *testing.T) {
	v, fake := activeVoice(t)
	remote := newRemotePeer(t, "peerB")
	joinRemote(t, v.session, fake, remote)

	// The connection reports disconnected but recovers before the grace
	// period ends (its reported state here never actually reaches
	// disconnected, which is exactly the recovered case).
	v.session.mon.onConnectionState("peerB", webrtc.PeerConnectionStateDisconnected)
	time.Sleep(2 * v.session.tun.DisconnectGrace)

	if _, ok := v.session.reg.get("peerB"); !ok {
		t.Fatal("recovered peer was removed")
	}
}

func TestMonitorStopCancelsTimers(t *testing.T) {
	v, fake := activeVoice(t)
	remote := newRemotePeer(t, "peerB")
	joinRemote(t, v.session, fake, remote)

	mon := v.session.mon
	v.session.mon.onConnectionState("peerB", webrtc.PeerConnectionStateDisconnected)
	mon.stop()
	mon.stop() // idempotent

	time.Sleep(2 * v.session.tun.DisconnectGrace)
	if _, ok := v.session.reg.get("peerB"); !ok {
		t.Fatal("stopped monitor still removed a peer")
	}
}
