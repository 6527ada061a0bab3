package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/parley-chat/parley/internal/media"
	"github.com/parley-chat/parley/internal/proto"
)

// fakeChannel is a scripted transport: Send records, Receive is fed by
// the test.
type fakeChannel struct {
	mu      sync.Mutex
	sent    []*proto.Message
	recv    chan *proto.Message
	closed  bool
	sendErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{recv: make(chan *proto.Message, 64)}
}

func (c *fakeChannel) Send(m *proto.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("channel closed")
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, m)
	return nil
}

func (c *fakeChannel) Receive() <-chan *proto.Message { return c.recv }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.recv)
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) push(m *proto.Message) { c.recv <- m }

func (c *fakeChannel) sentOfType(typ string) []*proto.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*proto.Message
	for _, m := range c.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeChannel) lastSent() *proto.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

// recordingPresence counts store calls so tests can check that join
// failures do not strand a participant record.
type recordingPresence struct {
	mu      sync.Mutex
	upserts int
	deletes int
}

func (r *recordingPresence) UpsertParticipant(context.Context, string, string, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++
	return nil
}

func (r *recordingPresence) SetParticipantFlags(context.Context, string, string, bool, bool) error {
	return nil
}

func (r *recordingPresence) DeleteParticipant(context.Context, string, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes++
	return nil
}

func (r *recordingPresence) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upserts, r.deletes
}

func fastTunables() Tunables {
	return Tunables{
		StatsInterval:     50 * time.Millisecond,
		PathProbeDelay:    10 * time.Millisecond,
		DisconnectGrace:   60 * time.Millisecond,
		ReconnectDelay:    20 * time.Millisecond,
		ReconnectAttempts: 1,
	}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestVoice(t *testing.T) (*Voice, *fakeChannel, *media.StaticSource) {
	t.Helper()
	fake := newFakeChannel()
	src := media.NewStaticSource()
	opener := func(context.Context, string) (Channel, error) { return fake, nil }
	v := NewVoice("self", "me", "room", opener, src, nil, nil, fastTunables())
	t.Cleanup(func() { v.Leave(context.Background()) })
	return v, fake, src
}

func newTestVideo(t *testing.T) (*Video, *fakeChannel, *media.StaticSource) {
	t.Helper()
	fake := newFakeChannel()
	src := media.NewStaticSource()
	opener := func(context.Context, string) (Channel, error) { return fake, nil }
	v := NewVideo("self", "me", "room", opener, src, nil, nil, fastTunables())
	t.Cleanup(func() { v.Leave(context.Background()) })
	return v, fake, src
}

func TestJoinAnnounces(t *testing.T) {
	v, fake, _ := newTestVoice(t)
	ctx := context.Background()

	if st := v.State(); st != StateIdle {
		t.Fatalf("initial state = %s", st)
	}
	if err := v.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}
	if st := v.State(); st != StateActive {
		t.Fatalf("state after join = %s", st)
	}

	joins := fake.sentOfType(proto.TypeJoin)
	if len(joins) != 1 {
		t.Fatalf("join broadcasts = %d, want 1", len(joins))
	}
	if joins[0].From != "self" || joins[0].Nickname != "me" {
		t.Fatalf("join message = %+v", joins[0])
	}

	if err := v.Join(ctx); !errors.Is(err, ErrSessionState) {
		t.Fatalf("second join = %v, want ErrSessionState", err)
	}
}

func TestLeaveAnnouncesAndTearsDown(t *testing.T) {
	v, fake, _ := newTestVoice(t)
	ctx := context.Background()
	if err := v.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := v.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if st := v.State(); st != StateIdle {
		t.Fatalf("state after leave = %s", st)
	}
	if got := fake.sentOfType(proto.TypeLeave); len(got) != 1 {
		t.Fatalf("leave broadcasts = %d, want 1", len(got))
	}
	if !fake.isClosed() {
		t.Fatal("channel not closed after leave")
	}
	if n := len(v.Peers()); n != 0 {
		t.Fatalf("peers after leave = %d", n)
	}

	// Idempotent.
	if err := v.Leave(ctx); err != nil {
		t.Fatalf("second leave = %v", err)
	}
}

func TestJoinMediaFailureRollsBack(t *testing.T) {
	fake := newFakeChannel()
	src := media.NewStaticSource()
	src.FailAcquire = media.ErrDeviceUnavailable
	opened := false
	opener := func(context.Context, string) (Channel, error) {
		opened = true
		return fake, nil
	}
	v := NewVoice("self", "me", "room", opener, src, nil, nil, fastTunables())

	err := v.Join(context.Background())
	if !errors.Is(err, media.ErrDeviceUnavailable) {
		t.Fatalf("join = %v, want ErrDeviceUnavailable", err)
	}
	if v.State() != StateIdle {
		t.Fatalf("state = %s, want idle", v.State())
	}
	if opened {
		t.Fatal("channel opened despite media failure")
	}

	// Recoverable: a later join with working media succeeds.
	src.FailAcquire = nil
	if err := v.Join(context.Background()); err != nil {
		t.Fatalf("retry join: %v", err)
	}
	v.Leave(context.Background())
}

func TestJoinChannelFailureRollsBack(t *testing.T) {
	src := media.NewStaticSource()
	opener := func(context.Context, string) (Channel, error) {
		return nil, fmt.Errorf("relay unreachable")
	}
	v := NewVoice("self", "me", "room", opener, src, nil, nil, fastTunables())

	if err := v.Join(context.Background()); err == nil {
		t.Fatal("expected join failure")
	}
	if v.State() != StateIdle {
		t.Fatalf("state = %s, want idle", v.State())
	}
}

func TestMuteAndDeafenIndependent(t *testing.T) {
	v, _, _ := newTestVoice(t)
	ctx := context.Background()
	if err := v.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}

	if v.Muted() || v.Deafened() {
		t.Fatal("flags set before any toggle")
	}
	if !v.ToggleMute(ctx) {
		t.Fatal("first mute toggle should report muted")
	}
	if v.Deafened() {
		t.Fatal("mute changed deafen")
	}
	if !v.ToggleDeafen() {
		t.Fatal("first deafen toggle should report deafened")
	}
	if !v.Muted() {
		t.Fatal("deafen changed mute")
	}
	if v.ToggleMute(ctx) {
		t.Fatal("second mute toggle should report unmuted")
	}
	if !v.Deafened() {
		t.Fatal("unmute changed deafen")
	}
}

func TestVoiceRejectsVideoOperations(t *testing.T) {
	v, _, _ := newTestVoice(t)
	ctx := context.Background()
	if _, err := v.ToggleVideo(ctx); !errors.Is(err, ErrVoiceOnly) {
		t.Fatalf("ToggleVideo = %v", err)
	}
	if err := v.StartScreenShare(ctx); !errors.Is(err, ErrVoiceOnly) {
		t.Fatalf("StartScreenShare = %v", err)
	}
	if err := v.StopScreenShare(ctx); !errors.Is(err, ErrVoiceOnly) {
		t.Fatalf("StopScreenShare = %v", err)
	}
}

func TestEventsOnLifecycle(t *testing.T) {
	v, _, _ := newTestVoice(t)
	events := v.Subscribe()
	defer v.Unsubscribe(events)
	ctx := context.Background()

	if err := v.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}
	seen := drainStates(events)
	if len(seen) < 2 || seen[0] != StateJoining || seen[len(seen)-1] != StateActive {
		t.Fatalf("join states = %v", seen)
	}

	if err := v.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	seen = drainStates(events)
	if len(seen) < 2 || seen[0] != StateLeaving || seen[len(seen)-1] != StateIdle {
		t.Fatalf("leave states = %v", seen)
	}
}

func drainStates(events chan Event) []State {
	var out []State
	for {
		select {
		case e := <-events:
			if e.Type == EventState {
				out = append(out, e.State)
			}
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

func TestDiagnosticsRecorded(t *testing.T) {
	v, _, _ := newTestVoice(t)
	ctx := context.Background()
	if err := v.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}
	v.ToggleMute(ctx)
	v.Leave(ctx)

	lines := v.Diagnostics()
	if len(lines) == 0 {
		t.Fatal("no diagnostics recorded")
	}
}

func TestJoinAnnounceFailureLeavesNoPresence(t *testing.T) {
	fake := newFakeChannel()
	fake.sendErr = errors.New("relay unreachable")
	src := media.NewStaticSource()
	rec := &recordingPresence{}
	opener := func(context.Context, string) (Channel, error) { return fake, nil }
	v := NewVoice("self", "me", "room", opener, src, rec, nil, fastTunables())

	if err := v.Join(context.Background()); err == nil {
		t.Fatal("join succeeded with a dead channel")
	}
	if st := v.State(); st != StateIdle {
		t.Fatalf("state after failed join = %s", st)
	}
	if !fake.isClosed() {
		t.Fatal("channel left open after failed join")
	}
	ups, dels := rec.counts()
	if ups != 1 || dels != 1 {
		t.Fatalf("presence upserts=%d deletes=%d, want the record removed", ups, dels)
	}
}

func TestLeaveCancelsInFlightJoin(t *testing.T) {
	fake := newFakeChannel()
	src := media.NewStaticSource()
	rec := &recordingPresence{}
	entered := make(chan struct{})
	release := make(chan struct{})
	opener := func(context.Context, string) (Channel, error) {
		close(entered)
		<-release
		return fake, nil
	}
	v := NewVoice("self", "me", "room", opener, src, rec, nil, fastTunables())

	errc := make(chan error, 1)
	go func() { errc <- v.Join(context.Background()) }()
	<-entered

	if err := v.Leave(context.Background()); err != nil {
		t.Fatalf("leave during join: %v", err)
	}
	close(release)

	if err := <-errc; !errors.Is(err, ErrSessionState) {
		t.Fatalf("cancelled join = %v, want ErrSessionState", err)
	}
	if st := v.State(); st != StateIdle {
		t.Fatalf("state after cancelled join = %s", st)
	}
	if !fake.isClosed() {
		t.Fatal("channel left open by cancelled join")
	}
	_, dels := rec.counts()
	if dels == 0 {
		t.Fatal("cancelled join left the participant record behind")
	}
}
