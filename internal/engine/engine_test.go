package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/callsync/internal/call"
	"github.com/onnwee/callsync/internal/permission"
	"github.com/onnwee/callsync/internal/transport"
)

// fakeTransport records every outbound request and delegates behavior
// to optional per-method hooks. Hooks run on the engine's dispatch
// goroutines, so a hook may block to hold a response in flight.
type fakeTransport struct {
	mu  sync.Mutex
	log []string

	join            func(transport.JoinRequest) (transport.JoinResult, error)
	leave           func(call.InputID, call.AudioSource) error
	editTitle       func(string) error
	toggleRecording func(bool) error
	toggleMuteNew   func(bool) error
	edit            func(transport.ParticipantEdit) error
	load            func(cursor string) (transport.ParticipantsPage, error)
	check           func() error
	speak           func(bool) error
}

func (f *fakeTransport) record(method string) {
	f.mu.Lock()
	f.log = append(f.log, method)
	f.mu.Unlock()
}

func (f *fakeTransport) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.log {
		if m == method {
			n++
		}
	}
	return n
}

func (f *fakeTransport) JoinCall(ctx context.Context, req transport.JoinRequest) (transport.JoinResult, error) {
	f.record("join")
	if f.join != nil {
		return f.join(req)
	}
	return transport.JoinResult{Source: 100}, nil
}

func (f *fakeTransport) LeaveCall(ctx context.Context, id call.InputID, source call.AudioSource) error {
	f.record("leave")
	if f.leave != nil {
		return f.leave(id, source)
	}
	return nil
}

func (f *fakeTransport) EditTitle(ctx context.Context, id call.InputID, title string) error {
	f.record("editTitle")
	if f.editTitle != nil {
		return f.editTitle(title)
	}
	return nil
}

func (f *fakeTransport) ToggleRecording(ctx context.Context, id call.InputID, enabled bool) error {
	f.record("toggleRecording")
	if f.toggleRecording != nil {
		return f.toggleRecording(enabled)
	}
	return nil
}

func (f *fakeTransport) ToggleMuteNew(ctx context.Context, id call.InputID, muteNew bool) error {
	f.record("toggleMuteNew")
	if f.toggleMuteNew != nil {
		return f.toggleMuteNew(muteNew)
	}
	return nil
}

func (f *fakeTransport) EditParticipant(ctx context.Context, edit transport.ParticipantEdit) error {
	f.record("editParticipant")
	if f.edit != nil {
		return f.edit(edit)
	}
	return nil
}

func (f *fakeTransport) LoadParticipants(ctx context.Context, id call.InputID, cursor string, limit int32) (transport.ParticipantsPage, error) {
	f.record("loadParticipants")
	if f.load != nil {
		return f.load(cursor)
	}
	return transport.ParticipantsPage{}, nil
}

func (f *fakeTransport) CheckJoined(ctx context.Context, id call.InputID, source call.AudioSource) error {
	f.record("checkJoined")
	if f.check != nil {
		return f.check()
	}
	return nil
}

func (f *fakeTransport) SendSpeaking(ctx context.Context, id call.InputID, source call.AudioSource, speaking bool) error {
	f.record("sendSpeaking")
	if f.speak != nil {
		return f.speak(speaking)
	}
	return nil
}

// recordSink collects emitted projections for assertions.
type recordSink struct {
	mu    sync.Mutex
	calls []CallSnapshot
	parts []ParticipantUpdate
}

func (s *recordSink) CallUpdated(snap CallSnapshot) {
	s.mu.Lock()
	s.calls = append(s.calls, snap)
	s.mu.Unlock()
}

func (s *recordSink) ParticipantUpdated(up ParticipantUpdate) {
	s.mu.Lock()
	s.parts = append(s.parts, up)
	s.mu.Unlock()
}

func (s *recordSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// lastPart returns the most recent emission for peer, if any.
func (s *recordSink) lastPart(peer call.PeerRef) (ParticipantUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.parts) - 1; i >= 0; i-- {
		if s.parts[i].Peer == peer {
			return s.parts[i], true
		}
	}
	return ParticipantUpdate{}, false
}

// fakeClock is a controllable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// mutableChecker is a permission Checker whose answer tests can flip.
type mutableChecker struct {
	mu    sync.Mutex
	allow bool
}

func (m *mutableChecker) CanManageCalls(call.ChatRef) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allow
}

func (m *mutableChecker) set(allow bool) {
	m.mu.Lock()
	m.allow = allow
	m.mu.Unlock()
}

func newTestEngine(t *testing.T, tr transport.Transport, perms permission.Checker) (*Engine, *recordSink, *fakeClock) {
	t.Helper()
	return newTestEngineCfg(t, Config{}, tr, perms)
}

func newTestEngineCfg(t *testing.T, cfg Config, tr transport.Transport, perms permission.Checker) (*Engine, *recordSink, *fakeClock) {
	t.Helper()
	sink := &recordSink{}
	e, err := New(cfg, tr, perms, sink, nil, NewMetrics())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	clock := newFakeClock()
	e.clock = clock.Now
	return e, sink, clock
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

var (
	testCallID = call.InputID{ServerID: 42, AccessToken: 7}
	testChat   = call.ChatRef("chat-1")
	selfPeer   = call.PeerRef("me")
)

// machineState reads the join machine state under the lock.
func machineState(e *Engine, id call.InputID) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.lookupCall(id)
	if s == nil {
		return "absent"
	}
	return s.state.String()
}

// joinTestCall drives a call to joined with the initial participant
// list applied: self (source 100) plus alice (source 200).
func joinTestCall(t *testing.T, e *Engine, tr *fakeTransport) {
	t.Helper()
	now := e.now().Unix()
	if tr.load == nil {
		tr.load = func(cursor string) (transport.ParticipantsPage, error) {
			return transport.ParticipantsPage{
				Changes: []transport.ParticipantChange{
					{Peer: selfPeer, Source: 100, JoinedAt: now - 100},
					{Peer: "alice", Source: 200, Volume: 9000, JoinedAt: now - 50},
				},
				Version: 5,
				Count:   2,
			}, nil
		}
	}

	done := make(chan error, 1)
	err := e.Join(context.Background(), testCallID, testChat, selfPeer, []byte("offer"), false,
		func(res transport.JoinResult, err error) { done <- err })
	if err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("join completed with error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("join never completed")
	}

	// Fire the debounced resync to pull the initial list.
	e.onTimeout(testCallID, timeoutResync)
	waitFor(t, "initial participant list", func() bool {
		ups, err := e.Participants(testCallID)
		return err == nil && len(ups) == 2
	})
}
