package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/callsync/internal/call"
)

func testClientConfig(url string) Config {
	return Config{
		URL:            url,
		ClientID:       "calld-test",
		Secret:         "test-secret-at-least-32-bytes-xx",
		BaseDelay:      10 * time.Millisecond,
		MaxDelay:       50 * time.Millisecond,
		JitterFactor:   0,
		RequestTimeout: 2 * time.Second,
	}
}

// gatewayServer is a fake signaling gateway for client tests. It
// answers each request frame through respond and can push frames to the
// connected client.
type gatewayServer struct {
	t       *testing.T
	srv     *httptest.Server
	respond func(f *Frame) *Frame

	mu        sync.Mutex
	conn      *websocket.Conn
	connected chan struct{}
}

func newGatewayServer(t *testing.T, respond func(f *Frame) *Frame) *gatewayServer {
	gs := &gatewayServer{t: t, respond: respond, connected: make(chan struct{}, 4)}
	upgrader := websocket.Upgrader{}
	gs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		gs.mu.Lock()
		gs.conn = conn
		gs.mu.Unlock()
		gs.connected <- struct{}{}

		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := DecodeFrame(payload)
			if err != nil {
				t.Errorf("server received undecodable frame: %v", err)
				continue
			}
			if gs.respond == nil {
				continue
			}
			if resp := gs.respond(frame); resp != nil {
				gs.push(resp)
			}
		}
	}))
	t.Cleanup(gs.srv.Close)
	return gs
}

func (gs *gatewayServer) url() string {
	return "ws" + strings.TrimPrefix(gs.srv.URL, "http")
}

func (gs *gatewayServer) push(f *Frame) {
	data, err := EncodeFrame(f)
	if err != nil {
		gs.t.Errorf("encode push frame: %v", err)
		return
	}
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.conn == nil {
		gs.t.Error("push before client connected")
		return
	}
	if err := gs.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		gs.t.Logf("push write failed: %v", err)
	}
}

func (gs *gatewayServer) dropConnection() {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.conn != nil {
		_ = gs.conn.Close()
		gs.conn = nil
	}
}

// recordingHandler collects pushed updates for assertions.
type recordingHandler struct {
	mu           sync.Mutex
	participants []call.InputID
	calls        []CallState
}

func (h *recordingHandler) HandleParticipantsUpdate(id call.InputID, changes []ParticipantChange, version int32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.participants = append(h.participants, id)
}

func (h *recordingHandler) HandleCallUpdate(state CallState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, state)
}

func startClient(t *testing.T, gs *gatewayServer, handler UpdateHandler) *Client {
	client, err := NewClient(testClientConfig(gs.url()), handler, nil)
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = client.Run(ctx) }()

	select {
	case <-gs.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not connect")
	}
	deadline := time.Now().Add(2 * time.Second)
	for !client.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("client did not report connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return client
}

func TestClient_RPCRoundTrip(t *testing.T) {
	gs := newGatewayServer(t, func(f *Frame) *Frame {
		if f.Kind != FrameRequest {
			return nil
		}
		switch f.Method {
		case methodEditTitle:
			return &Frame{Kind: FrameResponse, ID: f.ID}
		case methodLoadParticipants:
			body, _ := EncodeBody(ParticipantsPage{
				Changes: []ParticipantChange{{Peer: "alice", Source: 100, JoinedAt: 1700000000}},
				Version: 9,
				Count:   1,
			})
			return &Frame{Kind: FrameResponse, ID: f.ID, Body: body}
		default:
			return &Frame{Kind: FrameResponse, ID: f.ID, Failure: &Error{Code: "UNKNOWN_METHOD"}}
		}
	})

	client := startClient(t, gs, nil)
	id := call.InputID{ServerID: 42, AccessToken: 7}

	if err := client.EditTitle(context.Background(), id, "standup"); err != nil {
		t.Fatalf("EditTitle() error: %v", err)
	}

	page, err := client.LoadParticipants(context.Background(), id, "", 100)
	if err != nil {
		t.Fatalf("LoadParticipants() error: %v", err)
	}
	if page.Version != 9 || len(page.Changes) != 1 || page.Changes[0].Peer != "alice" {
		t.Errorf("page = %+v, want version 9 with alice", page)
	}
}

func TestClient_CanManageCalls(t *testing.T) {
	gs := newGatewayServer(t, func(f *Frame) *Frame {
		if f.Kind != FrameRequest || f.Method != methodCanManage {
			return nil
		}
		var req struct {
			Chat call.ChatRef `cbor:"chat"`
		}
		if err := DecodeBody(f.Body, &req); err != nil {
			t.Errorf("decode canManage body: %v", err)
		}
		body, _ := EncodeBody(struct {
			CanManage bool `cbor:"can_manage"`
		}{req.Chat == "chat-admin"})
		return &Frame{Kind: FrameResponse, ID: f.ID, Body: body}
	})

	client := startClient(t, gs, nil)

	can, err := client.CanManageCalls(context.Background(), "chat-admin")
	if err != nil || !can {
		t.Errorf("CanManageCalls(chat-admin) = %v, %v, want true", can, err)
	}
	can, err = client.CanManageCalls(context.Background(), "chat-member")
	if err != nil || can {
		t.Errorf("CanManageCalls(chat-member) = %v, %v, want false", can, err)
	}
}

func TestClient_FailureCode(t *testing.T) {
	gs := newGatewayServer(t, func(f *Frame) *Frame {
		if f.Kind != FrameRequest {
			return nil
		}
		return &Frame{Kind: FrameResponse, ID: f.ID, Failure: &Error{Code: CodeNotParticipant}}
	})

	client := startClient(t, gs, nil)
	id := call.InputID{ServerID: 42, AccessToken: 7}

	err := client.CheckJoined(context.Background(), id, 100)
	if !IsCode(err, CodeNotParticipant) {
		t.Errorf("CheckJoined() = %v, want %s", err, CodeNotParticipant)
	}
}

func TestClient_PushRouting(t *testing.T) {
	gs := newGatewayServer(t, nil)
	handler := &recordingHandler{}
	startClient(t, gs, handler)

	gs.push(&Frame{
		Kind:         FrameParticipants,
		CallID:       42,
		AccessToken:  7,
		Version:      3,
		Participants: []ParticipantChange{{Peer: "alice", Source: 100, JoinedAt: 1700000000}},
	})
	gs.push(&Frame{
		Kind: FrameCall,
		Call: &CallState{ID: call.InputID{ServerID: 42, AccessToken: 7}, Version: 4, Title: "standup"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		handler.mu.Lock()
		done := len(handler.participants) == 1 && len(handler.calls) == 1
		handler.mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.participants) != 1 || handler.participants[0].ServerID != 42 {
		t.Errorf("participants updates = %+v, want one for call 42", handler.participants)
	}
	if len(handler.calls) != 1 || handler.calls[0].Title != "standup" {
		t.Errorf("call updates = %+v, want one titled standup", handler.calls)
	}
}

func TestClient_PendingFailOnDisconnect(t *testing.T) {
	// Swallow requests instead of answering them.
	gs := newGatewayServer(t, func(f *Frame) *Frame { return nil })

	client := startClient(t, gs, nil)
	id := call.InputID{ServerID: 42, AccessToken: 7}

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.SendSpeaking(context.Background(), id, 100, true)
	}()

	// Give the request time to land in the pending table, then cut the
	// connection from the server side.
	time.Sleep(50 * time.Millisecond)
	gs.dropConnection()

	select {
	case err := <-errCh:
		if !IsCode(err, CodeDisconnected) && !IsCode(err, CodeTimeout) {
			t.Errorf("SendSpeaking() = %v, want disconnect failure", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("request never completed after disconnect")
	}
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	gs := newGatewayServer(t, nil)
	client := startClient(t, gs, nil)

	gs.dropConnection()

	select {
	case <-gs.connected:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect after drop")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !client.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("client never reported connected after reconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestComputeBackoff(t *testing.T) {
	client, err := NewClient(testClientConfig("ws://unused"), nil, nil)
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}

	// No attempts yet: base delay.
	if got := client.computeBackoff(); got != 10*time.Millisecond {
		t.Errorf("computeBackoff() = %v, want base delay", got)
	}

	// Growth is exponential until capped at MaxDelay.
	client.reconnectCount = 1
	if got := client.computeBackoff(); got != 20*time.Millisecond {
		t.Errorf("computeBackoff() after 1 attempt = %v, want 20ms", got)
	}
	client.reconnectCount = 10
	if got := client.computeBackoff(); got != 50*time.Millisecond {
		t.Errorf("computeBackoff() after 10 attempts = %v, want the cap", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := testClientConfig("ws://gateway")

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing url", func(c *Config) { c.URL = "" }, true},
		{"zero base delay", func(c *Config) { c.BaseDelay = 0 }, true},
		{"max below base", func(c *Config) { c.MaxDelay = c.BaseDelay / 2 }, true},
		{"jitter out of range", func(c *Config) { c.JitterFactor = 1.5 }, true},
		{"zero request timeout", func(c *Config) { c.RequestTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %t", err, tt.wantErr)
			}
		})
	}
}
