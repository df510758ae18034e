package engine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/callsync/internal/call"
)

// dialBroadcast opens a WebSocket pair and returns the server-side
// connection (to subscribe) and the client side (to read events from).
func dialBroadcast(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverConns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		serverConns <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case server := <-serverConns:
		t.Cleanup(func() { server.Close() })
		return server, client
	case <-time.After(2 * time.Second):
		t.Fatal("server connection never arrived")
		return nil, nil
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) eventEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var event eventEnvelope
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	return event
}

func TestBroadcasterFansOutToSubscribers(t *testing.T) {
	b := NewBroadcaster()
	server, client := dialBroadcast(t)
	b.Subscribe(call.ID(1), server)

	if got := b.ConnectionCount(call.ID(1)); got != 1 {
		t.Fatalf("ConnectionCount() = %d, want 1", got)
	}

	b.CallUpdated(CallSnapshot{ID: 1, State: "joined", Title: "weekly"})
	event := readEvent(t, client)
	if event.Type != "call" || event.Call == nil {
		t.Fatalf("event = %+v, want call envelope", event)
	}
	if event.Call.Title != "weekly" || event.Call.State != "joined" {
		t.Errorf("call payload = %+v", event.Call)
	}

	b.ParticipantUpdated(ParticipantUpdate{CallID: 1, Peer: "alice", Volume: 4000})
	event = readEvent(t, client)
	if event.Type != "participant" || event.Participant == nil {
		t.Fatalf("event = %+v, want participant envelope", event)
	}
	if event.Participant.Peer != "alice" || event.Participant.Volume != 4000 {
		t.Errorf("participant payload = %+v", event.Participant)
	}
}

func TestBroadcasterScopesEventsToCall(t *testing.T) {
	b := NewBroadcaster()
	server, client := dialBroadcast(t)
	b.Subscribe(call.ID(1), server)

	// Events for other calls never reach this subscriber.
	b.CallUpdated(CallSnapshot{ID: 2, State: "joined"})
	b.CallUpdated(CallSnapshot{ID: 1, State: "joined"})

	event := readEvent(t, client)
	if event.Call == nil || event.Call.ID != 1 {
		t.Errorf("event = %+v, want snapshot for call 1", event)
	}
}

func TestBroadcasterStalledSubscriberNeverBlocks(t *testing.T) {
	b := NewBroadcaster()
	server, _ := dialBroadcast(t)
	// The client side never reads, so once the socket buffers fill the
	// writer goroutine stalls and the queue overflows.
	b.Subscribe(call.ID(1), server)

	big := strings.Repeat("x", 1<<18)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 4*sendBuffer; i++ {
			b.CallUpdated(CallSnapshot{ID: 1, Title: big, Version: int32(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast blocked on a stalled subscriber")
	}
}

func TestBroadcasterIsolatesStalledSubscriber(t *testing.T) {
	b := NewBroadcaster()
	stalled, _ := dialBroadcast(t)
	healthy, healthyClient := dialBroadcast(t)
	b.Subscribe(call.ID(1), stalled)
	b.Subscribe(call.ID(1), healthy)

	titles := make(chan string, 4*sendBuffer)
	go func() {
		for {
			healthyClient.SetReadDeadline(time.Now().Add(5 * time.Second))
			_, data, err := healthyClient.ReadMessage()
			if err != nil {
				return
			}
			var event eventEnvelope
			if json.Unmarshal(data, &event) == nil && event.Call != nil {
				titles <- event.Call.Title
			}
		}
	}()

	// Saturate the stalled connection, then keep emitting a marker until
	// the healthy subscriber sees it.
	big := strings.Repeat("x", 1<<18)
	for i := 0; i < 2*sendBuffer; i++ {
		b.CallUpdated(CallSnapshot{ID: 1, Title: big, Version: int32(i)})
	}
	deadline := time.After(5 * time.Second)
	for {
		b.CallUpdated(CallSnapshot{ID: 1, Title: "marker"})
		select {
		case title := <-titles:
			if title == "marker" {
				return
			}
		case <-deadline:
			t.Fatal("healthy subscriber starved by a stalled one")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestBroadcasterUnsubscribe(t *testing.T) {
	b := NewBroadcaster()
	server, _ := dialBroadcast(t)
	b.Subscribe(call.ID(1), server)
	b.Subscribe(call.ID(2), server)

	b.Unsubscribe(server)
	if got := b.ConnectionCount(call.ID(1)); got != 0 {
		t.Errorf("ConnectionCount(1) = %d, want 0", got)
	}
	if got := b.ConnectionCount(call.ID(2)); got != 0 {
		t.Errorf("ConnectionCount(2) = %d, want 0", got)
	}
	// Broadcasting into an empty subscription set is a no-op.
	b.CallUpdated(CallSnapshot{ID: 1, State: "joined"})
}
