package engine

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/onnwee/callsync/internal/call"
)

// sendBuffer is the per-connection event queue depth. A subscriber that
// falls further behind loses events rather than backing up the engine.
const sendBuffer = 64

// Broadcaster fans engine events out to WebSocket subscribers. It
// implements EventSink so it can be handed to New directly. Each
// connection gets its own buffered writer goroutine; delivery never
// blocks the caller, so the engine may emit while holding its lock.
type Broadcaster struct {
	mu      sync.RWMutex
	writers map[*websocket.Conn]*connWriter
	calls   map[call.ID]map[*websocket.Conn]struct{} // call ID -> connections
}

// connWriter drains one connection's event queue onto the wire.
type connWriter struct {
	conn *websocket.Conn
	send chan []byte
}

func (w *connWriter) run() {
	for data := range w.send {
		if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Warn("failed to send message to websocket client", "error", err)
			// Keep draining so the broadcaster never backs up; the
			// connection is cleaned up when the client disconnects.
		}
	}
}

// NewBroadcaster creates a new broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		writers: make(map[*websocket.Conn]*connWriter),
		calls:   make(map[call.ID]map[*websocket.Conn]struct{}),
	}
}

// Subscribe registers a WebSocket connection for a call, starting its
// writer on first registration.
func (b *Broadcaster) Subscribe(id call.ID, conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.writers[conn]; !ok {
		w := &connWriter{conn: conn, send: make(chan []byte, sendBuffer)}
		b.writers[conn] = w
		go w.run()
	}
	if b.calls[id] == nil {
		b.calls[id] = make(map[*websocket.Conn]struct{})
	}
	b.calls[id][conn] = struct{}{}
}

// Unsubscribe removes a WebSocket connection from all calls and stops
// its writer.
func (b *Broadcaster) Unsubscribe(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, conns := range b.calls {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(b.calls, id)
		}
	}
	if w, ok := b.writers[conn]; ok {
		delete(b.writers, conn)
		close(w.send)
	}
}

// CallUpdated broadcasts a call snapshot to the call's subscribers.
func (b *Broadcaster) CallUpdated(snap CallSnapshot) {
	b.broadcast(snap.ID, eventEnvelope{Type: "call", Call: &snap})
}

// ParticipantUpdated broadcasts a participant change to the call's
// subscribers.
func (b *Broadcaster) ParticipantUpdated(upd ParticipantUpdate) {
	b.broadcast(upd.CallID, eventEnvelope{Type: "participant", Participant: &upd})
}

// ConnectionCount returns the number of active WebSocket connections
// for a call.
func (b *Broadcaster) ConnectionCount(id call.ID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if conns, exists := b.calls[id]; exists {
		return len(conns)
	}
	return 0
}

type eventEnvelope struct {
	Type        string             `json:"type"`
	Call        *CallSnapshot      `json:"call,omitempty"`
	Participant *ParticipantUpdate `json:"participant,omitempty"`
}

// broadcast enqueues one event for every subscriber of the call. A full
// queue drops the event for that subscriber; broadcast itself never
// blocks.
func (b *Broadcaster) broadcast(id call.ID, event eventEnvelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	conns, exists := b.calls[id]
	if !exists || len(conns) == 0 {
		return
	}

	// Serialize event once
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal call event", "error", err)
		return
	}

	for conn := range conns {
		w, ok := b.writers[conn]
		if !ok {
			continue
		}
		select {
		case w.send <- data:
		default:
			slog.Warn("dropping event for slow websocket client",
				"call_id", id,
			)
		}
	}
}
