// Package api exposes the engine's operation surface over JSON HTTP:
// join/leave, call and participant mutations, speaking signals, and
// read endpoints over the projected state.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/onnwee/callsync/internal/call"
	"github.com/onnwee/callsync/internal/engine"
	"github.com/onnwee/callsync/internal/transport"
)

// Handlers carries the engine reference shared by every endpoint.
type Handlers struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewHandlers creates the API handlers. A nil logger uses the default.
func NewHandlers(e *engine.Engine, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{engine: e, logger: logger}
}

// Register mounts every endpoint on mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /calls/join", h.Join)
	mux.HandleFunc("POST /calls/leave", h.Leave)
	mux.HandleFunc("POST /calls/title", h.SetTitle)
	mux.HandleFunc("POST /calls/recording", h.ToggleRecording)
	mux.HandleFunc("POST /calls/mute-new", h.ToggleMuteNew)
	mux.HandleFunc("POST /calls/speaking", h.SetSpeaking)
	mux.HandleFunc("POST /calls/participants/mute", h.MuteParticipant)
	mux.HandleFunc("POST /calls/participants/volume", h.SetParticipantVolume)
	mux.HandleFunc("POST /calls/participants/hand", h.ToggleHandRaised)
	mux.HandleFunc("POST /calls/participants/load-more", h.LoadMoreParticipants)
	mux.HandleFunc("GET /calls/snapshot", h.Snapshot)
	mux.HandleFunc("GET /calls/participants", h.Participants)
	mux.HandleFunc("GET /peers/calls", h.PeerCalls)
}

// callRef names the target call in every request body.
type callRef struct {
	ServerID    int64 `json:"server_id"`
	AccessToken int64 `json:"access_token"`
}

func (c callRef) id() call.InputID {
	return call.InputID{ServerID: c.ServerID, AccessToken: c.AccessToken}
}

var statusOK = map[string]string{"status": "ok"}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// statusFor maps the error taxonomy onto HTTP statuses. Anything not in
// the taxonomy came back from the gateway.
func statusFor(err error) int {
	switch {
	case errors.Is(err, call.ErrCallNotFound),
		errors.Is(err, call.ErrParticipantNotFound):
		return http.StatusNotFound
	case errors.Is(err, call.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, call.ErrTitleTooLong),
		errors.Is(err, call.ErrVolumeOutOfRange),
		errors.Is(err, call.ErrInvalidCursor):
		return http.StatusBadRequest
	case errors.Is(err, call.ErrJoinInProgress),
		errors.Is(err, call.ErrNotJoined),
		errors.Is(err, call.ErrJoinCancelled):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	h.writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// complete starts an asynchronous engine operation and answers when its
// continuation fires or the request context ends.
func (h *Handlers) complete(w http.ResponseWriter, r *http.Request, start func(done engine.Done) error) {
	done := make(chan error, 1)
	if err := start(func(err error) { done <- err }); err != nil {
		h.writeError(w, err)
		return
	}
	select {
	case err := <-done:
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, statusOK)
	case <-r.Context().Done():
		h.writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "request cancelled"})
	}
}

type joinRequest struct {
	callRef
	Chat    string `json:"chat"`
	JoinAs  string `json:"join_as"`
	Payload string `json:"payload"`
	Muted   bool   `json:"muted"`
}

type joinResponse struct {
	Source  call.AudioSource `json:"source"`
	Payload string           `json:"payload,omitempty"`
}

// Join handles POST /calls/join.
func (h *Handlers) Join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !decode(w, r, &req) {
		return
	}
	type outcome struct {
		res transport.JoinResult
		err error
	}
	done := make(chan outcome, 1)
	err := h.engine.Join(r.Context(), req.id(), call.ChatRef(req.Chat), call.PeerRef(req.JoinAs), []byte(req.Payload), req.Muted,
		func(res transport.JoinResult, err error) { done <- outcome{res, err} })
	if err != nil {
		h.writeError(w, err)
		return
	}
	select {
	case out := <-done:
		if out.err != nil {
			h.writeError(w, out.err)
			return
		}
		h.writeJSON(w, http.StatusOK, joinResponse{Source: out.res.Source, Payload: string(out.res.Payload)})
	case <-r.Context().Done():
		h.writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "request cancelled"})
	}
}

// Leave handles POST /calls/leave.
func (h *Handlers) Leave(w http.ResponseWriter, r *http.Request) {
	var req callRef
	if !decode(w, r, &req) {
		return
	}
	h.complete(w, r, func(done engine.Done) error {
		return h.engine.Leave(r.Context(), req.id(), done)
	})
}

// SetTitle handles POST /calls/title.
func (h *Handlers) SetTitle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		callRef
		Title string `json:"title"`
	}
	if !decode(w, r, &req) {
		return
	}
	h.complete(w, r, func(done engine.Done) error {
		return h.engine.SetTitle(r.Context(), req.id(), req.Title, done)
	})
}

// ToggleRecording handles POST /calls/recording.
func (h *Handlers) ToggleRecording(w http.ResponseWriter, r *http.Request) {
	var req struct {
		callRef
		Enabled bool `json:"enabled"`
	}
	if !decode(w, r, &req) {
		return
	}
	h.complete(w, r, func(done engine.Done) error {
		return h.engine.ToggleRecording(r.Context(), req.id(), req.Enabled, done)
	})
}

// ToggleMuteNew handles POST /calls/mute-new.
func (h *Handlers) ToggleMuteNew(w http.ResponseWriter, r *http.Request) {
	var req struct {
		callRef
		MuteNew bool `json:"mute_new"`
	}
	if !decode(w, r, &req) {
		return
	}
	h.complete(w, r, func(done engine.Done) error {
		return h.engine.ToggleMuteNewParticipants(r.Context(), req.id(), req.MuteNew, done)
	})
}

// SetSpeaking handles POST /calls/speaking. The engine throttles the
// outbound notification; the endpoint answers as soon as the signal is
// accepted.
func (h *Handlers) SetSpeaking(w http.ResponseWriter, r *http.Request) {
	var req struct {
		callRef
		Speaking bool `json:"speaking"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.engine.SetSelfSpeaking(r.Context(), req.id(), req.Speaking); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, statusOK)
}

// MuteParticipant handles POST /calls/participants/mute.
func (h *Handlers) MuteParticipant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		callRef
		Peer  string `json:"peer"`
		Muted bool   `json:"muted"`
	}
	if !decode(w, r, &req) {
		return
	}
	h.complete(w, r, func(done engine.Done) error {
		return h.engine.ToggleParticipantMuted(r.Context(), req.id(), call.PeerRef(req.Peer), req.Muted, done)
	})
}

// SetParticipantVolume handles POST /calls/participants/volume.
func (h *Handlers) SetParticipantVolume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		callRef
		Peer   string `json:"peer"`
		Volume int32  `json:"volume"`
	}
	if !decode(w, r, &req) {
		return
	}
	h.complete(w, r, func(done engine.Done) error {
		return h.engine.SetParticipantVolume(r.Context(), req.id(), call.PeerRef(req.Peer), req.Volume, done)
	})
}

// ToggleHandRaised handles POST /calls/participants/hand.
func (h *Handlers) ToggleHandRaised(w http.ResponseWriter, r *http.Request) {
	var req struct {
		callRef
		Peer   string `json:"peer"`
		Raised bool   `json:"raised"`
	}
	if !decode(w, r, &req) {
		return
	}
	h.complete(w, r, func(done engine.Done) error {
		return h.engine.ToggleParticipantHandRaised(r.Context(), req.id(), call.PeerRef(req.Peer), req.Raised, done)
	})
}

// LoadMoreParticipants handles POST /calls/participants/load-more.
func (h *Handlers) LoadMoreParticipants(w http.ResponseWriter, r *http.Request) {
	var req callRef
	if !decode(w, r, &req) {
		return
	}
	h.complete(w, r, func(done engine.Done) error {
		return h.engine.LoadMoreParticipants(r.Context(), req.id(), done)
	})
}

// queryCallID parses the call reference from query parameters.
func queryCallID(r *http.Request) (call.InputID, error) {
	server, err := strconv.ParseInt(r.URL.Query().Get("server_id"), 10, 64)
	if err != nil {
		return call.InputID{}, err
	}
	token, err := strconv.ParseInt(r.URL.Query().Get("access_token"), 10, 64)
	if err != nil {
		return call.InputID{}, err
	}
	return call.InputID{ServerID: server, AccessToken: token}, nil
}

// Snapshot handles GET /calls/snapshot.
func (h *Handlers) Snapshot(w http.ResponseWriter, r *http.Request) {
	id, err := queryCallID(r)
	if err != nil {
		http.Error(w, "invalid call reference", http.StatusBadRequest)
		return
	}
	snap, err := h.engine.Snapshot(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// Participants handles GET /calls/participants, answering the full
// known list in presentation order.
func (h *Handlers) Participants(w http.ResponseWriter, r *http.Request) {
	id, err := queryCallID(r)
	if err != nil {
		http.Error(w, "invalid call reference", http.StatusBadRequest)
		return
	}
	ups, err := h.engine.Participants(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if ups == nil {
		ups = []engine.ParticipantUpdate{}
	}
	h.writeJSON(w, http.StatusOK, ups)
}

// PeerCalls handles GET /peers/calls, answering which calls a peer is
// currently known to be in.
func (h *Handlers) PeerCalls(w http.ResponseWriter, r *http.Request) {
	peer := r.URL.Query().Get("peer")
	if peer == "" {
		http.Error(w, "peer is required", http.StatusBadRequest)
		return
	}
	calls := h.engine.CallsOf(call.PeerRef(peer))
	h.writeJSON(w, http.StatusOK, map[string][]call.InputID{"calls": calls})
}
