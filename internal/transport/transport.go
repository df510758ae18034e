// Package transport defines the boundary to the call-signaling gateway:
// the request interface the engine dispatches through, the typed wire
// structures for pushed updates, and a resilient WebSocket client
// implementation.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/onnwee/callsync/internal/call"
)

// Well-known gateway failure codes the engine reacts to specially.
const (
	CodeNotParticipant = "GROUPCALL_NOT_PARTICIPANT"
	CodeCallInvalid    = "GROUPCALL_INVALID"
	CodeForbidden      = "FORBIDDEN"
	CodeTimeout        = "REQUEST_TIMEOUT"
)

// Error is a typed failure returned by the gateway.
type Error struct {
	Code    string `cbor:"code" json:"code"`
	Message string `cbor:"message,omitempty" json:"message,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway error: %s", e.Code)
	}
	return fmt.Sprintf("gateway error: %s: %s", e.Code, e.Message)
}

// IsCode reports whether err is a gateway Error with the given code.
func IsCode(err error, code string) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Code == code
}

// ParticipantChange is one participant entry of a pushed update batch or
// a full-list page. Removal is signalled by Left; the gateway never
// removes a participant by omission.
type ParticipantChange struct {
	Peer             call.PeerRef     `cbor:"peer"`
	Source           call.AudioSource `cbor:"source"`
	IsMuted          bool             `cbor:"is_muted"`
	CanSelfUnmute    bool             `cbor:"can_self_unmute"`
	CanBeMutedForAll bool             `cbor:"can_be_muted_for_all"`
	Volume           int32            `cbor:"volume"`
	IsHandRaised     bool             `cbor:"is_hand_raised"`
	RaiseHandRating  int64            `cbor:"raise_hand_rating"`
	ActiveDate       int64            `cbor:"active_date"`
	JoinedAt         int64            `cbor:"joined_at"`
	Left             bool             `cbor:"left"`
}

// ParticipantsPage is the result of a full-list load or one of its
// paginated continuations.
type ParticipantsPage struct {
	Changes    []ParticipantChange `cbor:"changes"`
	Version    int32               `cbor:"version"`
	Count      int32               `cbor:"count"`
	NextCursor string              `cbor:"next_cursor"`
}

// CallState is the gateway's view of the call object itself.
type CallState struct {
	ID               call.InputID `cbor:"id"`
	Version          int32        `cbor:"version"`
	Title            string       `cbor:"title"`
	MuteNew          bool         `cbor:"mute_new"`
	IsRecording      bool         `cbor:"is_recording"`
	RecordStartAt    int64        `cbor:"record_start_at"`
	ParticipantCount int32        `cbor:"participant_count"`
	IsTerminated     bool         `cbor:"is_terminated"`
}

// JoinResult is the successful outcome of a join request. Payload is an
// opaque signaling blob for the media stack.
type JoinResult struct {
	Source  call.AudioSource `cbor:"source"`
	Payload []byte           `cbor:"payload"`
}

// JoinRequest carries everything the gateway needs to admit the client.
type JoinRequest struct {
	Call    call.InputID `cbor:"call"`
	Chat    call.ChatRef `cbor:"chat"`
	JoinAs  call.PeerRef `cbor:"join_as"`
	Payload []byte       `cbor:"payload"`
	Muted   bool         `cbor:"muted"`
}

// ParticipantEdit is a gateway mutation of one participant's state.
// Nil fields are left untouched.
type ParticipantEdit struct {
	Call         call.InputID `cbor:"call"`
	Peer         call.PeerRef `cbor:"peer"`
	IsMuted      *bool        `cbor:"is_muted,omitempty"`
	Volume       *int32       `cbor:"volume,omitempty"`
	IsHandRaised *bool        `cbor:"is_hand_raised,omitempty"`
}

// Transport is the outbound request surface to the gateway. Every
// method blocks until the gateway answers or ctx is done; the engine
// always invokes them from dedicated goroutines and reconciles the
// result through generation-checked completion paths.
type Transport interface {
	JoinCall(ctx context.Context, req JoinRequest) (JoinResult, error)
	LeaveCall(ctx context.Context, id call.InputID, source call.AudioSource) error
	EditTitle(ctx context.Context, id call.InputID, title string) error
	ToggleRecording(ctx context.Context, id call.InputID, enabled bool) error
	ToggleMuteNew(ctx context.Context, id call.InputID, muteNew bool) error
	EditParticipant(ctx context.Context, edit ParticipantEdit) error
	LoadParticipants(ctx context.Context, id call.InputID, cursor string, limit int32) (ParticipantsPage, error)
	CheckJoined(ctx context.Context, id call.InputID, source call.AudioSource) error
	SendSpeaking(ctx context.Context, id call.InputID, source call.AudioSource, speaking bool) error
}

// UpdateHandler receives pushed gateway updates. The engine implements
// it; the client calls it from its read loop, one frame at a time.
type UpdateHandler interface {
	HandleParticipantsUpdate(id call.InputID, changes []ParticipantChange, version int32)
	HandleCallUpdate(state CallState)
}
