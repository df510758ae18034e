package call

import "errors"

// Error taxonomy for group-call operations. Locally checkable errors are
// returned synchronously before any request is dispatched; transport
// failures arrive asynchronously through completion callbacks.
var (
	// ErrCallNotFound is returned when a call is absent from the registry.
	ErrCallNotFound = errors.New("group call not found")

	// ErrParticipantNotFound is returned when the target participant is
	// not present in the call.
	ErrParticipantNotFound = errors.New("participant not found")

	// ErrPermissionDenied is returned when the caller may not manage the
	// call or mutate the target participant.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTitleTooLong is returned when a call title exceeds MaxTitleLength
	// code points.
	ErrTitleTooLong = errors.New("title exceeds maximum length")

	// ErrVolumeOutOfRange is returned when a volume level is outside
	// [MinVolume, MaxVolume].
	ErrVolumeOutOfRange = errors.New("volume level out of range")

	// ErrInvalidCursor is returned when a participants load cursor is
	// malformed or no further pages exist.
	ErrInvalidCursor = errors.New("invalid participants cursor")

	// ErrJoinInProgress is returned when a join is requested while another
	// join for the same call is still pending.
	ErrJoinInProgress = errors.New("join already in progress")

	// ErrNotJoined is returned when an operation requires an active
	// membership the client does not have.
	ErrNotJoined = errors.New("not joined to group call")

	// ErrJoinCancelled is delivered to a pending join continuation when the
	// request is superseded by a newer join attempt or the call is
	// discarded.
	ErrJoinCancelled = errors.New("join request cancelled")
)
