// Package call provides the pure domain types for live group calls:
// identifiers, participants, presentation ordering, and recent speakers.
package call

import "fmt"

// ID is the transient, client-local identifier for a group call.
// It is assigned sequentially when a call is first referenced and is
// meaningful only within the current process lifetime.
type ID int32

// InputID is the durable, server-assigned identifier for a group call:
// a numeric id paired with an access token. It is stable for the
// lifetime of the call session and is the key every component uses to
// reference call state.
type InputID struct {
	ServerID    int64 `json:"server_id"`
	AccessToken int64 `json:"access_token"`
}

// IsZero reports whether the id has not been assigned by the server yet.
func (id InputID) IsZero() bool {
	return id.ServerID == 0
}

// String returns a log-friendly representation without the access token.
func (id InputID) String() string {
	return fmt.Sprintf("call-%d", id.ServerID)
}

// ChatRef is an opaque reference to the chat entity that owns a call.
type ChatRef string

// PeerRef is an opaque reference to a participant identity. A peer may
// be a user or a chat joining on its own behalf.
type PeerRef string

// AudioSource is the audio source tag assigned to a joined participant.
// It is unique within a call while the owning participant is present.
type AudioSource int32
