package call

import (
	"time"
	"unicode/utf8"
)

// Server-side limits carried by the protocol.
const (
	// MaxTitleLength is the maximum call title length in code points.
	MaxTitleLength = 64

	// Volume levels are integers in [MinVolume, MaxVolume] with
	// DefaultVolume meaning unchanged playback.
	MinVolume     = 0
	MaxVolume     = 20000
	DefaultVolume = 10000
)

// ValidateTitle checks a call title against the server length limit.
func ValidateTitle(title string) error {
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return ErrTitleTooLong
	}
	return nil
}

// ValidateVolume checks a volume level against the allowed range.
func ValidateVolume(volume int32) error {
	if volume < MinVolume || volume > MaxVolume {
		return ErrVolumeOutOfRange
	}
	return nil
}

// Participant is the authoritative local view of one call participant.
// Confirmed fields reflect the latest server-merged state; the Pending*
// pointers carry optimistic local mutations that have been dispatched
// but not yet confirmed. Effective accessors resolve pending over
// confirmed so stale confirmations never clobber newer local intent.
type Participant struct {
	Peer   PeerRef
	Source AudioSource

	IsMuted          bool
	CanSelfUnmute    bool
	CanBeMutedForAll bool
	Volume           int32
	IsHandRaised     bool
	RaiseHandRating  int64

	// ActiveDate is the last time the participant was seen speaking.
	ActiveDate time.Time
	JoinedAt   time.Time

	// IsSelf marks the local client's own participant record.
	IsSelf bool

	PendingIsMuted      *bool
	PendingVolume       *int32
	PendingIsHandRaised *bool

	// Order is the cached presentation ordering key, recomputed on merge
	// and on the order-refresh timeout.
	Order Order
}

// EffectiveIsMuted returns the mute flag with optimistic state applied.
func (p *Participant) EffectiveIsMuted() bool {
	if p.PendingIsMuted != nil {
		return *p.PendingIsMuted
	}
	return p.IsMuted
}

// EffectiveVolume returns the volume level with optimistic state applied.
func (p *Participant) EffectiveVolume() int32 {
	if p.PendingVolume != nil {
		return *p.PendingVolume
	}
	if p.Volume == 0 {
		return DefaultVolume
	}
	return p.Volume
}

// EffectiveIsHandRaised returns the hand-raise flag with optimistic
// state applied.
func (p *Participant) EffectiveIsHandRaised() bool {
	if p.PendingIsHandRaised != nil {
		return *p.PendingIsHandRaised
	}
	return p.IsHandRaised
}

// ClearPending drops all optimistic state, falling back to the last
// server-confirmed values.
func (p *Participant) ClearPending() {
	p.PendingIsMuted = nil
	p.PendingVolume = nil
	p.PendingIsHandRaised = nil
}
