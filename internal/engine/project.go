package engine

import (
	"sort"
	"time"

	"github.com/onnwee/callsync/internal/call"
)

// CallSnapshot is the client-facing projection of one call. It is a
// pure function of registry state and may be taken at any time.
type CallSnapshot struct {
	ID               call.ID              `json:"id"`
	ServerID         int64                `json:"server_id"`
	Chat             call.ChatRef         `json:"chat,omitempty"`
	State            string               `json:"state"`
	Version          int32                `json:"version"`
	Title            string               `json:"title,omitempty"`
	MuteNew          bool                 `json:"mute_new"`
	IsRecording      bool                 `json:"is_recording"`
	RecordStartAt    *time.Time           `json:"record_start_at,omitempty"`
	ParticipantCount int32                `json:"participant_count"`
	CanManage        bool                 `json:"can_manage"`
	IsTerminated     bool                 `json:"is_terminated"`
	RecentSpeakers   []call.RecentSpeaker `json:"recent_speakers,omitempty"`
}

// ParticipantUpdate is the client-facing projection of one participant,
// also used as the delta notification shape.
type ParticipantUpdate struct {
	CallID           call.ID          `json:"call_id"`
	Peer             call.PeerRef     `json:"peer"`
	Source           call.AudioSource `json:"source"`
	IsMuted          bool             `json:"is_muted"`
	CanSelfUnmute    bool             `json:"can_self_unmute"`
	CanBeMutedForAll bool             `json:"can_be_muted_for_all"`
	Volume           int32            `json:"volume"`
	IsHandRaised     bool             `json:"is_hand_raised"`
	IsSpeaking       bool             `json:"is_speaking"`
	Order            call.Order       `json:"order"`
	Left             bool             `json:"left,omitempty"`
}

// projectCall builds the snapshot for a call. Pure; no mutation.
func projectCall(s *callState, recent *call.RecentSpeakers, now time.Time) CallSnapshot {
	snap := CallSnapshot{
		ID:               s.localID,
		ServerID:         s.input.ServerID,
		Chat:             s.chat,
		State:            s.state.String(),
		Version:          s.version,
		Title:            s.effectiveTitle(),
		MuteNew:          s.effectiveMuteNew(),
		IsRecording:      s.effectiveRecording(),
		ParticipantCount: s.participantCount,
		CanManage:        s.canManage,
		IsTerminated:     s.terminated,
	}
	if !s.recordStartAt.IsZero() {
		t := s.recordStartAt
		snap.RecordStartAt = &t
	}
	if recent != nil {
		snap.RecentSpeakers = recent.List(now)
	}
	return snap
}

// projectParticipant builds the delta projection for a participant.
func projectParticipant(callID call.ID, p *call.Participant, now time.Time) ParticipantUpdate {
	return ParticipantUpdate{
		CallID:           callID,
		Peer:             p.Peer,
		Source:           p.Source,
		IsMuted:          p.EffectiveIsMuted(),
		CanSelfUnmute:    p.CanSelfUnmute,
		CanBeMutedForAll: p.CanBeMutedForAll,
		Volume:           p.EffectiveVolume(),
		IsHandRaised:     p.EffectiveIsHandRaised(),
		IsSpeaking:       !p.ActiveDate.IsZero() && now.Sub(p.ActiveDate) < call.SpeakingRecency,
		Order:            p.Order,
		Left:             !p.Order.IsValid(),
	}
}

// sortParticipantUpdates orders projections for presentation, highest
// order first.
func sortParticipantUpdates(ups []ParticipantUpdate) {
	sort.SliceStable(ups, func(i, j int) bool {
		return ups[i].Order.Compare(ups[j].Order) > 0
	})
}

// snapshotsEqual compares the externally visible fields of two
// snapshots.
func snapshotsEqual(a, b CallSnapshot) bool {
	if a.ID != b.ID || a.ServerID != b.ServerID || a.Chat != b.Chat ||
		a.State != b.State || a.Version != b.Version || a.Title != b.Title ||
		a.MuteNew != b.MuteNew || a.IsRecording != b.IsRecording ||
		a.ParticipantCount != b.ParticipantCount || a.CanManage != b.CanManage ||
		a.IsTerminated != b.IsTerminated {
		return false
	}
	if (a.RecordStartAt == nil) != (b.RecordStartAt == nil) {
		return false
	}
	if a.RecordStartAt != nil && !a.RecordStartAt.Equal(*b.RecordStartAt) {
		return false
	}
	if len(a.RecentSpeakers) != len(b.RecentSpeakers) {
		return false
	}
	for i := range a.RecentSpeakers {
		if a.RecentSpeakers[i] != b.RecentSpeakers[i] {
			return false
		}
	}
	return true
}

// emitCallLocked projects the call and notifies the sink when the
// result differs from the last emission.
func (e *Engine) emitCallLocked(s *callState) {
	snap := projectCall(s, e.recent[s.input], e.now())
	if s.lastSnapshot != nil && snapshotsEqual(*s.lastSnapshot, snap) {
		return
	}
	s.lastSnapshot = &snap
	if e.sink != nil {
		e.sink.CallUpdated(snap)
	}
}

// emitParticipantLocked projects one participant delta.
func (e *Engine) emitParticipantLocked(s *callState, p *call.Participant, left bool) {
	if e.sink == nil {
		return
	}
	up := projectParticipant(s.localID, p, e.now())
	up.Left = left
	e.sink.ParticipantUpdated(up)
}

// Snapshot returns the current projection of a call.
func (e *Engine) Snapshot(id call.InputID) (CallSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.lookupCall(id)
	if s == nil {
		return CallSnapshot{}, call.ErrCallNotFound
	}
	return projectCall(s, e.recent[id], e.now()), nil
}

// ActiveCalls returns how many calls the registry currently tracks.
func (e *Engine) ActiveCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}
