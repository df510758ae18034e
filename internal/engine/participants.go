package engine

import (
	"time"

	"github.com/onnwee/callsync/internal/call"
	"github.com/onnwee/callsync/internal/transport"
)

// participantSet is the per-call participant collection plus the
// reconciliation bookkeeping around it.
type participantSet struct {
	byPeer   map[call.PeerRef]*call.Participant
	bySource map[call.AudioSource]call.PeerRef

	// lastVersion is the highest version successfully merged; 0 means
	// the initial full list has not been loaded yet.
	lastVersion int32

	// pending buffers out-of-order update batches keyed by version,
	// bounded by Config.PendingUpdateLimit.
	pending map[int32][]transport.ParticipantChange

	loadCursor string
	loadedAll  bool

	// loadSeen accumulates the peers a full-list reload names across its
	// pages; nil outside a reload. When the final page arrives, members
	// absent from it are dropped.
	loadSeen map[call.PeerRef]struct{}

	needsResync bool
	resyncing   bool
}

func newParticipantSet() *participantSet {
	return &participantSet{
		byPeer:   make(map[call.PeerRef]*call.Participant),
		bySource: make(map[call.AudioSource]call.PeerRef),
		pending:  make(map[int32][]transport.ParticipantChange),
	}
}

// ensureParticipants returns the participant set for id, creating it
// when the call starts being actively synchronized.
func (e *Engine) ensureParticipants(id call.InputID) *participantSet {
	set, ok := e.participants[id]
	if !ok {
		set = newParticipantSet()
		e.participants[id] = set
	}
	return set
}

// mergeChange applies one participant entry of an update or load batch.
// It returns the participant for emission (nil when nothing visible
// changed) and whether the entry was a removal.
func (e *Engine) mergeChange(s *callState, set *participantSet, ch transport.ParticipantChange, now time.Time) (*call.Participant, bool) {
	if ch.Left {
		p, ok := set.byPeer[ch.Peer]
		if !ok {
			return nil, true
		}
		delete(set.byPeer, ch.Peer)
		if cur, ok := set.bySource[p.Source]; ok && cur == ch.Peer {
			delete(set.bySource, p.Source)
		}
		e.unindexParticipantLocked(s.input, ch.Peer)
		if rs, ok := e.recent[s.input]; ok && rs.Remove(ch.Peer) {
			e.emitCallLocked(s)
		}
		p.Order = call.Order{}
		return p, true
	}

	p, ok := set.byPeer[ch.Peer]
	if !ok {
		p = &call.Participant{Peer: ch.Peer, IsSelf: ch.Peer == s.myPeer}
		set.byPeer[ch.Peer] = p
		e.indexParticipantLocked(s.input, ch.Peer)
	}
	if p.Source != ch.Source {
		if cur, ok := set.bySource[p.Source]; ok && cur == ch.Peer {
			delete(set.bySource, p.Source)
		}
		p.Source = ch.Source
		set.bySource[ch.Source] = ch.Peer
	} else if _, ok := set.bySource[ch.Source]; !ok {
		set.bySource[ch.Source] = ch.Peer
	}

	p.IsMuted = ch.IsMuted
	p.CanSelfUnmute = ch.CanSelfUnmute
	p.CanBeMutedForAll = ch.CanBeMutedForAll
	if ch.Volume != 0 {
		p.Volume = ch.Volume
	}
	p.IsHandRaised = ch.IsHandRaised
	p.RaiseHandRating = ch.RaiseHandRating
	if ch.JoinedAt != 0 {
		p.JoinedAt = time.Unix(ch.JoinedAt, 0)
	} else if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}
	if ch.ActiveDate != 0 {
		active := time.Unix(ch.ActiveDate, 0)
		if active.After(p.ActiveDate) {
			p.ActiveDate = active
			if !p.IsSelf {
				e.noteSpeakingLocked(s, p.Peer, active)
			}
		}
	}

	// The local participant's order never follows its own speaking
	// recency, so the self row does not jump the list on every tick.
	if p.IsSelf {
		prev := p.Order.ActiveSince
		p.Order = call.ComputeOrder(p, s.canManage, now)
		p.Order.ActiveSince = prev
	} else {
		p.Order = call.ComputeOrder(p, s.canManage, now)
	}
	return p, false
}

// correctParticipantCount reconciles the server-reported count with the
// locally merged set, preferring local evidence when it proves the
// report wrong. Reports whether the count changed.
func (e *Engine) correctParticipantCount(s *callState, set *participantSet) bool {
	count := s.participantCount
	if set != nil && set.loadedAll && int32(len(set.byPeer)) != count {
		count = int32(len(set.byPeer))
	} else if set != nil && int32(len(set.byPeer)) > count {
		count = int32(len(set.byPeer))
	}
	if count == s.participantCount {
		return false
	}
	s.participantCount = count
	return true
}

// Participant returns a projected view of one participant.
func (e *Engine) Participant(id call.InputID, peer call.PeerRef) (ParticipantUpdate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.lookupCall(id)
	if s == nil {
		return ParticipantUpdate{}, call.ErrCallNotFound
	}
	set := e.participants[id]
	if set == nil {
		return ParticipantUpdate{}, call.ErrParticipantNotFound
	}
	p, ok := set.byPeer[peer]
	if !ok {
		return ParticipantUpdate{}, call.ErrParticipantNotFound
	}
	return projectParticipant(s.localID, p, e.now()), nil
}

// Participants returns projected views of every known participant of a
// call, in presentation order.
func (e *Engine) Participants(id call.InputID) ([]ParticipantUpdate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.lookupCall(id)
	if s == nil {
		return nil, call.ErrCallNotFound
	}
	set := e.participants[id]
	if set == nil {
		return nil, nil
	}
	now := e.now()
	out := make([]ParticipantUpdate, 0, len(set.byPeer))
	for _, p := range set.byPeer {
		out = append(out, projectParticipant(s.localID, p, now))
	}
	sortParticipantUpdates(out)
	return out, nil
}
