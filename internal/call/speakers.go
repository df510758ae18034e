package call

import "time"

// RecentSpeakerWindow is how long a speaker stays on the recent list
// after their last speaking tick.
const RecentSpeakerWindow = time.Hour

// MaxRecentSpeakers bounds the ring; the oldest entry is dropped when a
// new speaker would exceed it.
const MaxRecentSpeakers = 16

// RecentSpeaker is one entry of the recent-speaker list.
type RecentSpeaker struct {
	Peer        PeerRef   `json:"peer"`
	LastSpokeAt time.Time `json:"last_spoke_at"`
}

// RecentSpeakers keeps the per-call ring of recently speaking
// participants, most recent first, pruned by RecentSpeakerWindow.
// It is not safe for concurrent use; the owning engine serializes
// access.
type RecentSpeakers struct {
	entries []RecentSpeaker
}

// NoteSpeaking records a speaking tick for peer at the given time and
// reports whether the list changed in an externally visible way.
// Out-of-date ticks for a peer already listed with a newer time are
// ignored.
func (rs *RecentSpeakers) NoteSpeaking(peer PeerRef, at time.Time) bool {
	for i, e := range rs.entries {
		if e.Peer != peer {
			continue
		}
		if !at.After(e.LastSpokeAt) {
			return false
		}
		copy(rs.entries[1:i+1], rs.entries[:i])
		rs.entries[0] = RecentSpeaker{Peer: peer, LastSpokeAt: at}
		return i != 0
	}
	rs.entries = append(rs.entries, RecentSpeaker{})
	copy(rs.entries[1:], rs.entries)
	rs.entries[0] = RecentSpeaker{Peer: peer, LastSpokeAt: at}
	if len(rs.entries) > MaxRecentSpeakers {
		rs.entries = rs.entries[:MaxRecentSpeakers]
	}
	return true
}

// Remove drops peer from the list, reporting whether it was present.
func (rs *RecentSpeakers) Remove(peer PeerRef) bool {
	for i, e := range rs.entries {
		if e.Peer == peer {
			rs.entries = append(rs.entries[:i], rs.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Prune drops entries older than RecentSpeakerWindow. It returns the
// time the next entry will expire (zero if the list is now empty) and
// whether anything was removed.
func (rs *RecentSpeakers) Prune(now time.Time) (next time.Time, changed bool) {
	cutoff := now.Add(-RecentSpeakerWindow)
	kept := rs.entries[:0]
	for _, e := range rs.entries {
		if e.LastSpokeAt.After(cutoff) {
			kept = append(kept, e)
		} else {
			changed = true
		}
	}
	rs.entries = kept
	if len(rs.entries) > 0 {
		// Entries are ordered most recent first; the last one expires first.
		next = rs.entries[len(rs.entries)-1].LastSpokeAt.Add(RecentSpeakerWindow)
	}
	return next, changed
}

// List returns the current entries newer than the decay window,
// most recent first.
func (rs *RecentSpeakers) List(now time.Time) []RecentSpeaker {
	cutoff := now.Add(-RecentSpeakerWindow)
	out := make([]RecentSpeaker, 0, len(rs.entries))
	for _, e := range rs.entries {
		if e.LastSpokeAt.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of stored entries, including any not yet
// pruned.
func (rs *RecentSpeakers) Len() int {
	return len(rs.entries)
}
