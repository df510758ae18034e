package engine

import (
	"testing"
	"time"

	"github.com/onnwee/callsync/internal/call"
)

func TestSortParticipantUpdates(t *testing.T) {
	ups := []ParticipantUpdate{
		{Peer: "joined-late", Order: call.Order{JoinedAt: 300}},
		{Peer: "left", Order: call.Order{}},
		{Peer: "speaking", Order: call.Order{ActiveSince: 900, JoinedAt: 100}},
		{Peer: "raised-hand", Order: call.Order{HandRating: 500, JoinedAt: 200}},
		{Peer: "joined-early", Order: call.Order{JoinedAt: 100}},
	}
	sortParticipantUpdates(ups)

	want := []call.PeerRef{"speaking", "raised-hand", "joined-late", "joined-early", "left"}
	for i, peer := range want {
		if ups[i].Peer != peer {
			t.Fatalf("position %d = %s, want %s (full order %v)", i, ups[i].Peer, peer, ups)
		}
	}
}

func TestProjectParticipantSpeakingWindow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	p := &call.Participant{
		Peer:       "alice",
		Source:     200,
		JoinedAt:   now.Add(-time.Hour),
		ActiveDate: now.Add(-call.SpeakingRecency + time.Second),
		Order:      call.Order{JoinedAt: now.Add(-time.Hour).Unix()},
	}
	up := projectParticipant(1, p, now)
	if !up.IsSpeaking {
		t.Error("participant inside the recency window not marked speaking")
	}
	if up.Left {
		t.Error("present participant marked left")
	}

	p.ActiveDate = now.Add(-call.SpeakingRecency)
	up = projectParticipant(1, p, now)
	if up.IsSpeaking {
		t.Error("participant at the recency boundary marked speaking")
	}

	p.Order = call.Order{}
	up = projectParticipant(1, p, now)
	if !up.Left {
		t.Error("participant with an invalid order not marked left")
	}
}

func TestProjectParticipantShowsPendingValues(t *testing.T) {
	now := time.Unix(1700000000, 0)
	muted := true
	volume := int32(4000)
	p := &call.Participant{
		Peer:           "alice",
		JoinedAt:       now,
		PendingIsMuted: &muted,
		PendingVolume:  &volume,
		Order:          call.Order{JoinedAt: now.Unix()},
	}
	up := projectParticipant(1, p, now)
	if !up.IsMuted || up.Volume != 4000 {
		t.Errorf("projection = muted %v volume %d, want pending values", up.IsMuted, up.Volume)
	}
}

func TestSnapshotsEqual(t *testing.T) {
	at := time.Unix(1700000000, 0)
	base := func() CallSnapshot {
		return CallSnapshot{
			ID:               1,
			ServerID:         42,
			Chat:             "chat-1",
			State:            "joined",
			Version:          5,
			Title:            "weekly",
			ParticipantCount: 2,
			RecordStartAt:    &at,
			RecentSpeakers:   []call.RecentSpeaker{{Peer: "alice", LastSpokeAt: at}},
		}
	}

	if !snapshotsEqual(base(), base()) {
		t.Error("identical snapshots compare unequal")
	}

	tests := []struct {
		name   string
		mutate func(*CallSnapshot)
	}{
		{"title", func(s *CallSnapshot) { s.Title = "standup" }},
		{"state", func(s *CallSnapshot) { s.State = "leaving" }},
		{"version", func(s *CallSnapshot) { s.Version = 6 }},
		{"count", func(s *CallSnapshot) { s.ParticipantCount = 3 }},
		{"recording", func(s *CallSnapshot) { s.IsRecording = true }},
		{"record start", func(s *CallSnapshot) { s.RecordStartAt = nil }},
		{"terminated", func(s *CallSnapshot) { s.IsTerminated = true }},
		{"speakers", func(s *CallSnapshot) { s.RecentSpeakers = nil }},
		{"speaker identity", func(s *CallSnapshot) {
			s.RecentSpeakers = []call.RecentSpeaker{{Peer: "bob", LastSpokeAt: at}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed := base()
			tt.mutate(&changed)
			if snapshotsEqual(base(), changed) {
				t.Error("changed snapshot compares equal")
			}
		})
	}
}
