package engine

import (
	"log/slog"
	"time"

	"github.com/onnwee/callsync/internal/call"
	"github.com/onnwee/callsync/internal/transport"
)

// HandleCallUpdate implements transport.UpdateHandler for pushed call
// objects. The call is registered on first sight; versions are
// non-decreasing and older snapshots are discarded. A version ahead of
// the applied participant state is a gap signal and schedules a
// debounced resync.
func (e *Engine) HandleCallUpdate(state transport.CallState) {
	if state.ID.IsZero() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.getOrCreateCall(state.ID, "")

	if state.IsTerminated {
		e.logger.Info("group call terminated by server",
			slog.String("call", state.ID.String()))
		s.terminated = true
		s.version = max32(s.version, state.Version)
		e.cancelPendingJoinLocked(state.ID, call.ErrJoinCancelled)
		if s.state == joinStateJoined || s.state == joinStateLeaving {
			e.forceNotJoinedLocked(s, false)
		} else {
			s.state = joinStateNone
			e.tryClearParticipantsLocked(s)
			e.emitCallLocked(s)
		}
		return
	}

	if state.Version < s.version {
		e.logger.Debug("discarding stale call update",
			slog.String("call", state.ID.String()),
			slog.Int("version", int(state.Version)),
			slog.Int("current", int(s.version)))
		return
	}
	s.version = state.Version
	s.title = state.Title
	s.muteNew = state.MuteNew
	s.recording = state.IsRecording
	if state.RecordStartAt != 0 {
		s.recordStartAt = time.Unix(state.RecordStartAt, 0)
	} else {
		s.recordStartAt = time.Time{}
	}
	s.participantCount = state.ParticipantCount

	set := e.participants[state.ID]
	e.correctParticipantCount(s, set)
	if s.isSynced && set != nil && set.lastVersion > 0 && state.Version > set.lastVersion {
		e.scheduleResyncLocked(s, set)
	}
	e.emitCallLocked(s)
}

// OnRightsUpdated re-resolves the manage permission of a call's chat
// and re-emits when the answer changed. Hand-raise ratings only count
// for managers, so every participant order is recomputed too.
func (e *Engine) OnRightsUpdated(id call.InputID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.lookupCall(id)
	if s == nil || s.chat == "" {
		return
	}
	canManage := e.perms.CanManageCalls(s.chat)
	if canManage == s.canManage {
		return
	}
	s.canManage = canManage

	if set := e.participants[id]; set != nil {
		now := e.now()
		for _, p := range set.byPeer {
			order := call.ComputeOrder(p, s.canManage, now)
			if p.IsSelf {
				order.ActiveSince = p.Order.ActiveSince
			}
			if order.Compare(p.Order) != 0 {
				p.Order = order
				e.emitParticipantLocked(s, p, false)
			}
		}
	}
	e.emitCallLocked(s)
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
