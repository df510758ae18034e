package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/callsync/internal/call"
)

// SetSelfSpeaking records a local speaking tick. Rapid ticks coalesce
// into at most one outbound notification per throttle interval; the
// first tick of an idle interval goes out immediately.
func (e *Engine) SetSelfSpeaking(ctx context.Context, id call.InputID, speaking bool) error {
	e.mu.Lock()
	s := e.lookupCall(id)
	if s == nil {
		e.mu.Unlock()
		return call.ErrCallNotFound
	}
	if s.state != joinStateJoined {
		e.mu.Unlock()
		return call.ErrNotJoined
	}
	if speaking && s.myPeer != "" {
		e.noteSpeakingLocked(s, s.myPeer, e.now())
		e.emitCallLocked(s)
	}

	if s.speakingArmed {
		s.speakingQueued = true
		s.speakingValue = speaking
		e.mu.Unlock()
		return nil
	}
	s.speakingArmed = true
	source := s.mySource
	e.sched.arm(id, timeoutSpeaking, e.cfg.SpeakingThrottle)
	e.mu.Unlock()

	e.dispatch(func() {
		if err := e.transport.SendSpeaking(ctx, id, source, speaking); err != nil {
			e.logger.Debug("speaking notification failed",
				slog.String("call", id.String()),
				slog.String("error", err.Error()))
		}
	})
	return nil
}

// onSpeakingTimeout flushes a queued speaking notification or disarms
// the throttle when the interval passed quietly.
func (e *Engine) onSpeakingTimeout(id call.InputID) {
	e.mu.Lock()
	s := e.lookupCall(id)
	if s == nil {
		e.mu.Unlock()
		return
	}
	if !s.speakingQueued || s.state != joinStateJoined {
		s.speakingArmed = false
		s.speakingQueued = false
		e.mu.Unlock()
		return
	}
	s.speakingQueued = false
	speaking := s.speakingValue
	source := s.mySource
	e.sched.arm(id, timeoutSpeaking, e.cfg.SpeakingThrottle)
	e.mu.Unlock()

	e.dispatch(func() {
		if err := e.transport.SendSpeaking(context.Background(), id, source, speaking); err != nil {
			e.logger.Debug("speaking notification failed",
				slog.String("call", id.String()),
				slog.String("error", err.Error()))
		}
	})
}

// OnSpeakingBySource resolves an audio-source speaking signal to a
// participant and updates speaking recency. An unknown source schedules
// one participant resync so late joiners become resolvable; the signal
// itself is dropped silently.
func (e *Engine) OnSpeakingBySource(id call.InputID, source call.AudioSource, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.lookupCall(id)
	if s == nil {
		return
	}
	set := e.participants[id]
	if set == nil {
		return
	}
	peer, ok := set.bySource[source]
	if !ok {
		if s.isSynced {
			e.scheduleResyncLocked(s, set)
		}
		return
	}
	p := set.byPeer[peer]
	if p == nil {
		return
	}
	if at.After(p.ActiveDate) {
		p.ActiveDate = at
	}
	if !p.IsSelf {
		// Self order never follows local speaking recency.
		order := call.ComputeOrder(p, s.canManage, e.now())
		if order.Compare(p.Order) != 0 {
			p.Order = order
			e.emitParticipantLocked(s, p, false)
		}
	}
	e.noteSpeakingLocked(s, peer, at)
	e.emitCallLocked(s)
}

// noteSpeakingLocked updates the recent-speaker ring and keeps the
// decay timeout armed while the ring is non-empty.
func (e *Engine) noteSpeakingLocked(s *callState, peer call.PeerRef, at time.Time) {
	rs, ok := e.recent[s.input]
	if !ok {
		rs = &call.RecentSpeakers{}
		e.recent[s.input] = rs
	}
	rs.NoteSpeaking(peer, at)
	if !e.sched.isArmed(s.input, timeoutSpeakerDecay) {
		e.sched.armAt(s.input, timeoutSpeakerDecay, at.Add(call.RecentSpeakerWindow))
	}
}

// onSpeakerDecayTimeout prunes aged-out speakers and re-arms for the
// next expiry while entries remain.
func (e *Engine) onSpeakerDecayTimeout(id call.InputID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.lookupCall(id)
	if s == nil {
		return
	}
	rs, ok := e.recent[id]
	if !ok {
		return
	}
	next, changed := rs.Prune(e.now())
	if changed {
		e.emitCallLocked(s)
	}
	if rs.Len() == 0 {
		delete(e.recent, id)
		return
	}
	e.sched.armAt(id, timeoutSpeakerDecay, next)
}

// onOrderRefreshTimeout recomputes presentation orders for every
// participant whose speaking or hand-raise recency shifted, emitting
// updates only when an order actually changed, and re-arms while the
// call stays actively synchronized.
func (e *Engine) onOrderRefreshTimeout(id call.InputID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.lookupCall(id)
	if s == nil || !s.isSynced {
		return
	}
	set := e.participants[id]
	if set == nil {
		return
	}
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
	e.sched.arm(id, timeoutOrderRefresh, e.cfg.OrderRefreshInterval)
}
