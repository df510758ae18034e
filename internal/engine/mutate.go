package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/callsync/internal/call"
	"github.com/onnwee/callsync/internal/transport"
)

// Every mutation below follows one template: validate locally, flip the
// optimistic pending state, capture a fresh generation, dispatch, and
// reconcile the response through a generation check. A stale response
// completes its continuation without touching state; a current failure
// clears the pending value so the last server-confirmed state shows
// through again.

// SetTitle changes the call title. Requires manage permission.
func (e *Engine) SetTitle(ctx context.Context, id call.InputID, title string, done Done) error {
	if err := call.ValidateTitle(title); err != nil {
		return err
	}
	e.mu.Lock()
	s := e.lookupCall(id)
	if s == nil {
		e.mu.Unlock()
		return call.ErrCallNotFound
	}
	if !s.canManage {
		e.mu.Unlock()
		return call.ErrPermissionDenied
	}
	generation := e.generations.next(genKey{id: id, kind: kindTitle})
	s.pendingTitle = &title
	e.emitCallLocked(s)
	e.mu.Unlock()

	e.dispatch(func() {
		err := e.transport.EditTitle(ctx, id, title)
		e.finishSetTitle(id, generation, title, err)
		done.complete(err)
	})
	return nil
}

func (e *Engine) finishSetTitle(id call.InputID, generation uint64, title string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.lookupCall(id)
	if s == nil {
		return
	}
	if e.generations.current(genKey{id: id, kind: kindTitle}) != generation {
		e.markStale(kindTitle)
		return
	}
	if err != nil {
		s.pendingTitle = nil
	} else {
		s.title = title
		s.pendingTitle = nil
	}
	e.emitCallLocked(s)
}

// ToggleMuteNewParticipants flips whether newly joining participants
// start muted. Requires manage permission.
func (e *Engine) ToggleMuteNewParticipants(ctx context.Context, id call.InputID, muteNew bool, done Done) error {
	e.mu.Lock()
	s := e.lookupCall(id)
	if s == nil {
		e.mu.Unlock()
		return call.ErrCallNotFound
	}
	if !s.canManage {
		e.mu.Unlock()
		return call.ErrPermissionDenied
	}
	generation := e.generations.next(genKey{id: id, kind: kindMuteNew})
	s.pendingMuteNew = &muteNew
	e.emitCallLocked(s)
	e.mu.Unlock()

	e.dispatch(func() {
		err := e.transport.ToggleMuteNew(ctx, id, muteNew)
		e.finishToggleMuteNew(id, generation, muteNew, err)
		done.complete(err)
	})
	return nil
}

func (e *Engine) finishToggleMuteNew(id call.InputID, generation uint64, muteNew bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.lookupCall(id)
	if s == nil {
		return
	}
	if e.generations.current(genKey{id: id, kind: kindMuteNew}) != generation {
		e.markStale(kindMuteNew)
		return
	}
	if err == nil {
		s.muteNew = muteNew
	}
	s.pendingMuteNew = nil
	e.emitCallLocked(s)
}

// ToggleRecording starts or stops the call recording. Requires manage
// permission.
func (e *Engine) ToggleRecording(ctx context.Context, id call.InputID, enabled bool, done Done) error {
	e.mu.Lock()
	s := e.lookupCall(id)
	if s == nil {
		e.mu.Unlock()
		return call.ErrCallNotFound
	}
	if !s.canManage {
		e.mu.Unlock()
		return call.ErrPermissionDenied
	}
	generation := e.generations.next(genKey{id: id, kind: kindRecording})
	s.pendingRecording = &enabled
	e.emitCallLocked(s)
	e.mu.Unlock()

	e.dispatch(func() {
		err := e.transport.ToggleRecording(ctx, id, enabled)
		e.finishToggleRecording(id, generation, enabled, err)
		done.complete(err)
	})
	return nil
}

func (e *Engine) finishToggleRecording(id call.InputID, generation uint64, enabled bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.lookupCall(id)
	if s == nil {
		return
	}
	if e.generations.current(genKey{id: id, kind: kindRecording}) != generation {
		e.markStale(kindRecording)
		return
	}
	if err == nil {
		s.recording = enabled
		if enabled && s.recordStartAt.IsZero() {
			s.recordStartAt = e.now()
		}
		if !enabled {
			s.recordStartAt = time.Time{}
		}
	}
	s.pendingRecording = nil
	e.emitCallLocked(s)
}

// ToggleParticipantMuted mutes or unmutes a participant. The local
// client may mutate itself; anyone else requires manage permission.
func (e *Engine) ToggleParticipantMuted(ctx context.Context, id call.InputID, peer call.PeerRef, muted bool, done Done) error {
	e.mu.Lock()
	s, p, err := e.resolveParticipantLocked(id, peer)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if peer != s.myPeer && !s.canManage {
		e.mu.Unlock()
		return call.ErrPermissionDenied
	}
	generation := e.generations.next(genKey{id: id, peer: peer, kind: kindParticipantMute})
	p.PendingIsMuted = &muted
	e.emitParticipantLocked(s, p, false)
	e.mu.Unlock()

	e.dispatch(func() {
		err := e.transport.EditParticipant(ctx, transport.ParticipantEdit{Call: id, Peer: peer, IsMuted: &muted})
		e.finishParticipantEdit(id, peer, kindParticipantMute, generation, err, func(p *call.Participant, ok bool) {
			if ok {
				p.IsMuted = muted
			}
			p.PendingIsMuted = nil
		})
		done.complete(err)
	})
	return nil
}

// SetParticipantVolume sets a participant's playback volume level.
func (e *Engine) SetParticipantVolume(ctx context.Context, id call.InputID, peer call.PeerRef, volume int32, done Done) error {
	if err := call.ValidateVolume(volume); err != nil {
		return err
	}
	e.mu.Lock()
	s, p, err := e.resolveParticipantLocked(id, peer)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if peer != s.myPeer && !s.canManage {
		e.mu.Unlock()
		return call.ErrPermissionDenied
	}
	generation := e.generations.next(genKey{id: id, peer: peer, kind: kindVolume})
	p.PendingVolume = &volume
	e.emitParticipantLocked(s, p, false)
	e.mu.Unlock()

	e.dispatch(func() {
		err := e.transport.EditParticipant(ctx, transport.ParticipantEdit{Call: id, Peer: peer, Volume: &volume})
		e.finishParticipantEdit(id, peer, kindVolume, generation, err, func(p *call.Participant, ok bool) {
			if ok {
				p.Volume = volume
			}
			p.PendingVolume = nil
		})
		done.complete(err)
	})
	return nil
}

// ToggleParticipantHandRaised raises the local client's hand or, for
// call managers, lowers someone else's.
func (e *Engine) ToggleParticipantHandRaised(ctx context.Context, id call.InputID, peer call.PeerRef, raised bool, done Done) error {
	e.mu.Lock()
	s, p, err := e.resolveParticipantLocked(id, peer)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if peer != s.myPeer && !(s.canManage && !raised) {
		// Only the participant raises their own hand; managers may lower.
		e.mu.Unlock()
		return call.ErrPermissionDenied
	}
	generation := e.generations.next(genKey{id: id, peer: peer, kind: kindHandRaise})
	p.PendingIsHandRaised = &raised
	e.emitParticipantLocked(s, p, false)
	e.mu.Unlock()

	e.dispatch(func() {
		err := e.transport.EditParticipant(ctx, transport.ParticipantEdit{Call: id, Peer: peer, IsHandRaised: &raised})
		e.finishParticipantEdit(id, peer, kindHandRaise, generation, err, func(p *call.Participant, ok bool) {
			if ok {
				p.IsHandRaised = raised
				if raised {
					p.RaiseHandRating = e.now().UnixNano()
				} else {
					p.RaiseHandRating = 0
				}
			}
			p.PendingIsHandRaised = nil
		})
		done.complete(err)
	})
	return nil
}

// resolveParticipantLocked validates the call and participant exist.
func (e *Engine) resolveParticipantLocked(id call.InputID, peer call.PeerRef) (*callState, *call.Participant, error) {
	s := e.lookupCall(id)
	if s == nil {
		return nil, nil, call.ErrCallNotFound
	}
	set := e.participants[id]
	if set == nil {
		return nil, nil, call.ErrParticipantNotFound
	}
	p, ok := set.byPeer[peer]
	if !ok {
		return nil, nil, call.ErrParticipantNotFound
	}
	return s, p, nil
}

// finishParticipantEdit is the shared generation-checked completion for
// participant-scoped mutations. apply receives whether the wire
// confirmed the change and must clear the pending value either way.
func (e *Engine) finishParticipantEdit(id call.InputID, peer call.PeerRef, kind mutationKind, generation uint64, err error, apply func(p *call.Participant, ok bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.lookupCall(id)
	if s == nil {
		return
	}
	if e.generations.current(genKey{id: id, peer: peer, kind: kind}) != generation {
		e.markStale(kind)
		return
	}
	set := e.participants[id]
	if set == nil {
		return
	}
	p, ok := set.byPeer[peer]
	if !ok {
		return
	}
	if err != nil {
		e.logger.Warn("participant mutation failed",
			slog.String("call", id.String()),
			slog.String("peer", string(peer)),
			slog.String("kind", kind.String()),
			slog.String("error", err.Error()))
	}
	apply(p, err == nil)
	p.Order = call.ComputeOrder(p, s.canManage, e.now())
	e.emitParticipantLocked(s, p, false)
}

// markStale records a superseded response. Not an error; the caller's
// own operation already completed or was overtaken.
func (e *Engine) markStale(kind mutationKind) {
	if e.metrics != nil {
		e.metrics.IncStaleResponses(kind.String())
	}
}
