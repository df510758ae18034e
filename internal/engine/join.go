package engine

import (
	"context"
	"log/slog"

	"github.com/onnwee/callsync/internal/call"
	"github.com/onnwee/callsync/internal/transport"
)

// Join requests membership of a group call. A call already being
// joined errors ErrJoinInProgress; a call already joined completes fn
// immediately with the existing audio source. Otherwise the single
// pending join record is created under a fresh generation and the
// request dispatched; any prior pending request is superseded.
func (e *Engine) Join(ctx context.Context, id call.InputID, chat call.ChatRef, joinAs call.PeerRef, payload []byte, muted bool, fn func(transport.JoinResult, error)) error {
	e.mu.Lock()
	s := e.getOrCreateCall(id, chat)

	switch s.state {
	case joinStateJoined:
		source := s.mySource
		e.mu.Unlock()
		if fn != nil {
			fn(transport.JoinResult{Source: source}, nil)
		}
		return nil
	case joinStateJoining, joinStateLeaving:
		e.mu.Unlock()
		return call.ErrJoinInProgress
	}

	e.cancelPendingJoinLocked(id, call.ErrJoinCancelled)
	generation := e.generations.next(genKey{id: id, kind: kindJoin})
	e.pendingJoins[id] = &pendingJoin{
		generation: generation,
		joinAs:     joinAs,
		payload:    payload,
		muted:      muted,
		fn:         fn,
	}
	s.state = joinStateJoining
	s.myPeer = joinAs
	s.joinPayload = payload
	s.joinMuted = muted
	e.emitCallLocked(s)
	e.mu.Unlock()

	e.logger.Info("joining group call",
		slog.String("call", id.String()),
		slog.String("join_as", string(joinAs)))
	e.dispatch(func() {
		res, err := e.transport.JoinCall(ctx, transport.JoinRequest{
			Call:    id,
			Chat:    chat,
			JoinAs:  joinAs,
			Payload: payload,
			Muted:   muted,
		})
		e.finishJoin(id, generation, res, err)
	})
	return nil
}

// finishJoin reconciles the join response. Responses carrying a
// superseded generation are dropped; the continuation for those was
// already completed when the request was cancelled.
func (e *Engine) finishJoin(id call.InputID, generation uint64, res transport.JoinResult, err error) {
	e.mu.Lock()

	s := e.lookupCall(id)
	if s == nil {
		e.mu.Unlock()
		return
	}
	p, ok := e.pendingJoins[id]
	if !ok || p.generation != generation {
		if e.metrics != nil {
			e.metrics.IncStaleResponses(kindJoin.String())
		}
		e.mu.Unlock()
		return
	}
	delete(e.pendingJoins, id)
	fn := p.fn

	if err != nil {
		s.state = joinStateNone
		e.emitCallLocked(s)
		e.mu.Unlock()
		e.logger.Warn("group call join failed",
			slog.String("call", id.String()),
			slog.String("error", err.Error()))
		if fn != nil {
			fn(transport.JoinResult{}, err)
		}
		return
	}

	s.state = joinStateJoined
	s.mySource = res.Source
	s.isSynced = true
	set := e.ensureParticipants(id)
	e.scheduleResyncLocked(s, set)
	e.sched.arm(id, timeoutLiveness, e.cfg.LivenessInterval)
	if e.metrics != nil {
		e.metrics.IncJoins()
	}
	e.emitCallLocked(s)
	e.mu.Unlock()

	e.logger.Info("joined group call",
		slog.String("call", id.String()),
		slog.Int("source", int(res.Source)))
	if fn != nil {
		fn(res, nil)
	}
}

// Leave gives up membership. The local transition to NotJoined is
// guaranteed within the liveness interval even when the transport never
// answers; leave is best-effort on the wire and never gets stuck.
func (e *Engine) Leave(ctx context.Context, id call.InputID, done Done) error {
	e.mu.Lock()
	s := e.lookupCall(id)
	if s == nil {
		e.mu.Unlock()
		return call.ErrCallNotFound
	}

	switch s.state {
	case joinStateNone:
		e.mu.Unlock()
		return call.ErrNotJoined
	case joinStateJoining:
		// Nothing on the server yet to leave; cancel the pending join.
		e.cancelPendingJoinLocked(id, call.ErrJoinCancelled)
		s.state = joinStateNone
		e.tryClearParticipantsLocked(s)
		e.emitCallLocked(s)
		e.mu.Unlock()
		done.complete(nil)
		return nil
	case joinStateLeaving:
		e.mu.Unlock()
		done.complete(nil)
		return nil
	}

	s.state = joinStateLeaving
	source := s.mySource
	// Re-purpose the liveness slot as the bound on the leave itself.
	e.sched.arm(id, timeoutLiveness, e.cfg.LivenessInterval)
	e.emitCallLocked(s)
	e.mu.Unlock()

	e.logger.Info("leaving group call", slog.String("call", id.String()))
	e.dispatch(func() {
		err := e.transport.LeaveCall(ctx, id, source)
		e.finishLeave(id, err)
		done.complete(err)
	})
	return nil
}

// finishLeave completes the leave regardless of the transport outcome.
func (e *Engine) finishLeave(id call.InputID, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.lookupCall(id)
	if s == nil {
		return
	}
	if err != nil {
		e.logger.Warn("group call leave failed on the wire",
			slog.String("call", id.String()),
			slog.String("error", err.Error()))
	}
	if s.state == joinStateLeaving {
		e.forceNotJoinedLocked(s, false)
	}
}

// forceNotJoinedLocked drives the machine back to NotJoined, tears down
// the synchronized participant state, and optionally schedules an
// automatic rejoin.
func (e *Engine) forceNotJoinedLocked(s *callState, needRejoin bool) {
	s.state = joinStateNone
	s.mySource = 0
	e.sched.cancel(s.input, timeoutLiveness)
	e.tryClearParticipantsLocked(s)
	if e.metrics != nil {
		e.metrics.IncLeaves()
	}
	e.emitCallLocked(s)

	if needRejoin && e.cfg.AutoRejoin && s.joinPayload != nil {
		id, chat := s.input, s.chat
		joinAs, payload, muted := s.myPeer, s.joinPayload, s.joinMuted
		e.logger.Info("scheduling automatic rejoin", slog.String("call", id.String()))
		e.dispatch(func() {
			if err := e.Join(context.Background(), id, chat, joinAs, payload, muted, nil); err != nil {
				e.logger.Warn("automatic rejoin failed",
					slog.String("call", id.String()),
					slog.String("error", err.Error()))
			}
		})
	}
}

// onLivenessTimeout re-confirms membership while joined and bounds the
// leave transition while leaving.
func (e *Engine) onLivenessTimeout(id call.InputID) {
	e.mu.Lock()
	s := e.lookupCall(id)
	if s == nil {
		e.mu.Unlock()
		return
	}
	switch s.state {
	case joinStateLeaving:
		// The wire never answered; the local machine moves on.
		e.forceNotJoinedLocked(s, false)
		e.mu.Unlock()
		return
	case joinStateJoined:
		source := s.mySource
		e.mu.Unlock()
		e.dispatch(func() {
			err := e.transport.CheckJoined(context.Background(), id, source)
			e.finishLivenessCheck(id, err)
		})
		return
	default:
		e.mu.Unlock()
	}
}

// finishLivenessCheck handles the heartbeat outcome. The gateway
// reporting the client absent forces the leave path, with a rejoin when
// configured.
func (e *Engine) finishLivenessCheck(id call.InputID, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.lookupCall(id)
	if s == nil || s.state != joinStateJoined {
		return
	}
	switch {
	case err == nil:
		e.sched.arm(id, timeoutLiveness, e.cfg.LivenessInterval)
	case transport.IsCode(err, transport.CodeNotParticipant):
		e.logger.Warn("gateway reports client absent from call",
			slog.String("call", id.String()))
		if e.metrics != nil {
			e.metrics.IncForcedLeaves()
		}
		e.forceNotJoinedLocked(s, true)
	case transport.IsCode(err, transport.CodeCallInvalid):
		if e.metrics != nil {
			e.metrics.IncForcedLeaves()
		}
		e.forceNotJoinedLocked(s, false)
	default:
		// Transient failure; keep the membership and try again.
		e.logger.Debug("liveness check failed",
			slog.String("call", id.String()),
			slog.String("error", err.Error()))
		e.sched.arm(id, timeoutLiveness, e.cfg.LivenessInterval)
	}
}
