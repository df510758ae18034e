package engine

import (
	"log/slog"
	"time"

	"github.com/onnwee/callsync/internal/call"
	"github.com/onnwee/callsync/internal/transport"
)

// joinState is the join/leave machine state of one call. Leave always
// returns to joinStateNone; a discarded call is removed from the
// registry altogether.
type joinState int

const (
	joinStateNone joinState = iota
	joinStateJoining
	joinStateJoined
	joinStateLeaving
)

func (s joinState) String() string {
	switch s {
	case joinStateNone:
		return "not_joined"
	case joinStateJoining:
		return "joining"
	case joinStateJoined:
		return "joined"
	case joinStateLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// callState is the registry record for one live or passively known
// call. Confirmed fields mirror the gateway; the pending* pointers
// carry dispatched-but-unconfirmed local mutations, resolved by the
// effective* accessors.
type callState struct {
	localID call.ID
	input   call.InputID
	chat    call.ChatRef

	version          int32
	participantCount int32
	terminated       bool

	title        string
	pendingTitle *string

	muteNew        bool
	pendingMuteNew *bool

	recording        bool
	pendingRecording *bool
	recordStartAt    time.Time

	state     joinState
	canManage bool

	// isSynced marks the call as actively synchronized (receiving live
	// participant updates) as opposed to passively known metadata.
	isSynced bool

	myPeer   call.PeerRef
	mySource call.AudioSource

	// Join arguments retained for automatic rejoin.
	joinPayload []byte
	joinMuted   bool

	// Speaking-action throttle state.
	speakingArmed   bool
	speakingQueued  bool
	speakingValue   bool

	lastSnapshot *CallSnapshot
}

func (s *callState) effectiveTitle() string {
	if s.pendingTitle != nil {
		return *s.pendingTitle
	}
	return s.title
}

func (s *callState) effectiveMuteNew() bool {
	if s.pendingMuteNew != nil {
		return *s.pendingMuteNew
	}
	return s.muteNew
}

func (s *callState) effectiveRecording() bool {
	if s.pendingRecording != nil {
		return *s.pendingRecording
	}
	return s.recording
}

// pendingJoin is the single in-flight join record of a call. A newer
// join attempt or a discard cancels it by completing fn and bumping the
// join generation so the late response is ignored.
type pendingJoin struct {
	generation uint64
	joinAs     call.PeerRef
	payload    []byte
	muted      bool
	fn         func(transport.JoinResult, error)
}

// getOrCreateCall resolves or registers the call record for id.
func (e *Engine) getOrCreateCall(id call.InputID, chat call.ChatRef) *callState {
	if s, ok := e.calls[id]; ok {
		if s.chat == "" && chat != "" {
			s.chat = chat
			s.canManage = e.perms.CanManageCalls(chat)
		}
		return s
	}
	e.nextLocalID++
	s := &callState{
		localID: call.ID(e.nextLocalID),
		input:   id,
		chat:    chat,
	}
	if chat != "" {
		s.canManage = e.perms.CanManageCalls(chat)
	}
	e.calls[id] = s
	e.byLocal[s.localID] = id
	if e.metrics != nil {
		e.metrics.SetActiveCalls(len(e.calls))
	}
	e.logger.Debug("registered group call",
		slog.String("call", id.String()),
		slog.Int("local_id", int(s.localID)))
	return s
}

// lookupCall resolves id, returning nil when the call is unknown or
// already discarded. Every re-entry path (timer fire, transport
// completion) goes through here and treats nil as a silent no-op.
func (e *Engine) lookupCall(id call.InputID) *callState {
	return e.calls[id]
}

// DiscardCall removes a call and everything hanging off it: the
// participant set, the recent-speaker ring, all generation counters,
// all timeouts, and the pending join (whose continuation is completed
// with a cancelled outcome). Idempotent.
func (e *Engine) DiscardCall(id call.InputID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.discardCallLocked(id)
}

func (e *Engine) discardCallLocked(id call.InputID) {
	s, ok := e.calls[id]
	if !ok {
		return
	}
	e.cancelPendingJoinLocked(id, call.ErrJoinCancelled)
	e.clearParticipantsLocked(id)
	delete(e.recent, id)
	e.generations.dropCall(id)
	e.sched.cancelAll(id)
	delete(e.byLocal, s.localID)
	delete(e.calls, id)
	if e.metrics != nil {
		e.metrics.SetActiveCalls(len(e.calls))
	}
	e.logger.Info("discarded group call", slog.String("call", id.String()))
}

// cancelPendingJoinLocked invalidates the in-flight join, if any, and
// completes its continuation with reason.
func (e *Engine) cancelPendingJoinLocked(id call.InputID, reason error) {
	p, ok := e.pendingJoins[id]
	if !ok {
		return
	}
	delete(e.pendingJoins, id)
	// Bump the generation so the late transport response compares stale.
	e.generations.next(genKey{id: id, kind: kindJoin})
	if p.fn != nil {
		fn := p.fn
		e.dispatch(func() { fn(transport.JoinResult{}, reason) })
	}
}

// clearParticipantsLocked drops the participant set and the reverse
// index entries pointing at this call.
func (e *Engine) clearParticipantsLocked(id call.InputID) {
	set, ok := e.participants[id]
	if !ok {
		return
	}
	for peer := range set.byPeer {
		e.unindexParticipantLocked(id, peer)
	}
	delete(e.participants, id)
}

// tryClearParticipantsLocked drops participant state once the call no
// longer needs it (not joined and not being joined). Metadata stays so
// the call remains passively known.
func (e *Engine) tryClearParticipantsLocked(s *callState) {
	if s.state == joinStateJoining || s.state == joinStateJoined {
		return
	}
	s.isSynced = false
	e.clearParticipantsLocked(s.input)
	e.sched.cancel(s.input, timeoutOrderRefresh)
	e.sched.cancel(s.input, timeoutResync)
	e.sched.cancel(s.input, timeoutSpeaking)
}

// indexParticipantLocked records peer as a member of call id in the
// reverse index.
func (e *Engine) indexParticipantLocked(id call.InputID, peer call.PeerRef) {
	calls, ok := e.peerCalls[peer]
	if !ok {
		calls = make(map[call.InputID]struct{})
		e.peerCalls[peer] = calls
	}
	calls[id] = struct{}{}
}

func (e *Engine) unindexParticipantLocked(id call.InputID, peer call.PeerRef) {
	calls, ok := e.peerCalls[peer]
	if !ok {
		return
	}
	delete(calls, id)
	if len(calls) == 0 {
		delete(e.peerCalls, peer)
	}
}

// CallsOf returns the calls a peer is currently known to be in.
func (e *Engine) CallsOf(peer call.PeerRef) []call.InputID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]call.InputID, 0, len(e.peerCalls[peer]))
	for id := range e.peerCalls[peer] {
		out = append(out, id)
	}
	return out
}

// onTimeout is the scheduler's fire callback. It re-resolves the call
// under the lock; a discarded call makes every class a silent no-op.
func (e *Engine) onTimeout(id call.InputID, kind timeoutKind) {
	switch kind {
	case timeoutOrderRefresh:
		e.onOrderRefreshTimeout(id)
	case timeoutLiveness:
		e.onLivenessTimeout(id)
	case timeoutSpeaking:
		e.onSpeakingTimeout(id)
	case timeoutSpeakerDecay:
		e.onSpeakerDecayTimeout(id)
	case timeoutResync:
		e.onResyncTimeout(id)
	}
}
