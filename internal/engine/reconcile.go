package engine

import (
	"context"
	"log/slog"

	"github.com/onnwee/callsync/internal/call"
	"github.com/onnwee/callsync/internal/transport"
)

// HandleParticipantsUpdate implements transport.UpdateHandler for
// pushed participant batches. Delivery is tolerated out of order and
// duplicated: contiguous versions merge immediately, older versions are
// discarded, and gaps are buffered (bounded) while a debounced resync
// is scheduled.
func (e *Engine) HandleParticipantsUpdate(id call.InputID, changes []transport.ParticipantChange, version int32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.lookupCall(id)
	if s == nil || !s.isSynced {
		// Updates for calls we are not actively synchronizing carry no
		// obligation; the next join loads the full list anyway.
		return
	}
	set := e.ensureParticipants(id)

	switch {
	case set.lastVersion == 0:
		// Initial list not loaded yet; buffer and let the load flush it.
		e.bufferUpdateLocked(s, set, changes, version)
	case version <= set.lastVersion:
		if e.metrics != nil {
			e.metrics.IncUpdatesDuplicate()
		}
		e.logger.Debug("discarding duplicate participants update",
			slog.String("call", id.String()),
			slog.Int("version", int(version)),
			slog.Int("last_applied", int(set.lastVersion)))
	case version == set.lastVersion+1:
		e.applyChangesLocked(s, set, changes, version)
		e.flushPendingLocked(s, set)
		e.finishMergeLocked(s, set)
	default:
		e.bufferUpdateLocked(s, set, changes, version)
	}
}

// applyChangesLocked merges one contiguous batch and advances the
// applied version.
func (e *Engine) applyChangesLocked(s *callState, set *participantSet, changes []transport.ParticipantChange, version int32) {
	now := e.now()
	for _, ch := range changes {
		if set.loadSeen != nil && !ch.Left {
			// A reload is paginating; peers this delta adds must survive
			// the final page's absence check.
			set.loadSeen[ch.Peer] = struct{}{}
		}
		p, left := e.mergeChange(s, set, ch, now)
		if p != nil {
			e.emitParticipantLocked(s, p, left)
		}
	}
	set.lastVersion = version
	if version > s.version {
		s.version = version
	}
	if e.metrics != nil {
		e.metrics.IncUpdatesApplied()
	}
}

// flushPendingLocked drains buffered batches that have become
// contiguous, in ascending version order, discarding ones the resync
// already covered.
func (e *Engine) flushPendingLocked(s *callState, set *participantSet) {
	for {
		for version := range set.pending {
			if version <= set.lastVersion {
				delete(set.pending, version)
			}
		}
		next, ok := set.pending[set.lastVersion+1]
		if !ok {
			return
		}
		delete(set.pending, set.lastVersion+1)
		e.applyChangesLocked(s, set, next, set.lastVersion+1)
	}
}

// bufferUpdateLocked stores an out-of-order batch (bounded, oldest
// dropped on overflow) and schedules a debounced resync.
func (e *Engine) bufferUpdateLocked(s *callState, set *participantSet, changes []transport.ParticipantChange, version int32) {
	if _, ok := set.pending[version]; !ok && len(set.pending) >= e.cfg.PendingUpdateLimit {
		oldest := int32(0)
		for v := range set.pending {
			if oldest == 0 || v < oldest {
				oldest = v
			}
		}
		delete(set.pending, oldest)
	}
	set.pending[version] = changes
	if e.metrics != nil {
		e.metrics.IncUpdatesBuffered()
	}
	e.logger.Debug("buffered out-of-order participants update",
		slog.String("call", s.input.String()),
		slog.Int("version", int(version)),
		slog.Int("last_applied", int(set.lastVersion)))
	e.scheduleResyncLocked(s, set)
}

// scheduleResyncLocked marks the set as needing a resync and arms the
// debounce timeout. Bursts of gap detections coalesce into a single
// request.
func (e *Engine) scheduleResyncLocked(s *callState, set *participantSet) {
	set.needsResync = true
	if !e.sched.isArmed(s.input, timeoutResync) {
		e.sched.arm(s.input, timeoutResync, e.cfg.ResyncDebounce)
	}
}

// onResyncTimeout fires the debounced resync: one full-list load that
// replaces buffered state.
func (e *Engine) onResyncTimeout(id call.InputID) {
	e.mu.Lock()
	s := e.lookupCall(id)
	if s == nil || !s.isSynced {
		e.mu.Unlock()
		return
	}
	set := e.participants[id]
	if set == nil || !set.needsResync || set.resyncing {
		e.mu.Unlock()
		return
	}
	set.needsResync = false
	set.resyncing = true
	limit := e.cfg.LoadLimit
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.IncResyncs()
	}
	e.dispatch(func() {
		page, err := e.transport.LoadParticipants(context.Background(), id, "", limit)
		e.finishResync(id, page, err)
	})
}

// finishResync applies the resync load or re-arms the debounce on
// failure.
func (e *Engine) finishResync(id call.InputID, page transport.ParticipantsPage, err error) {
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
	set.resyncing = false
	if err != nil {
		e.logger.Warn("participants resync failed",
			slog.String("call", id.String()),
			slog.String("error", err.Error()))
		e.scheduleResyncLocked(s, set)
		return
	}
	e.applyFullListLocked(s, set, page, true)
}

// ApplyParticipantsLoad merges a full-list load or one of its paginated
// continuations delivered outside the resync path.
func (e *Engine) ApplyParticipantsLoad(id call.InputID, page transport.ParticipantsPage, firstPage bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.lookupCall(id)
	if s == nil {
		return
	}
	set := e.ensureParticipants(id)
	e.applyFullListLocked(s, set, page, firstPage)
}

// applyFullListLocked merges a load page into the participant mapping.
// The first page resets the pending buffer and starts tracking which
// peers the reload names; once the final page is in, members the reload
// no longer names are removed. Entries whose projection is unchanged
// are merged silently, so a reload of an unchanged list emits nothing.
func (e *Engine) applyFullListLocked(s *callState, set *participantSet, page transport.ParticipantsPage, firstPage bool) {
	if firstPage {
		if page.Version < set.lastVersion {
			e.logger.Debug("ignoring stale participants load",
				slog.String("call", s.input.String()),
				slog.Int("version", int(page.Version)),
				slog.Int("last_applied", int(set.lastVersion)))
			return
		}
		set.loadSeen = make(map[call.PeerRef]struct{}, len(page.Changes))
		set.pending = make(map[int32][]transport.ParticipantChange)
		set.lastVersion = page.Version
		if page.Version > s.version {
			s.version = page.Version
		}
	}

	now := e.now()
	for _, ch := range page.Changes {
		if set.loadSeen != nil && !ch.Left {
			set.loadSeen[ch.Peer] = struct{}{}
		}
		var before *ParticipantUpdate
		if p, ok := set.byPeer[ch.Peer]; ok && !ch.Left {
			prev := projectParticipant(s.localID, p, now)
			before = &prev
		}
		p, left := e.mergeChange(s, set, ch, now)
		if p == nil {
			continue
		}
		if !left && before != nil && projectParticipant(s.localID, p, now) == *before {
			continue
		}
		e.emitParticipantLocked(s, p, left)
	}

	// The reload is authoritative once its last page is in: members it
	// never named left while we were desynchronized.
	if page.NextCursor == "" && set.loadSeen != nil {
		var gone []call.PeerRef
		for peer := range set.byPeer {
			if _, ok := set.loadSeen[peer]; !ok {
				gone = append(gone, peer)
			}
		}
		for _, peer := range gone {
			if p, left := e.mergeChange(s, set, transport.ParticipantChange{Peer: peer, Left: true}, now); p != nil {
				e.emitParticipantLocked(s, p, left)
			}
		}
		set.loadSeen = nil
	}

	set.loadCursor = page.NextCursor
	set.loadedAll = page.NextCursor == ""
	if page.Count > 0 {
		s.participantCount = page.Count
	}

	e.flushPendingLocked(s, set)
	e.finishMergeLocked(s, set)
}

// finishMergeLocked runs the shared post-merge path: count correction,
// order-refresh arming, and snapshot emission.
func (e *Engine) finishMergeLocked(s *callState, set *participantSet) {
	e.correctParticipantCount(s, set)
	if s.isSynced && !e.sched.isArmed(s.input, timeoutOrderRefresh) {
		e.sched.arm(s.input, timeoutOrderRefresh, e.cfg.OrderRefreshInterval)
	}
	e.emitCallLocked(s)
}

// LoadMoreParticipants requests the next page of the participant list
// using the recorded cursor.
func (e *Engine) LoadMoreParticipants(ctx context.Context, id call.InputID, done Done) error {
	e.mu.Lock()
	s := e.lookupCall(id)
	if s == nil {
		e.mu.Unlock()
		return call.ErrCallNotFound
	}
	set := e.participants[id]
	if set == nil || set.loadedAll || set.loadCursor == "" {
		e.mu.Unlock()
		return call.ErrInvalidCursor
	}
	cursor := set.loadCursor
	limit := e.cfg.LoadLimit
	e.mu.Unlock()

	e.dispatch(func() {
		page, err := e.transport.LoadParticipants(ctx, id, cursor, limit)
		if err == nil {
			e.ApplyParticipantsLoad(id, page, false)
		}
		done.complete(err)
	})
	return nil
}
