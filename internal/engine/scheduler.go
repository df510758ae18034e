package engine

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/onnwee/callsync/internal/call"
)

// timeoutKind is one of the five per-call timeout classes.
type timeoutKind int

const (
	timeoutOrderRefresh timeoutKind = iota
	timeoutLiveness
	timeoutSpeaking
	timeoutSpeakerDecay
	timeoutResync
)

func (k timeoutKind) String() string {
	switch k {
	case timeoutOrderRefresh:
		return "order_refresh"
	case timeoutLiveness:
		return "liveness"
	case timeoutSpeaking:
		return "speaking"
	case timeoutSpeakerDecay:
		return "speaker_decay"
	case timeoutResync:
		return "resync"
	default:
		return "unknown"
	}
}

type timeoutKey struct {
	id   call.InputID
	kind timeoutKind
}

type timeoutEntry struct {
	at  time.Time
	key timeoutKey
	seq uint64
}

// timeoutHeap orders entries by fire time.
type timeoutHeap []timeoutEntry

func (h timeoutHeap) Len() int            { return len(h) }
func (h timeoutHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timeoutHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timeoutHeap) Push(x any)         { *h = append(*h, x.(timeoutEntry)) }
func (h *timeoutHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// scheduler is a priority queue of (fire time, call id, kind) drained
// by a single goroutine. Arming a (call, kind) pair supersedes any
// earlier arm for the same pair; cancellation just invalidates the
// sequence so dead heap entries are skipped when they surface.
type scheduler struct {
	fire func(id call.InputID, kind timeoutKind)

	mu    sync.Mutex
	queue timeoutHeap
	armed map[timeoutKey]uint64
	seq   uint64
	wake  chan struct{}
}

func newScheduler(fire func(id call.InputID, kind timeoutKind)) *scheduler {
	return &scheduler{
		fire:  fire,
		armed: make(map[timeoutKey]uint64),
		wake:  make(chan struct{}, 1),
	}
}

// arm schedules kind for id after delay, replacing any earlier arm.
func (s *scheduler) arm(id call.InputID, kind timeoutKind, delay time.Duration) {
	key := timeoutKey{id: id, kind: kind}
	s.mu.Lock()
	s.seq++
	s.armed[key] = s.seq
	heap.Push(&s.queue, timeoutEntry{at: time.Now().Add(delay), key: key, seq: s.seq})
	s.mu.Unlock()
	s.notify()
}

// armAt is arm with an absolute fire time.
func (s *scheduler) armAt(id call.InputID, kind timeoutKind, at time.Time) {
	key := timeoutKey{id: id, kind: kind}
	s.mu.Lock()
	s.seq++
	s.armed[key] = s.seq
	heap.Push(&s.queue, timeoutEntry{at: at, key: key, seq: s.seq})
	s.mu.Unlock()
	s.notify()
}

// cancel disarms kind for id. A no-op when not armed.
func (s *scheduler) cancel(id call.InputID, kind timeoutKind) {
	s.mu.Lock()
	delete(s.armed, timeoutKey{id: id, kind: kind})
	s.mu.Unlock()
}

// cancelAll disarms every timeout class for id.
func (s *scheduler) cancelAll(id call.InputID) {
	s.mu.Lock()
	for key := range s.armed {
		if key.id == id {
			delete(s.armed, key)
		}
	}
	s.mu.Unlock()
}

// isArmed reports whether kind is currently armed for id.
func (s *scheduler) isArmed(id call.InputID, kind timeoutKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.armed[timeoutKey{id: id, kind: kind}]
	return ok
}

func (s *scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run drains the queue until ctx is done. Fire callbacks execute on
// the scheduler goroutine without holding the scheduler lock, so they
// may re-arm or cancel freely.
func (s *scheduler) run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		now := time.Now()
		var due []timeoutEntry

		s.mu.Lock()
		for s.queue.Len() > 0 {
			top := s.queue[0]
			if seq, ok := s.armed[top.key]; !ok || seq != top.seq {
				// Superseded or cancelled; drop the dead entry.
				heap.Pop(&s.queue)
				continue
			}
			if top.at.After(now) {
				break
			}
			heap.Pop(&s.queue)
			delete(s.armed, top.key)
			due = append(due, top)
		}
		wait := time.Hour
		if s.queue.Len() > 0 {
			wait = time.Until(s.queue[0].at)
			if wait < 0 {
				wait = 0
			}
		}
		s.mu.Unlock()

		for _, entry := range due {
			s.fire(entry.key.id, entry.key.kind)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}
