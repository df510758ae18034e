// Package engine implements the live group-call coordination engine: a
// session registry keyed by durable call id, a versioned reconciliation
// path for pushed participant updates, generation-checked mutation
// handlers, the join/leave state machine, and the per-call timeout
// scheduler that drives order refresh, join liveness, speaking-action
// throttling, recent-speaker decay, and resync debouncing.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/callsync/internal/call"
	"github.com/onnwee/callsync/internal/permission"
	"github.com/onnwee/callsync/internal/transport"
)

// Defaults for the engine's timing knobs. Order refresh and join
// liveness carry the protocol's fixed 10 s intervals; the resync
// debounce and the pending-update buffer bound are tuning constants.
const (
	DefaultOrderRefreshInterval = 10 * time.Second
	DefaultLivenessInterval     = 10 * time.Second
	DefaultSpeakingThrottle     = 2 * time.Second
	DefaultResyncDebounce       = time.Second
	DefaultPendingUpdateLimit   = 64
	DefaultLoadLimit            = 100
)

// Config holds the engine's tuning knobs.
type Config struct {
	// OrderRefreshInterval is how often participant presentation orders
	// are recomputed while a call is actively synchronized.
	OrderRefreshInterval time.Duration

	// LivenessInterval is how often membership is re-confirmed with the
	// gateway while joined, and the bound on how long a leave may stay
	// in flight before the local state is forced to NotJoined.
	LivenessInterval time.Duration

	// SpeakingThrottle coalesces rapid local speaking signals into at
	// most one outbound notification per interval per call.
	SpeakingThrottle time.Duration

	// ResyncDebounce coalesces bursts of version-gap detections into a
	// single resync request.
	ResyncDebounce time.Duration

	// PendingUpdateLimit bounds the out-of-order update buffer per call;
	// the oldest buffered version is dropped on overflow.
	PendingUpdateLimit int

	// LoadLimit is the page size for participant list loads.
	LoadLimit int32

	// AutoRejoin re-joins a call automatically after the gateway reports
	// the client is no longer a participant.
	AutoRejoin bool
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if c.OrderRefreshInterval < 0 || c.LivenessInterval < 0 ||
		c.SpeakingThrottle < 0 || c.ResyncDebounce < 0 {
		return fmt.Errorf("intervals must be >= 0")
	}
	if c.PendingUpdateLimit < 0 {
		return fmt.Errorf("PendingUpdateLimit must be >= 0 (got %d)", c.PendingUpdateLimit)
	}
	return nil
}

// withDefaults fills zero fields with the package defaults.
func (c Config) withDefaults() Config {
	if c.OrderRefreshInterval == 0 {
		c.OrderRefreshInterval = DefaultOrderRefreshInterval
	}
	if c.LivenessInterval == 0 {
		c.LivenessInterval = DefaultLivenessInterval
	}
	if c.SpeakingThrottle == 0 {
		c.SpeakingThrottle = DefaultSpeakingThrottle
	}
	if c.ResyncDebounce == 0 {
		c.ResyncDebounce = DefaultResyncDebounce
	}
	if c.PendingUpdateLimit == 0 {
		c.PendingUpdateLimit = DefaultPendingUpdateLimit
	}
	if c.LoadLimit == 0 {
		c.LoadLimit = DefaultLoadLimit
	}
	return c
}

// EventSink receives projected call and participant events whenever the
// engine produces an externally visible change. Events may be delivered
// while the engine holds its internal lock: implementations must not
// call back into the engine and must not block. Delivery that can stall
// (network writes) belongs behind a buffer, the way Broadcaster queues
// per connection.
type EventSink interface {
	CallUpdated(snapshot CallSnapshot)
	ParticipantUpdated(update ParticipantUpdate)
}

// Done is the completion continuation of an asynchronous operation.
type Done func(err error)

func (d Done) complete(err error) {
	if d != nil {
		d(err)
	}
}

// Engine owns all group-call state. All mutations are serialized
// through one mutex, so call state transitions are atomic with respect
// to each other; transport requests run on their own goroutines and
// re-enter through generation-checked completion methods that
// re-resolve the call by id.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	transport transport.Transport
	perms     permission.Checker
	sink      EventSink
	metrics   *Metrics
	sched     *scheduler
	clock     func() time.Time

	// The lock below guards everything past this point.
	mu sync.Mutex

	nextLocalID  int32
	calls        map[call.InputID]*callState
	byLocal      map[call.ID]call.InputID
	participants map[call.InputID]*participantSet
	recent       map[call.InputID]*call.RecentSpeakers
	peerCalls    map[call.PeerRef]map[call.InputID]struct{}
	pendingJoins map[call.InputID]*pendingJoin
	generations  generationLedger
}

// New creates an engine. The sink and metrics may be nil.
func New(cfg Config, tr transport.Transport, perms permission.Checker, sink EventSink, logger *slog.Logger, metrics *Metrics) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if perms == nil {
		perms = permission.Static(false)
	}
	e := &Engine{
		cfg:          cfg.withDefaults(),
		logger:       logger,
		transport:    tr,
		perms:        perms,
		sink:         sink,
		metrics:      metrics,
		clock:        time.Now,
		calls:        make(map[call.InputID]*callState),
		byLocal:      make(map[call.ID]call.InputID),
		participants: make(map[call.InputID]*participantSet),
		recent:       make(map[call.InputID]*call.RecentSpeakers),
		peerCalls:    make(map[call.PeerRef]map[call.InputID]struct{}),
		pendingJoins: make(map[call.InputID]*pendingJoin),
		generations:  newGenerationLedger(),
	}
	e.sched = newScheduler(e.onTimeout)
	return e, nil
}

// Run drives the timeout scheduler until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.sched.run(ctx)
	return ctx.Err()
}

// now returns the engine's current time; tests substitute the clock.
func (e *Engine) now() time.Time {
	return e.clock()
}

// dispatch runs fn on its own goroutine. Transport calls never run
// under the engine lock.
func (e *Engine) dispatch(fn func()) {
	go fn()
}
