package engine

import "github.com/onnwee/callsync/internal/call"

// mutationKind identifies one generation-checked mutation class.
type mutationKind int

const (
	kindJoin mutationKind = iota
	kindTitle
	kindRecording
	kindMuteNew
	kindParticipantMute
	kindVolume
	kindHandRaise
)

func (k mutationKind) String() string {
	switch k {
	case kindJoin:
		return "join"
	case kindTitle:
		return "title"
	case kindRecording:
		return "recording"
	case kindMuteNew:
		return "mute_new"
	case kindParticipantMute:
		return "participant_mute"
	case kindVolume:
		return "volume"
	case kindHandRaise:
		return "hand_raise"
	default:
		return "unknown"
	}
}

// genKey addresses one monotonic counter. Call-wide kinds leave Peer
// empty; participant-scoped kinds include the target identity.
type genKey struct {
	id   call.InputID
	peer call.PeerRef
	kind mutationKind
}

// generationLedger hands out monotonically increasing generations per
// key. A response is applied only when its captured generation still
// equals the latest issued one; anything older has been superseded and
// is discarded without touching state.
type generationLedger struct {
	counters map[genKey]uint64
}

func newGenerationLedger() generationLedger {
	return generationLedger{counters: make(map[genKey]uint64)}
}

// next issues a new generation for key.
func (l generationLedger) next(key genKey) uint64 {
	l.counters[key]++
	return l.counters[key]
}

// current returns the latest issued generation for key (0 if none).
func (l generationLedger) current(key genKey) uint64 {
	return l.counters[key]
}

// dropCall removes every counter belonging to a call. Any response
// still in flight will compare against 0 and be discarded.
func (l generationLedger) dropCall(id call.InputID) {
	for key := range l.counters {
		if key.id == id {
			delete(l.counters, key)
		}
	}
}
