package call

import "time"

// Order is the composite, totally ordered presentation key for a
// participant. Larger orders sort first. The three components are
// compared in sequence: speaking recency, hand-raise rating, then join
// date, all descending, so currently speaking participants float above
// raised hands, which float above everyone else in join order.
type Order struct {
	ActiveSince int64
	HandRating  int64
	JoinedAt    int64
}

// IsValid reports whether the order belongs to a present participant.
// The zero order sorts below every valid order and marks entries that
// are being removed.
func (o Order) IsValid() bool {
	return o.JoinedAt > 0
}

// Compare returns -1, 0 or 1 as o sorts after, equal to, or before
// other (descending presentation order).
func (o Order) Compare(other Order) int {
	if o.ActiveSince != other.ActiveSince {
		if o.ActiveSince > other.ActiveSince {
			return 1
		}
		return -1
	}
	if o.HandRating != other.HandRating {
		if o.HandRating > other.HandRating {
			return 1
		}
		return -1
	}
	if o.JoinedAt != other.JoinedAt {
		if o.JoinedAt > other.JoinedAt {
			return 1
		}
		return -1
	}
	return 0
}

// SpeakingRecency is how long a participant keeps "currently speaking"
// precedence after their last speaking tick.
const SpeakingRecency = 5 * time.Minute

// ComputeOrder derives the ordering key for a participant. Hand-raise
// rating only participates when the viewer can manage the call, since
// raised hands are invisible to everyone else. A participant whose
// speaking recency has aged out keeps no ActiveSince component.
func ComputeOrder(p *Participant, canManage bool, now time.Time) Order {
	o := Order{JoinedAt: p.JoinedAt.Unix()}
	if canManage && p.EffectiveIsHandRaised() {
		o.HandRating = p.RaiseHandRating
	}
	if !p.ActiveDate.IsZero() && now.Sub(p.ActiveDate) < SpeakingRecency {
		o.ActiveSince = p.ActiveDate.Unix()
	}
	return o
}
