package call

import (
	"sort"
	"testing"
	"time"
)

func TestOrder_IsValid(t *testing.T) {
	if (Order{}).IsValid() {
		t.Error("zero order should be invalid")
	}
	if !(Order{JoinedAt: 1000}).IsValid() {
		t.Error("order with a join date should be valid")
	}
	if (Order{ActiveSince: 1000}).IsValid() {
		t.Error("order without a join date should be invalid")
	}
}

func TestOrder_Compare(t *testing.T) {
	tests := []struct {
		name string
		a, b Order
		want int
	}{
		{
			name: "equal orders",
			a:    Order{ActiveSince: 5, HandRating: 3, JoinedAt: 1},
			b:    Order{ActiveSince: 5, HandRating: 3, JoinedAt: 1},
			want: 0,
		},
		{
			name: "speaking beats raised hand",
			a:    Order{ActiveSince: 100, JoinedAt: 1},
			b:    Order{HandRating: 999, JoinedAt: 50},
			want: 1,
		},
		{
			name: "raised hand beats join date",
			a:    Order{HandRating: 1, JoinedAt: 1},
			b:    Order{JoinedAt: 999},
			want: 1,
		},
		{
			name: "more recent speaker first",
			a:    Order{ActiveSince: 200, JoinedAt: 1},
			b:    Order{ActiveSince: 100, JoinedAt: 1},
			want: 1,
		},
		{
			name: "later joiner first",
			a:    Order{JoinedAt: 100},
			b:    Order{JoinedAt: 200},
			want: -1,
		},
		{
			name: "valid beats zero",
			a:    Order{JoinedAt: 1},
			b:    Order{},
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Compare(tt.b); got != tt.want {
				t.Errorf("Compare() = %d, want %d", got, tt.want)
			}
			if got := tt.b.Compare(tt.a); got != -tt.want {
				t.Errorf("reverse Compare() = %d, want %d", got, -tt.want)
			}
		})
	}
}

func TestOrder_SortStability(t *testing.T) {
	orders := []Order{
		{JoinedAt: 10},
		{ActiveSince: 500, JoinedAt: 5},
		{HandRating: 2, JoinedAt: 7},
		{JoinedAt: 30},
		{HandRating: 9, JoinedAt: 3},
	}

	sort.Slice(orders, func(i, j int) bool {
		return orders[i].Compare(orders[j]) > 0
	})

	want := []Order{
		{ActiveSince: 500, JoinedAt: 5},
		{HandRating: 9, JoinedAt: 3},
		{HandRating: 2, JoinedAt: 7},
		{JoinedAt: 30},
		{JoinedAt: 10},
	}
	for i := range want {
		if orders[i] != want[i] {
			t.Errorf("position %d: got %+v, want %+v", i, orders[i], want[i])
		}
	}
}

func TestComputeOrder(t *testing.T) {
	now := time.Unix(10000, 0)
	joined := time.Unix(9000, 0)

	tests := []struct {
		name      string
		p         Participant
		canManage bool
		want      Order
	}{
		{
			name: "plain participant",
			p:    Participant{JoinedAt: joined},
			want: Order{JoinedAt: 9000},
		},
		{
			name: "recent speaker keeps active component",
			p: Participant{
				JoinedAt:   joined,
				ActiveDate: now.Add(-time.Minute),
			},
			want: Order{ActiveSince: now.Add(-time.Minute).Unix(), JoinedAt: 9000},
		},
		{
			name: "aged-out speaker loses active component",
			p: Participant{
				JoinedAt:   joined,
				ActiveDate: now.Add(-SpeakingRecency),
			},
			want: Order{JoinedAt: 9000},
		},
		{
			name: "hand rating only visible to managers",
			p: Participant{
				JoinedAt:        joined,
				IsHandRaised:    true,
				RaiseHandRating: 42,
			},
			want: Order{JoinedAt: 9000},
		},
		{
			name: "hand rating counted for managers",
			p: Participant{
				JoinedAt:        joined,
				IsHandRaised:    true,
				RaiseHandRating: 42,
			},
			canManage: true,
			want:      Order{HandRating: 42, JoinedAt: 9000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeOrder(&tt.p, tt.canManage, now)
			if got != tt.want {
				t.Errorf("ComputeOrder() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestComputeOrder_PendingHandRaise(t *testing.T) {
	now := time.Unix(10000, 0)
	raised := true
	p := Participant{
		JoinedAt:            time.Unix(9000, 0),
		RaiseHandRating:     7,
		PendingIsHandRaised: &raised,
	}

	got := ComputeOrder(&p, true, now)
	if got.HandRating != 7 {
		t.Errorf("HandRating = %d, want 7 (optimistic raise should count)", got.HandRating)
	}
}
