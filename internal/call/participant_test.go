package call

import (
	"strings"
	"testing"
)

func TestValidateTitle(t *testing.T) {
	tests := []struct {
		name    string
		title   string
		wantErr error
	}{
		{"empty", "", nil},
		{"at limit", strings.Repeat("a", MaxTitleLength), nil},
		{"over limit", strings.Repeat("a", MaxTitleLength+1), ErrTitleTooLong},
		{"multibyte at limit", strings.Repeat("é", MaxTitleLength), nil},
		{"multibyte over limit", strings.Repeat("é", MaxTitleLength+1), ErrTitleTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateTitle(tt.title); err != tt.wantErr {
				t.Errorf("ValidateTitle() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateVolume(t *testing.T) {
	tests := []struct {
		volume  int32
		wantErr error
	}{
		{MinVolume, nil},
		{DefaultVolume, nil},
		{MaxVolume, nil},
		{-1, ErrVolumeOutOfRange},
		{MaxVolume + 1, ErrVolumeOutOfRange},
	}

	for _, tt := range tests {
		if err := ValidateVolume(tt.volume); err != tt.wantErr {
			t.Errorf("ValidateVolume(%d) = %v, want %v", tt.volume, err, tt.wantErr)
		}
	}
}

func TestParticipant_EffectiveAccessors(t *testing.T) {
	p := Participant{IsMuted: true, Volume: 8000, IsHandRaised: false}

	if !p.EffectiveIsMuted() {
		t.Error("EffectiveIsMuted() should fall through to confirmed state")
	}
	if p.EffectiveVolume() != 8000 {
		t.Errorf("EffectiveVolume() = %d, want 8000", p.EffectiveVolume())
	}

	unmuted := false
	volume := int32(5000)
	raised := true
	p.PendingIsMuted = &unmuted
	p.PendingVolume = &volume
	p.PendingIsHandRaised = &raised

	if p.EffectiveIsMuted() {
		t.Error("EffectiveIsMuted() should prefer the pending value")
	}
	if p.EffectiveVolume() != 5000 {
		t.Errorf("EffectiveVolume() = %d, want pending 5000", p.EffectiveVolume())
	}
	if !p.EffectiveIsHandRaised() {
		t.Error("EffectiveIsHandRaised() should prefer the pending value")
	}

	p.ClearPending()
	if !p.EffectiveIsMuted() || p.EffectiveVolume() != 8000 || p.EffectiveIsHandRaised() {
		t.Error("ClearPending() should restore confirmed state")
	}
}

func TestParticipant_EffectiveVolumeDefault(t *testing.T) {
	p := Participant{}
	if p.EffectiveVolume() != DefaultVolume {
		t.Errorf("EffectiveVolume() = %d, want DefaultVolume for unset volume", p.EffectiveVolume())
	}
}

func TestInputID(t *testing.T) {
	if !(InputID{}).IsZero() {
		t.Error("zero InputID should report IsZero")
	}
	id := InputID{ServerID: 42, AccessToken: 7}
	if id.IsZero() {
		t.Error("populated InputID should not report IsZero")
	}
	if id.String() != "call-42" {
		t.Errorf("String() = %q, want %q", id.String(), "call-42")
	}
}
