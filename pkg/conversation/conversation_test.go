package conversation

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusWaiting, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusWaiting, StatusCompleted, false},
		{StatusWaiting, StatusFailed, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusFailed, StatusProcessing, false},
		{StatusCompleted, StatusFailed, false},
		{StatusProcessing, StatusWaiting, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestMaxAudiosFor(t *testing.T) {
	if got := maxAudiosFor(RecordingLive); got != 1 {
		t.Errorf("maxAudiosFor(live) = %d, want 1", got)
	}
	if got := maxAudiosFor(RecordingSeparate); got != 2 {
		t.Errorf("maxAudiosFor(separate) = %d, want 2", got)
	}
}
