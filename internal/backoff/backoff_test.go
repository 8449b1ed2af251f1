package backoff

import (
	"testing"
	"time"
)

func TestDelay_Schedule(t *testing.T) {
	want := []time.Duration{
		3 * time.Second,
		10 * time.Second,
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
		300 * time.Second,
	}

	for attempt, expected := range want {
		if got := Delay(attempt); got != expected {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, expected)
		}
	}
}

func TestDelay_BeyondScheduleReusesLastEntry(t *testing.T) {
	for _, attempt := range []int{6, 7, 9, 50} {
		if got := Delay(attempt); got != 300*time.Second {
			t.Errorf("Delay(%d) = %v, want 300s", attempt, got)
		}
	}
}

func TestDelay_NegativeAttemptClamped(t *testing.T) {
	if got := Delay(-1); got != 3*time.Second {
		t.Errorf("Delay(-1) = %v, want 3s", got)
	}
}

func TestExhausted(t *testing.T) {
	tests := []struct {
		attempt int
		want    bool
	}{
		{0, false},
		{9, false},
		{10, true},
		{11, true},
	}

	for _, tt := range tests {
		if got := Exhausted(tt.attempt); got != tt.want {
			t.Errorf("Exhausted(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
