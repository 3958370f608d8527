package ratelimit

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeClock provides a manually advanced clock for deterministic tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestTracker(limits Limits) (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	tracker := NewTracker(limits, zerolog.New(os.Stderr).Level(zerolog.Disabled))
	tracker.now = clock.now
	return tracker, clock
}

func TestLimits_Validate(t *testing.T) {
	tests := []struct {
		name    string
		limits  Limits
		wantErr bool
	}{
		{
			name:    "default limits valid",
			limits:  DefaultLimits(),
			wantErr: false,
		},
		{
			name:    "empty table",
			limits:  Limits{},
			wantErr: true,
		},
		{
			name: "missing window",
			limits: Limits{
				WindowSecond: 15,
				WindowMinute: 200,
				WindowHour:   1600,
			},
			wantErr: true,
		},
		{
			name: "zero limit",
			limits: Limits{
				WindowSecond: 0,
				WindowMinute: 200,
				WindowHour:   1600,
				WindowDay:    8000,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.limits.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTracker_AvailableUntilWindowFull(t *testing.T) {
	limits := Limits{WindowSecond: 3, WindowMinute: 100, WindowHour: 1000, WindowDay: 10000}
	tracker, _ := newTestTracker(limits)

	for i := 0; i < 3; i++ {
		if !tracker.Available("key-1") {
			t.Fatalf("Available() = false after %d calls, want true", i)
		}
		tracker.RecordCall("key-1")
	}

	if tracker.Available("key-1") {
		t.Error("Available() = true at second-window limit, want false")
	}
}

func TestTracker_WindowClearsAfterDuration(t *testing.T) {
	limits := Limits{WindowSecond: 2, WindowMinute: 100, WindowHour: 1000, WindowDay: 10000}
	tracker, clock := newTestTracker(limits)

	tracker.RecordCall("key-1")
	tracker.RecordCall("key-1")
	if tracker.Available("key-1") {
		t.Fatal("Available() = true at limit, want false")
	}

	clock.advance(1100 * time.Millisecond)

	if !tracker.Available("key-1") {
		t.Error("Available() = false after second window elapsed, want true")
	}
}

func TestTracker_CredentialsIndependent(t *testing.T) {
	limits := Limits{WindowSecond: 1, WindowMinute: 100, WindowHour: 1000, WindowDay: 10000}
	tracker, _ := newTestTracker(limits)

	tracker.RecordCall("key-1")

	if tracker.Available("key-1") {
		t.Error("key-1 should be saturated")
	}
	if !tracker.Available("key-2") {
		t.Error("key-2 should be unaffected by key-1 usage")
	}
}

func TestTracker_WaitUntilAvailable(t *testing.T) {
	tests := []struct {
		name     string
		limits   Limits
		calls    int
		wantWait time.Duration
	}{
		{
			name:     "available now",
			limits:   Limits{WindowSecond: 5, WindowMinute: 100, WindowHour: 1000, WindowDay: 10000},
			calls:    2,
			wantWait: 0,
		},
		{
			name:     "second window binding",
			limits:   Limits{WindowSecond: 2, WindowMinute: 100, WindowHour: 1000, WindowDay: 10000},
			calls:    2,
			wantWait: time.Second,
		},
		{
			name:     "minute window binding over second",
			limits:   Limits{WindowSecond: 10, WindowMinute: 3, WindowHour: 1000, WindowDay: 10000},
			calls:    3,
			wantWait: time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, _ := newTestTracker(tt.limits)
			for i := 0; i < tt.calls; i++ {
				tracker.RecordCall("key-1")
			}

			wait := tracker.WaitUntilAvailable("key-1")
			if wait != tt.wantWait {
				t.Errorf("WaitUntilAvailable() = %v, want %v", wait, tt.wantWait)
			}
		})
	}
}

func TestTracker_WaitIsMaxAcrossViolatedWindows(t *testing.T) {
	// Both second and minute windows saturated: the minute window binds.
	limits := Limits{WindowSecond: 2, WindowMinute: 2, WindowHour: 1000, WindowDay: 10000}
	tracker, clock := newTestTracker(limits)

	tracker.RecordCall("key-1")
	clock.advance(100 * time.Millisecond)
	tracker.RecordCall("key-1")

	wait := tracker.WaitUntilAvailable("key-1")

	// Oldest call is 100ms old; minute window clears in 59.9s.
	want := time.Minute - 100*time.Millisecond
	if wait != want {
		t.Errorf("WaitUntilAvailable() = %v, want %v", wait, want)
	}
}

func TestTracker_InvariantNeverExceedsLimit(t *testing.T) {
	// Simulated run: a caller that respects Available/WaitUntilAvailable
	// must never see an in-window count above any limit.
	limits := Limits{WindowSecond: 3, WindowMinute: 10, WindowHour: 1000, WindowDay: 10000}
	tracker, clock := newTestTracker(limits)

	for i := 0; i < 200; i++ {
		if !tracker.Available("key-1") {
			wait := tracker.WaitUntilAvailable("key-1")
			if wait <= 0 {
				t.Fatal("unavailable credential reported zero wait")
			}
			clock.advance(wait + 10*time.Millisecond)
		}
		tracker.RecordCall("key-1")

		usage := tracker.Usage("key-1")
		for _, w := range AllWindows {
			if usage[w] > limits[w] {
				t.Fatalf("window %s count %d exceeds limit %d at call %d",
					w, usage[w], limits[w], i)
			}
		}
	}
}

func TestTracker_Usage(t *testing.T) {
	limits := Limits{WindowSecond: 15, WindowMinute: 200, WindowHour: 1600, WindowDay: 8000}
	tracker, clock := newTestTracker(limits)

	tracker.RecordCall("key-1")
	tracker.RecordCall("key-1")
	clock.advance(2 * time.Second)
	tracker.RecordCall("key-1")

	usage := tracker.Usage("key-1")

	if usage[WindowSecond] != 1 {
		t.Errorf("second window count = %d, want 1", usage[WindowSecond])
	}
	if usage[WindowMinute] != 3 {
		t.Errorf("minute window count = %d, want 3", usage[WindowMinute])
	}
	if usage[WindowDay] != 3 {
		t.Errorf("day window count = %d, want 3", usage[WindowDay])
	}
}

func TestTracker_SnapshotRestoreRoundTrip(t *testing.T) {
	limits := Limits{WindowSecond: 2, WindowMinute: 100, WindowHour: 1000, WindowDay: 10000}
	tracker, clock := newTestTracker(limits)

	tracker.RecordCall("key-1")
	tracker.RecordCall("key-1")
	tracker.RecordCall("key-2")

	state := tracker.Snapshot()
	if len(state["key-1"]) != 2 || len(state["key-2"]) != 1 {
		t.Fatalf("Snapshot() = %v calls for key-1, %v for key-2, want 2 and 1",
			len(state["key-1"]), len(state["key-2"]))
	}

	restored := NewTracker(limits, zerolog.New(os.Stderr).Level(zerolog.Disabled))
	restored.now = clock.now
	restored.Restore(state)

	if restored.Available("key-1") {
		t.Error("restored key-1 should still be saturated")
	}
	if !restored.Available("key-2") {
		t.Error("restored key-2 should be available")
	}
}

func TestTracker_SnapshotPrunesStaleCalls(t *testing.T) {
	limits := DefaultLimits()
	tracker, clock := newTestTracker(limits)

	tracker.RecordCall("key-1")
	clock.advance(25 * time.Hour)

	state := tracker.Snapshot()
	if len(state) != 0 {
		t.Errorf("Snapshot() kept %d credentials, want 0 after day window elapsed", len(state))
	}
}
