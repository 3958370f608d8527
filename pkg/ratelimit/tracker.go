package ratelimit

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	stratzAPICallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stratz_api_calls_total",
		Help: "Total API calls recorded against rate limit windows, by credential",
	}, []string{"credential"})

	stratzRateLimitWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stratz_rate_limit_waits_total",
		Help: "Total waits computed for saturated credentials, by binding window",
	}, []string{"window"})

	stratzRateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stratz_rate_limit_wait_seconds",
		Help:    "Computed wait durations until a credential becomes available",
		Buckets: []float64{0.1, 0.5, 1, 5, 30, 60, 300, 3600},
	})
)

// Tracker records API calls per credential and decides availability against
// every configured window. All methods are safe for concurrent use.
//
// Calls are kept as a single sorted timestamp history per credential,
// pruned lazily to the longest window; per-window counts are derived from
// the tail of that history.
type Tracker struct {
	mu      sync.Mutex
	limits  Limits
	history map[string][]time.Time
	logger  zerolog.Logger

	// now is the clock source, overridable in tests.
	now func() time.Time
}

// NewTracker creates a tracker for the given limits.
func NewTracker(limits Limits, logger zerolog.Logger) *Tracker {
	return &Tracker{
		limits:  limits,
		history: make(map[string][]time.Time),
		logger:  logger,
		now:     time.Now,
	}
}

// RecordCall appends one call for the credential to all windows at once.
// It must be called for every attempt that actually reaches the network,
// whatever the response was.
func (t *Tracker) RecordCall(credentialID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.history[credentialID] = append(t.history[credentialID], t.now())
	stratzAPICallsTotal.WithLabelValues(credentialID).Inc()
}

// Available reports whether the credential is strictly below every window's
// limit right now.
func (t *Tracker) Available(credentialID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	calls := t.pruneLocked(credentialID)
	for _, w := range AllWindows {
		if t.countLocked(calls, w) >= t.limits[w] {
			return false
		}
	}
	return true
}

// WaitUntilAvailable computes how long until every violated window clears.
// The result is the maximum across violated windows, since the credential
// becomes usable only once all windows are below their limits. Returns zero
// when the credential is available now.
func (t *Tracker) WaitUntilAvailable(credentialID string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	calls := t.pruneLocked(credentialID)
	now := t.now()

	var wait time.Duration
	var binding Window
	for _, w := range AllWindows {
		count := t.countLocked(calls, w)
		limit := t.limits[w]
		if count < limit {
			continue
		}
		// The count drops below the limit once the (count-limit+1)-th
		// oldest in-window call leaves the window.
		start := len(calls) - count
		expires := calls[start+count-limit].Add(w.Duration())
		if d := expires.Sub(now); d > wait {
			wait = d
			binding = w
		}
	}

	if wait > 0 {
		stratzRateLimitWaitsTotal.WithLabelValues(string(binding)).Inc()
		stratzRateLimitWaitSeconds.Observe(wait.Seconds())
		t.logger.Debug().
			Str("credential", credentialID).
			Str("binding_window", string(binding)).
			Dur("wait", wait).
			Msg("Credential saturated")
	}

	return wait
}

// Usage returns the current in-window call count for every window.
func (t *Tracker) Usage(credentialID string) map[Window]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	calls := t.pruneLocked(credentialID)
	usage := make(map[Window]int, len(AllWindows))
	for _, w := range AllWindows {
		usage[w] = t.countLocked(calls, w)
	}
	return usage
}

// Limits returns the configured limit table.
func (t *Tracker) Limits() Limits {
	return t.limits
}

// Snapshot returns a copy of every credential's pruned call history, for
// persistence across process restarts.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := make(State, len(t.history))
	for id := range t.history {
		calls := t.pruneLocked(id)
		if len(calls) == 0 {
			continue
		}
		state[id] = append([]time.Time(nil), calls...)
	}
	return state
}

// Restore replaces the tracker's histories with a previously persisted
// state. Entries older than the longest window are dropped on the next read.
func (t *Tracker) Restore(state State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.history = make(map[string][]time.Time, len(state))
	for id, calls := range state {
		sorted := append([]time.Time(nil), calls...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })
		t.history[id] = sorted
	}
}

// pruneLocked drops calls older than the longest window and returns the
// remaining history. Caller must hold t.mu.
func (t *Tracker) pruneLocked(credentialID string) []time.Time {
	calls := t.history[credentialID]
	cutoff := t.now().Add(-WindowDay.Duration())
	idx := sort.Search(len(calls), func(i int) bool { return calls[i].After(cutoff) })
	if idx > 0 {
		calls = calls[idx:]
		t.history[credentialID] = calls
	}
	return calls
}

// countLocked returns the number of calls within the window's trailing
// duration. Caller must hold t.mu; calls must already be pruned and sorted.
func (t *Tracker) countLocked(calls []time.Time, w Window) int {
	cutoff := t.now().Add(-w.Duration())
	idx := sort.Search(len(calls), func(i int) bool { return calls[i].After(cutoff) })
	return len(calls) - idx
}
