package fetcher

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dotalab/stratz-enrich/pkg/credential"
	"github.com/rs/zerolog"
)

// scriptedClient pops pre-scripted attempts in order; once the script is
// drained every call succeeds. Tokens listed in badTokens always fail with
// a credential-invalid classification.
type scriptedClient struct {
	mu        sync.Mutex
	script    []Attempt
	badTokens map[string]bool
	calls     int
}

func (s *scriptedClient) FetchRecord(_ context.Context, token string, id string) Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++

	if s.badTokens[token] {
		return Attempt{Class: ClassCredentialInvalid, Err: errors.New("authentication rejected")}
	}

	if len(s.script) > 0 {
		next := s.script[0]
		s.script = s.script[1:]
		return next
	}

	return Attempt{Class: ClassSuccess, Payload: "payload-" + id}
}

type countingRecorder struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{calls: make(map[string]int)}
}

func (r *countingRecorder) RecordCall(credentialID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[credentialID]++
}

func (r *countingRecorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sum := 0
	for _, n := range r.calls {
		sum += n
	}
	return sum
}

// alwaysAvailable satisfies credential.Availability with no limits.
type alwaysAvailable struct{}

func (alwaysAvailable) Available(string) bool { return true }

func (alwaysAvailable) WaitUntilAvailable(string) time.Duration { return 0 }

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func newTestPool(t *testing.T, tokens ...string) *credential.Pool {
	t.Helper()
	pool, err := credential.NewPool(tokens, alwaysAvailable{}, testLogger())
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	return pool
}

// fastRetry keeps backoff delays negligible in tests.
func fastRetry(maxAttempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
	}
}

func TestBackoff_MonotoneAndCapped(t *testing.T) {
	config := RetryConfig{
		MaxAttempts: 8,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
	}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}

	prev := time.Duration(0)
	for i, expected := range want {
		attempt := i + 1
		got := config.Backoff(attempt)
		if got != expected {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, expected)
		}
		if got < prev {
			t.Errorf("Backoff(%d) = %v decreased from %v", attempt, got, prev)
		}
		if got > config.MaxDelay {
			t.Errorf("Backoff(%d) = %v exceeds max %v", attempt, got, config.MaxDelay)
		}
		prev = got
	}
}

func TestFetchWithRetry_SuccessFirstAttempt(t *testing.T) {
	client := &scriptedClient{}
	recorder := newCountingRecorder()
	f := New(client, newTestPool(t, "tok-a"), recorder, fastRetry(5), testLogger())

	outcome, err := f.FetchWithRetry(context.Background(), "m1")
	if err != nil {
		t.Fatalf("FetchWithRetry() error = %v", err)
	}

	if !outcome.Success() {
		t.Fatalf("outcome = %+v, want success", outcome)
	}
	if outcome.Payload != "payload-m1" {
		t.Errorf("Payload = %v, want payload-m1", outcome.Payload)
	}
	if outcome.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", outcome.Attempts)
	}
	if recorder.total() != 1 {
		t.Errorf("recorded calls = %d, want 1", recorder.total())
	}
}

func TestFetchWithRetry_TransientThenSuccess(t *testing.T) {
	client := &scriptedClient{script: []Attempt{
		{Class: ClassTransient, Err: errors.New("connection reset")},
		{Class: ClassTransient, Err: errors.New("timeout")},
	}}
	recorder := newCountingRecorder()
	f := New(client, newTestPool(t, "tok-a"), recorder, fastRetry(5), testLogger())

	outcome, err := f.FetchWithRetry(context.Background(), "m1")
	if err != nil {
		t.Fatalf("FetchWithRetry() error = %v", err)
	}

	if !outcome.Success() {
		t.Fatalf("outcome = %+v, want success after retries", outcome)
	}
	if outcome.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", outcome.Attempts)
	}
	if recorder.total() != 3 {
		t.Errorf("recorded calls = %d, want 3 (every network attempt records)", recorder.total())
	}
}

func TestFetchWithRetry_ExhaustsTransientAttempts(t *testing.T) {
	client := &scriptedClient{script: []Attempt{
		{Class: ClassTransient, Err: errors.New("e1")},
		{Class: ClassTransient, Err: errors.New("e2")},
		{Class: ClassTransient, Err: errors.New("e3")},
	}}
	f := New(client, newTestPool(t, "tok-a"), newCountingRecorder(), fastRetry(3), testLogger())

	outcome, err := f.FetchWithRetry(context.Background(), "m1")
	if err != nil {
		t.Fatalf("FetchWithRetry() error = %v", err)
	}

	if outcome.Failure != FailureExhausted {
		t.Fatalf("Failure = %q, want %q", outcome.Failure, FailureExhausted)
	}
	if outcome.Reason != "gave up after 3 attempts" {
		t.Errorf("Reason = %q, want gave up after 3 attempts", outcome.Reason)
	}
	if outcome.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", outcome.Attempts)
	}
}

func TestFetchWithRetry_RateLimitDoesNotConsumeAttempts(t *testing.T) {
	client := &scriptedClient{script: []Attempt{
		{Class: ClassRateLimited},
		{Class: ClassRateLimited},
		{Class: ClassRateLimited},
	}}
	// One attempt allowed: rate-limit responses must not consume it.
	f := New(client, newTestPool(t, "tok-a"), newCountingRecorder(), fastRetry(1), testLogger())

	outcome, err := f.FetchWithRetry(context.Background(), "m1")
	if err != nil {
		t.Fatalf("FetchWithRetry() error = %v", err)
	}

	if !outcome.Success() {
		t.Fatalf("outcome = %+v, want success after rate-limit rotations", outcome)
	}
	if outcome.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4 network calls", outcome.Attempts)
	}
}

func TestFetchWithRetry_ExcludesInvalidCredential(t *testing.T) {
	client := &scriptedClient{badTokens: map[string]bool{"tok-bad": true}}
	pool := newTestPool(t, "tok-bad", "tok-good")
	f := New(client, pool, newCountingRecorder(), fastRetry(5), testLogger())

	outcome, err := f.FetchWithRetry(context.Background(), "m1")
	if err != nil {
		t.Fatalf("FetchWithRetry() error = %v", err)
	}

	if !outcome.Success() {
		t.Fatalf("outcome = %+v, want success with the surviving credential", outcome)
	}
	if pool.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1 after exclusion", pool.ActiveCount())
	}
}

func TestFetchWithRetry_PoolExhaustedIsFatal(t *testing.T) {
	client := &scriptedClient{badTokens: map[string]bool{"tok-a": true, "tok-b": true}}
	f := New(client, newTestPool(t, "tok-a", "tok-b"), newCountingRecorder(), fastRetry(5), testLogger())

	_, err := f.FetchWithRetry(context.Background(), "m1")
	if !errors.Is(err, credential.ErrPoolExhausted) {
		t.Errorf("FetchWithRetry() error = %v, want ErrPoolExhausted", err)
	}
}

func TestFetchWithRetry_PermanentStopsImmediately(t *testing.T) {
	tests := []struct {
		name        string
		class       Class
		wantFailure FailureKind
	}{
		{name: "application rejection", class: ClassPermanent, wantFailure: FailureRejected},
		{name: "malformed response", class: ClassMalformed, wantFailure: FailureMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &scriptedClient{script: []Attempt{
				{Class: tt.class, Err: errors.New("boom")},
			}}
			f := New(client, newTestPool(t, "tok-a"), newCountingRecorder(), fastRetry(5), testLogger())

			outcome, err := f.FetchWithRetry(context.Background(), "m1")
			if err != nil {
				t.Fatalf("FetchWithRetry() error = %v", err)
			}

			if outcome.Failure != tt.wantFailure {
				t.Errorf("Failure = %q, want %q", outcome.Failure, tt.wantFailure)
			}
			if outcome.Attempts != 1 {
				t.Errorf("Attempts = %d, want 1 (no retry on permanent)", outcome.Attempts)
			}
			if client.calls != 1 {
				t.Errorf("client calls = %d, want 1", client.calls)
			}
		})
	}
}

func TestFetchWithRetry_ContextCancelledDuringBackoff(t *testing.T) {
	client := &scriptedClient{script: []Attempt{
		{Class: ClassTransient, Err: errors.New("e1")},
	}}
	f := New(client, newTestPool(t, "tok-a"), newCountingRecorder(), RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Hour,
		MaxDelay:    time.Hour,
	}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.FetchWithRetry(ctx, "m1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("FetchWithRetry() error = %v, want context.DeadlineExceeded", err)
	}
}
