// Package fetcher drives the retry/backoff loop for a single record:
// acquire a credential, perform one classified attempt, and react to the
// classification until the record succeeds or fails permanently.
package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/dotalab/stratz-enrich/pkg/credential"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for fetch attempts.
var (
	stratzFetchAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stratz_fetch_attempts_total",
		Help: "Total fetch attempts by classification",
	}, []string{"class"})

	stratzFetchBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stratz_fetch_backoff_seconds",
		Help:    "Backoff durations between transient retry attempts",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30},
	})

	stratzFetchExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stratz_fetch_exhausted_total",
		Help: "Total records abandoned after exhausting transient retries",
	})
)

// RetryConfig holds the retry/backoff parameters for one record.
type RetryConfig struct {
	// MaxAttempts bounds transient retries per record. Rate-limit rotations
	// and credential exclusions do not consume attempts.
	MaxAttempts int

	// BaseDelay is the backoff before the second attempt.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Backoff returns the delay after the given 1-based attempt number:
// min(base * 2^(attempt-1), max).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	delay := c.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if delay > c.MaxDelay {
		return c.MaxDelay
	}
	return delay
}

// CallRecorder receives one notification per attempt that reached the
// network, keyed by the credential that made it.
type CallRecorder interface {
	RecordCall(credentialID string)
}

// Fetcher fetches single records with retry, rotation and backoff.
type Fetcher struct {
	client   RemoteClient
	pool     *credential.Pool
	recorder CallRecorder
	config   RetryConfig
	logger   zerolog.Logger
}

// New creates a fetcher.
func New(client RemoteClient, pool *credential.Pool, recorder CallRecorder, config RetryConfig, logger zerolog.Logger) *Fetcher {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultRetryConfig().BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultRetryConfig().MaxDelay
	}

	return &Fetcher{
		client:   client,
		pool:     pool,
		recorder: recorder,
		config:   config,
		logger:   logger,
	}
}

// FetchWithRetry runs one record through the full retry policy and returns
// its final outcome. Per-record failures are contained in the Outcome; the
// error return is reserved for run-fatal conditions (pool exhaustion) and
// context cancellation.
func (f *Fetcher) FetchWithRetry(ctx context.Context, id string) (Outcome, error) {
	attempt := 1
	networkAttempts := 0

	for attempt <= f.config.MaxAttempts {
		cred, err := f.pool.Acquire(ctx)
		if err != nil {
			return Outcome{}, err
		}

		result := f.client.FetchRecord(ctx, cred.Token, id)
		networkAttempts++
		f.recorder.RecordCall(cred.ID)
		stratzFetchAttemptsTotal.WithLabelValues(string(result.Class)).Inc()

		switch result.Class {
		case ClassSuccess:
			if attempt > 1 {
				f.logger.Info().
					Str("record", id).
					Int("attempt", attempt).
					Msg("Fetch succeeded after retry")
			}
			return Outcome{ID: id, Payload: result.Payload, Attempts: networkAttempts}, nil

		case ClassRateLimited:
			// Not a failure and not an attempt: the tracker now knows this
			// credential is hot, so the next Acquire rotates or waits.
			f.logger.Debug().
				Str("record", id).
				Str("credential", cred.ID).
				Msg("Server rate limit response, rotating credential")
			continue

		case ClassCredentialInvalid:
			f.pool.Exclude(cred, fmt.Sprintf("authentication rejected: %v", result.Err))
			continue

		case ClassPermanent:
			f.logger.Warn().
				Str("record", id).
				Err(result.Err).
				Msg("Record rejected permanently")
			return Outcome{
				ID:       id,
				Failure:  FailureRejected,
				Reason:   errString(result.Err),
				Attempts: networkAttempts,
			}, nil

		case ClassMalformed:
			f.logger.Error().
				Str("record", id).
				Err(result.Err).
				Msg("Unexpected response shape for record")
			return Outcome{
				ID:       id,
				Failure:  FailureMalformed,
				Reason:   errString(result.Err),
				Attempts: networkAttempts,
			}, nil

		case ClassTransient:
			if attempt >= f.config.MaxAttempts {
				attempt++
				break
			}

			delay := f.config.Backoff(attempt)
			stratzFetchBackoffSeconds.Observe(delay.Seconds())
			f.logger.Warn().
				Str("record", id).
				Int("attempt", attempt).
				Int("max_attempts", f.config.MaxAttempts).
				Dur("backoff", delay).
				Err(result.Err).
				Msg("Transient error, retrying after backoff")

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Outcome{}, ctx.Err()
			case <-timer.C:
			}
			attempt++

		default:
			return Outcome{
				ID:       id,
				Failure:  FailureMalformed,
				Reason:   fmt.Sprintf("unknown attempt class %q", result.Class),
				Attempts: networkAttempts,
			}, nil
		}
	}

	stratzFetchExhaustedTotal.Inc()
	f.logger.Warn().
		Str("record", id).
		Int("attempts", f.config.MaxAttempts).
		Msg("Giving up on record after exhausting attempts")

	return Outcome{
		ID:       id,
		Failure:  FailureExhausted,
		Reason:   fmt.Sprintf("gave up after %d attempts", f.config.MaxAttempts),
		Attempts: networkAttempts,
	}, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
