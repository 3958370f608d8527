// Package credential manages the pool of STRATZ API keys. The pool hands
// out keys according to rate limit availability and permanently excludes
// keys the API rejects.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for credential pool operations.
var (
	stratzCredentialsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stratz_credentials_active",
		Help: "Number of credentials not yet excluded from the pool",
	})

	stratzCredentialExclusionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stratz_credential_exclusions_total",
		Help: "Total credentials permanently excluded from the pool",
	})

	stratzAcquireWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stratz_acquire_waits_total",
		Help: "Total times Acquire slept because no credential was available",
	})
)

// ErrPoolExhausted is returned by Acquire when every credential has been
// permanently excluded. This is fatal for the run.
var ErrPoolExhausted = errors.New("all credentials excluded from pool")

// acquireRetryBuffer is added to the computed wait before re-checking, so a
// window has definitely cleared when the pool wakes up.
const acquireRetryBuffer = 100 * time.Millisecond

// Credential is one API key usable against the remote service. Rate limits
// are tracked against its ID.
type Credential struct {
	ID    string
	Token string
}

// Availability is the rate limit view the pool selects against.
type Availability interface {
	Available(credentialID string) bool
	WaitUntilAvailable(credentialID string) time.Duration
}

// Pool holds all credentials for a run and applies the selection policy:
// sticky first, then round-robin over non-excluded credentials, then a
// bounded wait for the soonest window to clear.
type Pool struct {
	mu       sync.Mutex
	creds    []*Credential
	excluded map[string]string // credential ID -> exclusion reason
	sticky   int               // index of the most recently returned credential
	tracker  Availability
	logger   zerolog.Logger
}

// NewPool creates a pool from raw API key tokens. An empty token list is a
// configuration error.
func NewPool(tokens []string, tracker Availability, logger zerolog.Logger) (*Pool, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("credential list is empty")
	}
	if tracker == nil {
		return nil, fmt.Errorf("availability tracker is required")
	}

	creds := make([]*Credential, len(tokens))
	for i, token := range tokens {
		if token == "" {
			return nil, fmt.Errorf("credential %d is empty", i+1)
		}
		creds[i] = &Credential{
			ID:    fmt.Sprintf("key-%d", i+1),
			Token: token,
		}
	}

	stratzCredentialsActive.Set(float64(len(creds)))

	return &Pool{
		creds:    creds,
		excluded: make(map[string]string),
		tracker:  tracker,
		logger:   logger,
	}, nil
}

// Acquire blocks until a usable credential is available and returns it.
// Returns ErrPoolExhausted when every credential has been excluded, or the
// context error when cancelled while waiting.
func (p *Pool) Acquire(ctx context.Context) (*Credential, error) {
	for {
		cred, wait, err := p.selectLocked()
		if err != nil {
			return nil, err
		}
		if cred != nil {
			return cred, nil
		}

		stratzAcquireWaitsTotal.Inc()
		p.logger.Debug().
			Dur("wait", wait).
			Msg("No credential available, waiting for windows to clear")

		timer := time.NewTimer(wait + acquireRetryBuffer)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// selectLocked runs one pass of the selection policy. It returns either a
// credential, or the minimum wait until some credential becomes available.
func (p *Pool) selectLocked() (*Credential, time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.excluded) == len(p.creds) {
		return nil, 0, ErrPoolExhausted
	}

	// Sticky: keep using the last credential while it is available, to
	// reduce rotation churn.
	if cred := p.creds[p.sticky]; !p.isExcludedLocked(cred) && p.tracker.Available(cred.ID) {
		return cred, 0, nil
	}

	// Round-robin scan of the remaining credentials.
	for offset := 1; offset < len(p.creds); offset++ {
		idx := (p.sticky + offset) % len(p.creds)
		cred := p.creds[idx]
		if p.isExcludedLocked(cred) {
			continue
		}
		if p.tracker.Available(cred.ID) {
			p.sticky = idx
			return cred, 0, nil
		}
	}

	// Everything is rate limited: wait for the soonest window to clear.
	minWait := time.Duration(-1)
	for _, cred := range p.creds {
		if p.isExcludedLocked(cred) {
			continue
		}
		wait := p.tracker.WaitUntilAvailable(cred.ID)
		if minWait < 0 || wait < minWait {
			minWait = wait
		}
	}
	if minWait < 0 {
		minWait = 0
	}

	return nil, minWait, nil
}

// Exclude permanently removes a credential from rotation for the rest of
// the run. Authentication failures do not heal within a run, so there is no
// re-inclusion path.
func (p *Pool) Exclude(cred *Credential, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, already := p.excluded[cred.ID]; already {
		return
	}

	p.excluded[cred.ID] = reason
	stratzCredentialExclusionsTotal.Inc()
	stratzCredentialsActive.Set(float64(len(p.creds) - len(p.excluded)))

	p.logger.Warn().
		Str("credential", cred.ID).
		Str("reason", reason).
		Int("remaining", len(p.creds)-len(p.excluded)).
		Msg("Credential permanently excluded from pool")
}

// ActiveCount returns the number of credentials still in rotation.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds) - len(p.excluded)
}

// Size returns the total number of credentials the pool was built with.
func (p *Pool) Size() int {
	return len(p.creds)
}

// IDs returns every credential ID in pool order, for usage reporting.
func (p *Pool) IDs() []string {
	ids := make([]string, len(p.creds))
	for i, cred := range p.creds {
		ids[i] = cred.ID
	}
	return ids
}

func (p *Pool) isExcludedLocked(cred *Credential) bool {
	_, ok := p.excluded[cred.ID]
	return ok
}
