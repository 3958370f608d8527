// Package metrics provides the centralized Prometheus metrics registry for
// the enrichment pipeline. All metrics are defined in their respective
// packages (ratelimit, credential, fetcher, runner) to maintain modularity
// and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the pipeline.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - stratz_api_calls_total{credential} (Counter): API calls recorded per credential
//   - stratz_rate_limit_waits_total{window} (Counter): Waits forced by a saturated window
//   - stratz_rate_limit_wait_seconds (Histogram): Durations of rate limit waits
//
// Credential Metrics (pkg/credential):
//   - stratz_credentials_active (Gauge): Credentials still usable in the pool
//   - stratz_credential_exclusions_total (Counter): Credentials permanently excluded
//   - stratz_acquire_waits_total (Counter): Acquire calls that had to wait for a window
//
// Fetch Metrics (pkg/fetcher):
//   - stratz_fetch_attempts_total{class} (Counter): Attempts by classification
//     (success, transient, rate_limited, credential_invalid, permanent, malformed)
//   - stratz_fetch_backoff_seconds (Histogram): Backoff durations between transient retries
//   - stratz_fetch_exhausted_total (Counter): Records abandoned after exhausting attempts
//
// Run Metrics (pkg/runner):
//   - stratz_records_processed_total{result} (Counter): Settled records by result
//     (success, rejected, malformed, exhausted)
//   - stratz_run_progress_ratio (Gauge): Fraction of the identifier set processed
//
// Example Prometheus Queries:
//
//   # Enrichment success rate
//   sum(rate(stratz_records_processed_total{result="success"}[5m])) /
//   sum(rate(stratz_records_processed_total[5m]))
//
//   # Throughput (records per second)
//   sum(rate(stratz_records_processed_total[1m]))
//
//   # Time spent waiting on rate limits
//   histogram_quantile(0.95, rate(stratz_rate_limit_wait_seconds_bucket[5m]))
//
//   # Credentials still alive
//   stratz_credentials_active
//
//   # Remaining work
//   1 - stratz_run_progress_ratio
