// Package runner orchestrates a full enrichment run: it discovers the
// pending identifiers, drives a bounded worker pool over the fetcher, folds
// outcomes into the checkpoint, and settles the run into a terminal state.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dotalab/stratz-enrich/pkg/checkpoint"
	"github.com/dotalab/stratz-enrich/pkg/credential"
	"github.com/dotalab/stratz-enrich/pkg/fetcher"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for run progress.
var (
	stratzRecordsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stratz_records_processed_total",
		Help: "Total records settled, by result",
	}, []string{"result"})

	stratzRunProgressRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stratz_run_progress_ratio",
		Help: "Fraction of the identifier set processed so far",
	})
)

// State is the lifecycle state of a run.
type State string

const (
	StateInit        State = "INIT"
	StateRunning     State = "RUNNING"
	StateCompleted   State = "COMPLETED"
	StateInterrupted State = "INTERRUPTED"
	StateFailedFatal State = "FAILED_FATAL"
)

// Default orchestration parameters.
const (
	DefaultCheckpointInterval = 1000
	DefaultProgressInterval   = 100
)

// RecordFetcher fetches a single record through the full retry policy.
type RecordFetcher interface {
	FetchWithRetry(ctx context.Context, id string) (fetcher.Outcome, error)
}

// IdentifierSource yields the complete, deterministic set of record
// identifiers for the run.
type IdentifierSource interface {
	IDs() []string
}

// ArtifactWriter persists the final merged artifact once every identifier
// has been settled.
type ArtifactWriter interface {
	WriteArtifact(results map[string]checkpoint.Result) error
}

// Config holds the orchestration parameters.
type Config struct {
	// Workers bounds concurrent in-flight fetches. Defaults to 1.
	Workers int

	// CheckpointInterval is the number of settled records between
	// checkpoint writes.
	CheckpointInterval int

	// ProgressInterval is the number of settled records between progress
	// log lines.
	ProgressInterval int

	// NullPayload is the enrichment sentinel recorded for permanently
	// failed records, so the artifact schema stays uniform. Marshalled
	// once at run start.
	NullPayload any
}

// Summary describes a finished run.
type Summary struct {
	State     State
	Processed int
	Total     int

	// Counters for this run only; Stats is cumulative across resumes.
	Succeeded int
	Failed    int

	Stats    checkpoint.Stats
	Duration time.Duration
}

// Runner executes enrichment runs. A Runner is single-use: create one per
// Run call.
type Runner struct {
	fetcher  RecordFetcher
	source   IdentifierSource
	store    *checkpoint.Store
	artifact ArtifactWriter
	config   Config
	logger   zerolog.Logger

	nullPayload json.RawMessage

	mu        sync.Mutex
	state     State
	cp        *checkpoint.State
	sinceSave int
	succeeded int
	failed    int
	baseline  int
	startedAt time.Time
	fatalErr  error
}

// New creates a runner. The artifact writer may be nil, in which case a
// completed run settles without writing an artifact (the checkpoint is
// still deleted).
func New(f RecordFetcher, source IdentifierSource, store *checkpoint.Store, artifact ArtifactWriter, config Config, logger zerolog.Logger) *Runner {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.CheckpointInterval <= 0 {
		config.CheckpointInterval = DefaultCheckpointInterval
	}
	if config.ProgressInterval <= 0 {
		config.ProgressInterval = DefaultProgressInterval
	}

	return &Runner{
		fetcher:  f,
		source:   source,
		store:    store,
		artifact: artifact,
		config:   config,
		logger:   logger,
		state:    StateInit,
	}
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Run executes the enrichment until the identifier set is settled, the
// context is cancelled, or a fatal condition strikes. The Summary is valid
// in every case; the error is non-nil only for FAILED_FATAL.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	start := time.Now()

	null, err := json.Marshal(r.config.NullPayload)
	if err != nil {
		return r.settleFatal(start, fmt.Errorf("marshal null payload: %w", err))
	}
	r.nullPayload = null

	ids := r.source.IDs()
	if len(ids) == 0 {
		return r.settleFatal(start, errors.New("identifier source yielded no records"))
	}

	cp, err := r.store.Load()
	if err != nil {
		return r.settleFatal(start, fmt.Errorf("load checkpoint: %w", err))
	}
	if cp == nil {
		cp = checkpoint.NewState(len(ids))
		r.logger.Info().Int("total", len(ids)).Msg("Starting fresh run")
	} else {
		if cp.TotalCount != len(ids) {
			r.logger.Warn().
				Int("checkpoint_total", cp.TotalCount).
				Int("dataset_total", len(ids)).
				Msg("Identifier set size changed since checkpoint, adopting dataset size")
			cp.TotalCount = len(ids)
		}
		r.logger.Info().
			Int("processed", cp.ProcessedCount).
			Int("total", cp.TotalCount).
			Msg("Resuming from checkpoint")
	}

	pending := make([]string, 0, len(ids)-cp.ProcessedCount)
	for _, id := range ids {
		if !cp.Processed(id) {
			pending = append(pending, id)
		}
	}

	r.mu.Lock()
	r.cp = cp
	r.baseline = cp.ProcessedCount
	r.startedAt = start
	r.state = StateRunning
	r.mu.Unlock()

	r.logger.Info().
		Int("pending", len(pending)).
		Int("workers", r.config.Workers).
		Msg("Run started")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < r.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.work(runCtx, cancel, queue)
		}()
	}

	go func() {
		defer close(queue)
		for _, id := range pending {
			select {
			case <-runCtx.Done():
				return
			case queue <- id:
			}
		}
	}()

	wg.Wait()

	return r.settle(ctx, start)
}

// work drains the queue until it closes or the run is torn down.
func (r *Runner) work(ctx context.Context, cancel context.CancelFunc, queue <-chan string) {
	for id := range queue {
		select {
		case <-ctx.Done():
			return
		default:
		}

		outcome, err := r.fetcher.FetchWithRetry(ctx, id)
		if err != nil {
			if errors.Is(err, credential.ErrPoolExhausted) {
				r.mu.Lock()
				if r.fatalErr == nil {
					r.fatalErr = err
				}
				r.mu.Unlock()
				cancel()
			}
			return
		}

		r.recordOutcome(outcome)
	}
}

// recordOutcome folds one settled record into the shared run state and
// handles the periodic checkpoint and progress duties.
func (r *Runner) recordOutcome(outcome fetcher.Outcome) {
	payload := r.nullPayload
	if outcome.Success() {
		data, err := json.Marshal(outcome.Payload)
		if err != nil {
			r.logger.Error().
				Str("record", outcome.ID).
				Err(err).
				Msg("Enrichment payload not serializable, recording as malformed")
			outcome.Failure = fetcher.FailureMalformed
			outcome.Reason = err.Error()
		} else {
			payload = data
		}
	}

	result := checkpoint.Result{
		Payload: payload,
		Failure: string(outcome.Failure),
		Reason:  outcome.Reason,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cp.Processed(outcome.ID) {
		return
	}
	r.cp.MarkProcessed(outcome.ID, result)
	r.cp.Stats.Attempts += outcome.Attempts

	switch outcome.Failure {
	case "":
		r.succeeded++
		stratzRecordsProcessedTotal.WithLabelValues("success").Inc()
	case fetcher.FailureExhausted:
		r.failed++
		r.cp.Stats.NetworkExhaustions++
		stratzRecordsProcessedTotal.WithLabelValues("exhausted").Inc()
	default:
		r.failed++
		r.cp.Stats.PermanentFailures++
		stratzRecordsProcessedTotal.WithLabelValues(string(outcome.Failure)).Inc()
	}

	processed := r.cp.ProcessedCount
	stratzRunProgressRatio.Set(float64(processed) / float64(r.cp.TotalCount))

	r.sinceSave++
	if r.sinceSave >= r.config.CheckpointInterval {
		if err := r.store.Save(r.cp); err != nil {
			r.logger.Error().Err(err).Msg("Periodic checkpoint save failed")
		}
		r.sinceSave = 0
	}

	if processed%r.config.ProgressInterval == 0 || processed == r.cp.TotalCount {
		r.logProgressLocked(processed)
	}
}

// settle writes the final checkpoint and resolves the terminal state.
func (r *Runner) settle(ctx context.Context, start time.Time) (Summary, error) {
	r.mu.Lock()
	fatal := r.fatalErr
	cp := r.cp
	r.mu.Unlock()

	if err := r.store.Save(cp); err != nil {
		r.logger.Error().Err(err).Msg("Final checkpoint save failed")
		if fatal == nil {
			fatal = fmt.Errorf("save final checkpoint: %w", err)
		}
	}

	switch {
	case fatal != nil:
		return r.finish(StateFailedFatal, start), fatal

	case cp.ProcessedCount == cp.TotalCount:
		if r.artifact != nil {
			if err := r.artifact.WriteArtifact(cp.Results); err != nil {
				// Checkpoint stays on disk: a rerun retries the merge
				// without refetching anything.
				return r.finish(StateFailedFatal, start), fmt.Errorf("write artifact: %w", err)
			}
		}
		if err := r.store.Delete(); err != nil {
			r.logger.Warn().Err(err).Msg("Could not delete checkpoint after completion")
		}
		return r.finish(StateCompleted, start), nil

	default:
		r.logger.Info().
			Int("processed", cp.ProcessedCount).
			Int("total", cp.TotalCount).
			AnErr("cause", ctx.Err()).
			Msg("Run interrupted, progress checkpointed")
		return r.finish(StateInterrupted, start), nil
	}
}

func (r *Runner) settleFatal(start time.Time, err error) (Summary, error) {
	r.mu.Lock()
	r.fatalErr = err
	if r.cp == nil {
		r.cp = checkpoint.NewState(1)
	}
	r.mu.Unlock()
	return r.finish(StateFailedFatal, start), err
}

func (r *Runner) finish(state State, start time.Time) Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state = state
	summary := Summary{
		State:     state,
		Processed: r.cp.ProcessedCount,
		Total:     r.cp.TotalCount,
		Succeeded: r.succeeded,
		Failed:    r.failed,
		Stats:     r.cp.Stats,
		Duration:  time.Since(start),
	}

	r.logger.Info().
		Str("state", string(state)).
		Int("processed", summary.Processed).
		Int("total", summary.Total).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("permanent_failures", summary.Stats.PermanentFailures).
		Int("network_exhaustions", summary.Stats.NetworkExhaustions).
		Dur("duration", summary.Duration).
		Msg("Run finished")

	return summary
}
