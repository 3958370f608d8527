// Command stratz-enrich enriches a Dota 2 match dataset with league and
// tier data from the STRATZ API. Progress is checkpointed continuously, so
// an interrupted run (Ctrl+C, SIGTERM) resumes where it left off.
//
// Exit codes: 0 run completed, 2 run interrupted (resumable), 1 fatal.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dotalab/stratz-enrich/pkg/checkpoint"
	"github.com/dotalab/stratz-enrich/pkg/config"
	"github.com/dotalab/stratz-enrich/pkg/credential"
	"github.com/dotalab/stratz-enrich/pkg/dataset"
	"github.com/dotalab/stratz-enrich/pkg/fetcher"
	"github.com/dotalab/stratz-enrich/pkg/logging"
	"github.com/dotalab/stratz-enrich/pkg/ratelimit"
	"github.com/dotalab/stratz-enrich/pkg/runner"
	"github.com/dotalab/stratz-enrich/pkg/stratz"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	exitCompleted   = 0
	exitFatal       = 1
	exitInterrupted = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("stratz-enrich", flag.ContinueOnError)
	configPath := flags.String("config", "config.yaml", "path to the run configuration file")
	if err := flags.Parse(args); err != nil {
		return exitFatal
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFatal
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Logging.Level),
		Pretty: cfg.Logging.Pretty,
		Output: os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return enrich(ctx, cfg, logger)
}

func enrich(ctx context.Context, cfg *config.Config, logger zerolog.Logger) int {
	tracker := ratelimit.NewTracker(cfg.RateLimits.Limits(), logging.NewLogger("ratelimit"))

	// Optional: persist rate limit window state across restarts, so a quick
	// restart does not forget calls that still count against the windows.
	var windowStore *ratelimit.RedisStore
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis not reachable")
			return exitFatal
		}
		defer redisClient.Close()

		windowStore = ratelimit.NewRedisStore(redisClient, logging.NewLogger("ratelimit"))
		state, err := windowStore.Load(ctx)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("Could not load rate limit window state, starting fresh")
		case state != nil:
			tracker.Restore(state)
			logger.Info().Msg("Rate limit window state restored")
		}
	}

	pool, err := credential.NewPool(cfg.API.Tokens, tracker, logging.NewLogger("credential"))
	if err != nil {
		logger.Error().Err(err).Msg("Invalid credential configuration")
		return exitFatal
	}

	client := stratz.New(stratz.Config{
		Endpoint: cfg.API.Endpoint,
		Timeout:  cfg.API.Timeout,
	}, logging.NewLogger("stratz"))

	f := fetcher.New(client, pool, tracker, fetcher.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}, logging.NewLogger("fetcher"))

	ds, err := dataset.Load(cfg.Run.Dataset, logging.NewLogger("dataset"))
	if err != nil {
		logger.Error().Err(err).Msg("Could not load dataset")
		return exitFatal
	}

	store := checkpoint.NewStore(cfg.Run.Checkpoint, logging.NewLogger("checkpoint"))

	if cfg.Server.Addr != "" {
		startObservabilityListener(cfg.Server.Addr, logger)
	}

	workers := cfg.Run.Workers
	if workers == 0 {
		workers = pool.Size()
	}

	r := runner.New(f, ds, store, ds.NewWriter(cfg.Run.Output), runner.Config{
		Workers:            workers,
		CheckpointInterval: cfg.Run.CheckpointInterval,
		ProgressInterval:   cfg.Run.ProgressInterval,
		NullPayload:        stratz.LeagueData{},
	}, logging.NewLogger("runner"))

	summary, runErr := r.Run(ctx)

	if windowStore != nil {
		// The run context may already be cancelled; the snapshot still has
		// to make it out.
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := windowStore.Save(saveCtx, tracker.Snapshot()); err != nil {
			logger.Warn().Err(err).Msg("Could not persist rate limit window state")
		}
	}

	return exitCode(summary, runErr, logger)
}

// exitCode maps the run's terminal state to the process exit code.
func exitCode(summary runner.Summary, runErr error, logger zerolog.Logger) int {
	switch summary.State {
	case runner.StateCompleted:
		return exitCompleted
	case runner.StateInterrupted:
		logger.Info().
			Int("processed", summary.Processed).
			Int("total", summary.Total).
			Msg("Interrupted; rerun with the same configuration to resume")
		return exitInterrupted
	default:
		logger.Error().
			Err(runErr).
			Msg("Run failed; checkpoint preserved, rerun after remediation to resume")
		return exitFatal
	}
}

// startObservabilityListener serves /metrics and /health for the duration of
// the run. Best effort: a busy port logs a warning and the run proceeds.
func startObservabilityListener(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler)

	go func() {
		logger.Info().Str("addr", addr).Msg("Observability listener started")
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn().Err(err).Msg("Observability listener stopped")
		}
	}()
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}
