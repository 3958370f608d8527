package runner

import "time"

// logProgressLocked emits one progress line with throughput and the
// estimated time remaining. Throughput is measured over this run only, so
// records inherited from the checkpoint do not skew the estimate. Caller
// holds r.mu.
func (r *Runner) logProgressLocked(processed int) {
	elapsed := time.Since(r.startedAt)
	completedThisRun := processed - r.baseline
	remaining := r.cp.TotalCount - processed

	event := r.logger.Info().
		Int("processed", processed).
		Int("total", r.cp.TotalCount).
		Int("failed", r.failed)

	if completedThisRun > 0 && elapsed > 0 {
		perSecond := float64(completedThisRun) / elapsed.Seconds()
		eta := time.Duration(float64(remaining)/perSecond) * time.Second
		event = event.
			Float64("records_per_second", perSecond).
			Str("eta", eta.Truncate(time.Second).String())
	}

	event.Msg("Progress")
}
