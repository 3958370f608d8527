// Package checkpoint persists run progress so an interrupted enrichment run
// can resume without repeating completed work. The checkpoint is a single
// human-inspectable JSON document, written atomically.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Stats accumulates run counters across checkpoint save/load cycles.
type Stats struct {
	// Attempts counts every attempt that reached the network.
	Attempts int `json:"attempts"`

	// PermanentFailures counts records rejected at the application level
	// (including malformed responses).
	PermanentFailures int `json:"permanent_failures"`

	// NetworkExhaustions counts records abandoned after transient errors
	// consumed every retry attempt. Tracked separately from application
	// rejections.
	NetworkExhaustions int `json:"network_exhaustions"`
}

// Result is the checkpointed outcome for one processed identifier. Payload
// is the raw enrichment document on success and an explicit JSON null on
// permanent failure, so the final artifact never has a missing key.
type Result struct {
	Payload json.RawMessage `json:"payload"`
	Failure string          `json:"failure,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// State is the persisted run progress. The processed set and the results
// key set are the same set by construction: an identifier is processed
// exactly when its result has been recorded.
type State struct {
	ProcessedCount int               `json:"processed_count"`
	TotalCount     int               `json:"total_count"`
	ProcessedIDs   []string          `json:"processed_ids"`
	Results        map[string]Result `json:"results"`
	Stats          Stats             `json:"stats"`
	SavedAt        time.Time         `json:"saved_at"`
}

// NewState creates an empty state for a run over the given number of
// identifiers.
func NewState(totalCount int) *State {
	return &State{
		TotalCount: totalCount,
		Results:    make(map[string]Result),
	}
}

// Processed reports whether the identifier has already been completed.
func (s *State) Processed(id string) bool {
	_, ok := s.Results[id]
	return ok
}

// MarkProcessed records the result for an identifier. The caller serializes
// access; State itself is not safe for concurrent mutation.
func (s *State) MarkProcessed(id string, result Result) {
	if _, ok := s.Results[id]; ok {
		return
	}
	s.Results[id] = result
	s.ProcessedCount = len(s.Results)
}

// normalize refreshes the derived fields before persisting.
func (s *State) normalize() {
	s.ProcessedCount = len(s.Results)
	s.ProcessedIDs = make([]string, 0, len(s.Results))
	for id := range s.Results {
		s.ProcessedIDs = append(s.ProcessedIDs, id)
	}
	sort.Strings(s.ProcessedIDs)
}

// Validate checks the structural invariants a loadable checkpoint must
// satisfy.
func (s *State) Validate() error {
	if s.TotalCount <= 0 {
		return fmt.Errorf("total_count must be positive (got %d)", s.TotalCount)
	}
	if s.Results == nil {
		return fmt.Errorf("results map missing")
	}
	if s.ProcessedCount != len(s.ProcessedIDs) {
		return fmt.Errorf("processed_count %d does not match %d processed_ids",
			s.ProcessedCount, len(s.ProcessedIDs))
	}
	if len(s.ProcessedIDs) != len(s.Results) {
		return fmt.Errorf("%d processed_ids but %d results", len(s.ProcessedIDs), len(s.Results))
	}
	for _, id := range s.ProcessedIDs {
		if _, ok := s.Results[id]; !ok {
			return fmt.Errorf("processed id %q has no result entry", id)
		}
	}
	if s.ProcessedCount > s.TotalCount {
		return fmt.Errorf("processed_count %d exceeds total_count %d", s.ProcessedCount, s.TotalCount)
	}
	if s.SavedAt.IsZero() {
		return fmt.Errorf("saved_at missing")
	}
	return nil
}
