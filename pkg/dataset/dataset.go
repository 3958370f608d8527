// Package dataset loads the match dataset to enrich and writes the final
// enriched artifact. It is the discovery collaborator: the key set of the
// input document is the full set of record identifiers for the run.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dotalab/stratz-enrich/pkg/checkpoint"
	"github.com/rs/zerolog"
)

// Dataset is a match-ID-keyed collection of records awaiting enrichment.
type Dataset struct {
	records map[string]map[string]any
	logger  zerolog.Logger
}

// Load reads a dataset document: a JSON object mapping match IDs to record
// objects.
func Load(path string, logger zerolog.Logger) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}

	var records map[string]map[string]any
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse dataset %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("dataset %s is empty", path)
	}

	logger.Info().
		Str("path", path).
		Int("records", len(records)).
		Msg("Dataset loaded")

	return &Dataset{records: records, logger: logger}, nil
}

// Len returns the number of records.
func (d *Dataset) Len() int {
	return len(d.records)
}

// IDs returns every record identifier in sorted order.
func (d *Dataset) IDs() []string {
	ids := make([]string, 0, len(d.records))
	for id := range d.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Record returns a copy of one record, for inspection in tests.
func (d *Dataset) Record(id string) (map[string]any, bool) {
	record, ok := d.records[id]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = v
	}
	return out, true
}

// Merge folds an enrichment object into one record. Enrichment keys
// overwrite record keys; null values are merged too, keeping the artifact
// schema identical for failed records.
func (d *Dataset) Merge(id string, enrichment json.RawMessage) error {
	record, ok := d.records[id]
	if !ok {
		return fmt.Errorf("unknown record identifier %q", id)
	}

	var fields map[string]any
	if err := json.Unmarshal(enrichment, &fields); err != nil {
		return fmt.Errorf("parse enrichment for %q: %w", id, err)
	}

	for key, value := range fields {
		record[key] = value
	}
	return nil
}

// Writer persists the merged artifact to a fixed output path. It implements
// the orchestrator's artifact sink.
type Writer struct {
	dataset *Dataset
	path    string
}

// NewWriter creates an artifact writer targeting the given path.
func (d *Dataset) NewWriter(path string) *Writer {
	return &Writer{dataset: d, path: path}
}

// WriteArtifact merges every result into its record and writes the complete
// artifact atomically. Every identifier from the input set ends up present
// exactly once; failed records carry the null-valued enrichment payload
// recorded in their result.
func (w *Writer) WriteArtifact(results map[string]checkpoint.Result) error {
	for id, result := range results {
		if err := w.dataset.Merge(id, result.Payload); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(w.dataset.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}

	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, ".artifact-*.tmp")
	if err != nil {
		return fmt.Errorf("create artifact temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close artifact temp file: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace artifact: %w", err)
	}

	w.dataset.logger.Info().
		Str("path", w.path).
		Int("records", len(w.dataset.records)).
		Msg("Final artifact written")

	return nil
}
