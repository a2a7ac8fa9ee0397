// Package manifest writes the run_manifest.json record of a run.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

// FileName is the manifest's name inside the output directory.
const FileName = "run_manifest.json"

// Run statuses.
const (
	StatusSucceeded = "succeeded"
	StatusPartial   = "partial"
	StatusCanceled  = "canceled"
)

// stateFailed matches pipeline.StateFailed.
const stateFailed = "FAILED"

// Parameters records every tunable that shaped the results.
type Parameters struct {
	MinNucleusSize int     `json:"min_nucleus_size"`
	HistogramBins  int     `json:"histogram_bins"`
	OverlayAlpha   float64 `json:"overlay_alpha"`
	QCMinNuclei    int     `json:"qc_min_nuclei"`
	QCMaxNuclei    int     `json:"qc_max_nuclei"`
	Mode           string  `json:"mode"`
	Workers        int     `json:"workers"`
	FailFast       bool    `json:"fail_fast"`
}

// Image is one input and its outcome.
type Image struct {
	ID          string `json:"id"`
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
	ImageHash   string `json:"image_hash"`
	State       string `json:"state"`
	Nuclei      int    `json:"nuclei"`
	Reason      string `json:"reason,omitempty"`
}

// Manifest is the record of one run. RunHash is reproducible; RunID and the
// timestamps are not.
type Manifest struct {
	RunID      string     `json:"run_id"`
	RunHash    string     `json:"run_hash"`
	Version    string     `json:"algorithm_version"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	InputDir   string     `json:"input_dir"`
	OutputDir  string     `json:"output_dir"`
	Parameters Parameters `json:"parameters"`
	Images     []Image    `json:"images"`
	Outputs    []string   `json:"outputs"`
	Status     string     `json:"status"`
	Failures   int        `json:"image_failures"`
	TraceHash  string     `json:"trace_hash,omitempty"`
}

// New starts a manifest with a fresh random run ID.
func New(started time.Time) *Manifest {
	return &Manifest{RunID: uuid.NewString(), StartedAt: started.UTC()}
}

// Finish stamps the end time and derives the status from the image states.
func (m *Manifest) Finish(at time.Time, canceled bool) {
	m.FinishedAt = at.UTC()
	m.Failures = 0
	for _, img := range m.Images {
		if img.State == stateFailed {
			m.Failures++
		}
	}
	switch {
	case canceled:
		m.Status = StatusCanceled
	case m.Failures > 0:
		m.Status = StatusPartial
	default:
		m.Status = StatusSucceeded
	}
	sort.Strings(m.Outputs)
	if m.Images == nil {
		m.Images = []Image{}
	}
	if m.Outputs == nil {
		m.Outputs = []string{}
	}
}

// Write atomically writes m as indented JSON.
func Write(path string, m *Manifest) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write manifest %s: %w", path, err)
	}
	return nil
}

// Load reads a manifest, rejecting unknown fields.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	if _, err := uuid.Parse(m.RunID); err != nil {
		return nil, fmt.Errorf("manifest %s: invalid run_id: %w", path, err)
	}
	return &m, nil
}
