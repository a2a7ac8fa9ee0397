package qc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/renameio/v2"

	"nucleusquant/internal/measure"
)

// ReportFile is the report's file name inside the output directory.
const ReportFile = "qc_report.json"

// Thresholds records the count bounds a report was built with.
type Thresholds struct {
	MinNuclei int `json:"min_nuclei"`
	MaxNuclei int `json:"max_nuclei"`
}

// Report is the serialised result of a QC pass.
type Report struct {
	Summary    Summary        `json:"summary"`
	Thresholds Thresholds     `json:"thresholds"`
	Counts     map[string]int `json:"nuclei_per_image"`
	Flags      []Flag         `json:"flags"`
	AreaBins   []Bin          `json:"area_histogram,omitempty"`
}

// Build assembles a Report. images lists every processed image ID and may be
// nil when only the measurements table is known.
func Build(ms []measure.Measurement, images []string, th Thresholds, areaBins int) (*Report, error) {
	r := &Report{
		Summary:    Summarize(ms),
		Thresholds: th,
		Counts:     Counts(ms, images),
		Flags:      FlagImages(ms, images, th.MinNuclei, th.MaxNuclei),
	}
	if r.Flags == nil {
		r.Flags = []Flag{}
	}
	if len(ms) > 0 {
		bins, err := Histogram(Areas(ms), areaBins)
		if err != nil {
			return nil, err
		}
		r.AreaBins = bins
	}
	return r, nil
}

// Encode returns the report as indented JSON with a trailing newline.
func (r *Report) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("encode qc report: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteReport atomically writes r to path.
func WriteReport(path string, r *Report) error {
	data, err := r.Encode()
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// LoadReport reads a report written by WriteReport.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var r Report
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &r, nil
}
