// Package metrics exposes per-run pipeline counters in Prometheus format.
package metrics

import (
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values.
const (
	OutcomeProcessed = "processed"
	OutcomeCached    = "cached"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Pipeline holds the metrics of one run. Each Pipeline owns its registry,
// so concurrent runs and tests never share state.
type Pipeline struct {
	reg *prometheus.Registry

	images   *prometheus.CounterVec
	nuclei   prometheus.Counter
	flagged  *prometheus.CounterVec
	duration prometheus.Histogram
	lastRun  prometheus.Gauge
}

// New registers the pipeline metrics on a fresh registry.
func New() *Pipeline {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Pipeline{
		reg: reg,
		images: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nucleusquant_images_total",
			Help: "Images handled by outcome (processed, cached, failed, skipped)",
		}, []string{"outcome"}),
		nuclei: f.NewCounter(prometheus.CounterOpts{
			Name: "nucleusquant_nuclei_total",
			Help: "Nuclei detected across all images",
		}),
		flagged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nucleusquant_qc_flags_total",
			Help: "Images flagged by QC, by reason",
		}, []string{"reason"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "nucleusquant_image_duration_seconds",
			Help:    "Wall time spent on one image, including cache replay",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		lastRun: f.NewGauge(prometheus.GaugeOpts{
			Name: "nucleusquant_last_run_timestamp_seconds",
			Help: "Unix time the run finished",
		}),
	}
}

// Registry returns the underlying registry.
func (p *Pipeline) Registry() *prometheus.Registry { return p.reg }

// ObserveImage records one image outcome.
func (p *Pipeline) ObserveImage(outcome string, nuclei int, d time.Duration) {
	if p == nil {
		return
	}
	p.images.WithLabelValues(normalizeOutcome(outcome)).Inc()
	if nuclei > 0 {
		p.nuclei.Add(float64(nuclei))
	}
	if outcome != OutcomeSkipped {
		p.duration.Observe(d.Seconds())
	}
}

// ObserveFlag records one QC flag.
func (p *Pipeline) ObserveFlag(reason string) {
	if p == nil {
		return
	}
	p.flagged.WithLabelValues(normalizeReason(reason)).Inc()
}

// Finish stamps the completion time.
func (p *Pipeline) Finish(at time.Time) {
	if p == nil {
		return
	}
	p.lastRun.Set(float64(at.Unix()))
}

// WriteTextfile writes all metrics in the node_exporter textfile format.
func (p *Pipeline) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, p.reg); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}

func normalizeOutcome(outcome string) string {
	switch o := strings.ToLower(strings.TrimSpace(outcome)); o {
	case OutcomeProcessed, OutcomeCached, OutcomeFailed, OutcomeSkipped:
		return o
	default:
		return "unknown"
	}
}

func normalizeReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "too few nuclei":
		return "too_few"
	case "too many nuclei":
		return "too_many"
	default:
		return "unknown"
	}
}
