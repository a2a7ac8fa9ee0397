package pipeline

import "nucleusquant/internal/metrics"

// MetricsObserver feeds image outcomes into the run metrics.
type MetricsObserver struct {
	Metrics *metrics.Pipeline
}

func (m MetricsObserver) ImageDone(res *ImageResult) {
	outcome := metrics.OutcomeProcessed
	switch res.State {
	case StateCached:
		outcome = metrics.OutcomeCached
	case StateFailed:
		outcome = metrics.OutcomeFailed
	case StateSkipped:
		outcome = metrics.OutcomeSkipped
	}
	m.Metrics.ObserveImage(outcome, res.Nuclei(), res.Duration)
}
