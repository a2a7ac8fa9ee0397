package trace

import "sync"

// Sink is the minimal interface the pipeline executor depends on.
//
// Record must not block for long and may be called from several workers at
// once. Callers go through SafeRecord, so a panicking sink cannot fail a run.
type Sink interface {
	Record(event TraceEvent)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(TraceEvent) {}

// Multi fans each event out to every sink in order.
type Multi []Sink

func (m Multi) Record(event TraceEvent) {
	for _, s := range m {
		SafeRecord(s, event)
	}
}

// SafeRecord records an event, swallowing any panic from the sink.
func SafeRecord(s Sink, event TraceEvent) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Record(event)
}

// Recorder is a concurrency-safe in-memory collector.
//
// Ordering is computed after collection, so worker scheduling never shows
// up in the canonical trace.
type Recorder struct {
	mu     sync.Mutex
	events []TraceEvent
}

func NewRecorder() *Recorder { return &Recorder{} }

// Record appends event. It never panics.
func (r *Recorder) Record(event TraceEvent) {
	if r == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Snapshot returns a point-in-time copy of all recorded events.
func (r *Recorder) Snapshot() []TraceEvent {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TraceEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Trace builds a canonical ExecutionTrace from a copy of the recorded events.
func (r *Recorder) Trace(runHash string) ExecutionTrace {
	tr := ExecutionTrace{RunHash: runHash}
	tr.Events = r.Snapshot()
	tr.Canonicalize()
	return tr
}
