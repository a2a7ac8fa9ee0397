package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"nucleusquant/internal/core"
	xlog "nucleusquant/internal/log"
	"nucleusquant/internal/measure"
	"nucleusquant/internal/trace"
)

// Runner processes single images. Processor is the production Runner.
type Runner interface {
	Hash(in core.Input) core.ImageHash
	RunHash(hashes []core.ImageHash) string

	// Probe reports whether in can be satisfied from cache. When cached is
	// true the result must be non-nil. An error aborts the run.
	Probe(ctx context.Context, in core.Input, hash core.ImageHash) (result *ImageResult, cached bool, err error)

	// Run processes in. A *StageError fails only this image; any other
	// error aborts the run.
	Run(ctx context.Context, in core.Input, hash core.ImageHash) (*ImageResult, error)
}

// Observer is notified once per image after it reaches a terminal state.
// It may be called from several workers at once.
type Observer interface {
	ImageDone(res *ImageResult)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(res *ImageResult)

func (f ObserverFunc) ImageDone(res *ImageResult) { f(res) }

// Options configures an Executor.
type Options struct {
	// Workers bounds concurrent images. Values below 1 mean 1.
	Workers int

	// FailFast stops dispatch after the first image failure. Images not yet
	// started are SKIPPED.
	FailFast bool

	Trace     trace.Sink
	Observers []Observer
	Logger    *zerolog.Logger
}

// BatchResult is the outcome of a run. Images and Measurements follow input
// order regardless of completion order.
type BatchResult struct {
	RunHash      string
	Images       []ImageResult
	Measurements []measure.Measurement
	FinalState   ExecutionState
}

// Count returns the number of images that ended in state s.
func (b *BatchResult) Count(s ImageState) int {
	n := 0
	for _, img := range b.Images {
		if img.State == s {
			n++
		}
	}
	return n
}

// Failed reports whether any image failed.
func (b *BatchResult) Failed() bool { return b.Count(StateFailed) > 0 }

// ImageIDs returns the ID of every image in input order.
func (b *BatchResult) ImageIDs() []string {
	ids := make([]string, len(b.Images))
	for i, img := range b.Images {
		ids[i] = img.ImageID
	}
	return ids
}

// ProcessedIDs returns the IDs of images that produced measurements.
func (b *BatchResult) ProcessedIDs() []string {
	var ids []string
	for _, img := range b.Images {
		if IsSuccessful(img.State) {
			ids = append(ids, img.ImageID)
		}
	}
	return ids
}

// Executor runs a Runner over a batch on a bounded worker pool.
type Executor struct {
	runner Runner
	opts   Options
	logger zerolog.Logger

	mu    sync.Mutex
	state ExecutionState
}

// NewExecutor creates an Executor.
func NewExecutor(runner Runner, opts Options) (*Executor, error) {
	if runner == nil {
		return nil, fmt.Errorf("nil runner")
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Trace == nil {
		opts.Trace = trace.NopSink{}
	}
	logger := xlog.WithComponent("pipeline")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Executor{runner: runner, opts: opts, logger: logger}, nil
}

// StateSnapshot returns a copy of the current execution state.
func (e *Executor) StateSnapshot() ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make(ExecutionState, len(e.state))
	for k, v := range e.state {
		cp[k] = v
	}
	return cp
}

func (e *Executor) transition(id string, from, to ImageState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Transition(e.state, id, from, to)
}

// Run processes inputs. Per-image failures are recorded in the result and
// do not return an error. Cache and runner faults abort the run with a nil
// result. When ctx is canceled the partial result is returned together with
// the wrapped ctx error.
func (e *Executor) Run(ctx context.Context, inputs []core.Input) (*BatchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	e.mu.Lock()
	e.state = make(ExecutionState, len(inputs))
	for _, in := range inputs {
		if _, dup := e.state[in.ID]; dup {
			e.mu.Unlock()
			return nil, fmt.Errorf("duplicate image id %q", in.ID)
		}
		e.state[in.ID] = StatePending
	}
	e.mu.Unlock()

	hashes := make([]core.ImageHash, len(inputs))
	for i, in := range inputs {
		hashes[i] = e.runner.Hash(in)
	}
	runHash := e.runner.RunHash(hashes)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	var tripped atomic.Bool

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(e.opts.Workers)

	results := make([]*ImageResult, len(inputs))
	for i := range inputs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			res, err := e.processOne(gctx, inputs[i], hashes[i])
			if err != nil {
				return err
			}
			results[i] = res
			if res.State == StateFailed && e.opts.FailFast {
				tripped.Store(true)
				stop()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	skipReason := trace.ReasonCanceled
	if tripped.Load() {
		skipReason = trace.ReasonFailFast
	}

	batch := &BatchResult{RunHash: runHash, Images: make([]ImageResult, len(inputs))}
	for i, in := range inputs {
		res := results[i]
		if res == nil {
			if err := e.transition(in.ID, StatePending, StateSkipped); err != nil {
				return nil, err
			}
			res = &ImageResult{ImageID: in.ID, Path: in.Path, Hash: hashes[i], State: StateSkipped, Reason: skipReason}
			e.finish(res)
		}
		batch.Images[i] = *res
		batch.Measurements = append(batch.Measurements, res.Measurements...)
	}
	batch.FinalState = e.StateSnapshot()

	if err := ctx.Err(); err != nil {
		return batch, fmt.Errorf("batch canceled: %w", err)
	}
	return batch, nil
}

// processOne drives one image through the lifecycle. Only fatal problems
// are returned as errors.
func (e *Executor) processOne(ctx context.Context, in core.Input, hash core.ImageHash) (*ImageResult, error) {
	start := time.Now()

	cached, ok, err := e.runner.Probe(ctx, in, hash)
	if err != nil {
		return nil, fmt.Errorf("probing cache for %q: %w", in.ID, err)
	}
	if ok {
		if cached == nil {
			return nil, fmt.Errorf("probing cache for %q: nil result", in.ID)
		}
		if err := e.transition(in.ID, StatePending, StateCached); err != nil {
			return nil, err
		}
		cached.State = StateCached
		cached.Duration = time.Since(start)
		e.finish(cached)
		return cached, nil
	}

	if err := e.transition(in.ID, StatePending, StateRunning); err != nil {
		return nil, err
	}
	res, err := e.runner.Run(ctx, in, hash)
	if err != nil {
		var se *StageError
		if !errors.As(err, &se) {
			return nil, fmt.Errorf("processing %q: %w", in.ID, err)
		}
		if terr := e.transition(in.ID, StateRunning, StateFailed); terr != nil {
			return nil, terr
		}
		failed := &ImageResult{
			ImageID:  in.ID,
			Path:     in.Path,
			Hash:     hash,
			State:    StateFailed,
			Reason:   se.Stage,
			Err:      err,
			Duration: time.Since(start),
		}
		e.finish(failed)
		return failed, nil
	}
	if res == nil {
		return nil, fmt.Errorf("processing %q: nil result", in.ID)
	}
	if err := e.transition(in.ID, StateRunning, StateCompleted); err != nil {
		return nil, err
	}
	res.State = StateCompleted
	res.Duration = time.Since(start)
	e.finish(res)
	return res, nil
}

// finish emits the trace event, the log line and observer callbacks.
func (e *Executor) finish(res *ImageResult) {
	ev := trace.TraceEvent{ImageID: res.ImageID, Nuclei: res.Nuclei(), Artifacts: res.Artifacts}
	var event string
	switch res.State {
	case StateCompleted:
		ev.Kind, event = trace.EventImageSegmented, "image.processed"
	case StateCached:
		ev.Kind, event = trace.EventImageCached, "image.cached"
	case StateFailed:
		ev.Kind, event = trace.EventImageFailed, "image.failed"
		ev.Reason, ev.Artifacts = res.Reason, nil
	case StateSkipped:
		ev.Kind, event = trace.EventImageSkipped, "image.skipped"
		ev.Reason, ev.Artifacts = res.Reason, nil
	}
	trace.SafeRecord(e.opts.Trace, ev)

	var l *zerolog.Event
	switch res.State {
	case StateFailed:
		l = e.logger.Error().Err(res.Err).Str("reason", res.Reason)
	case StateSkipped:
		l = e.logger.Warn().Str("reason", res.Reason)
	default:
		l = e.logger.Info().
			Int(xlog.FieldNuclei, res.Nuclei()).
			Float64(xlog.FieldBackground, res.Background).
			Float64(xlog.FieldThreshold, res.Threshold).
			Bool(xlog.FieldFromCache, res.State == StateCached)
	}
	l.Str(xlog.FieldEvent, event).
		Str(xlog.FieldImageID, res.ImageID).
		Str(xlog.FieldPath, res.Path).
		Dur("duration", res.Duration).
		Msg("image finished")

	for _, o := range e.opts.Observers {
		if o != nil {
			o.ImageDone(res)
		}
	}
}
