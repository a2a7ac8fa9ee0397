package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"nucleusquant/internal/core"
	xlog "nucleusquant/internal/log"
	"nucleusquant/internal/manifest"
	"nucleusquant/internal/metrics"
	"nucleusquant/internal/pipeline"
	"nucleusquant/internal/qc"
	"nucleusquant/internal/trace"
)

// sinkTimeout bounds the database and export writes that follow a run.
const sinkTimeout = 30 * time.Second

// Result is the outcome of Execute.
type Result struct {
	ExitCode  int
	Batch     *pipeline.BatchResult
	Manifest  *manifest.Manifest
	Report    *qc.Report
	TraceHash string
}

// Execute runs the pipeline for a resolved invocation.
func Execute(ctx context.Context, inv Invocation) (Result, error) {
	return ExecuteWithRunner(ctx, inv, nil)
}

// ExecuteWithRunner maps an Invocation to a pipeline run. A nil runner
// selects the production Processor.
//
// Responsibilities:
//   - Clear the managed outputs so no stale artifacts survive.
//   - Select the cache from the execution mode.
//   - Write the measurements table, QC report, trace, manifest and sinks
//     even when some images failed.
//   - Translate the outcome to a semantic exit code, including panics.
func ExecuteWithRunner(ctx context.Context, inv Invocation, runner pipeline.Runner) (res Result, execErr error) {
	res.ExitCode = ExitInternalError
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := inv.Config
	started := time.Now().UTC()

	info, err := os.Stat(inv.InputDir)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, fmt.Errorf("input dir: %w", err)
	}
	if !info.IsDir() {
		res.ExitCode = ExitConfigError
		return res, fmt.Errorf("input dir is not a directory: %s", inv.InputDir)
	}
	if err := prepareOutputDir(inv.OutputDir); err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}
	cache, err := cacheForMode(inv.Mode, cfg.CacheDir)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}
	inputs, err := core.NewInputResolver(inv.InputDir).Resolve(cfg.InputPatterns)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, fmt.Errorf("resolving inputs: %w", err)
	}

	params := core.Params{
		MinNucleusSize: cfg.Segmentation.MinNucleusSize,
		HistogramBins:  cfg.Segmentation.HistogramBins,
		OverlayAlpha:   cfg.Render.OverlayAlpha,
	}
	if runner == nil {
		runner = pipeline.NewProcessor(inv.OutputDir, params, cache)
	}

	man := manifest.New(started)
	ctx = xlog.ContextWithRunID(ctx, man.RunID)
	logger := xlog.FromContext(ctx).With().Str(xlog.FieldComponent, "cli").Logger()
	pipelineLogger := xlog.FromContext(ctx).With().Str(xlog.FieldComponent, "pipeline").Logger()

	m := metrics.New()
	rec := trace.NewRecorder()
	exec, err := pipeline.NewExecutor(runner, pipeline.Options{
		Workers:   cfg.Workers,
		FailFast:  cfg.FailFast,
		Trace:     rec,
		Observers: []pipeline.Observer{pipeline.MetricsObserver{Metrics: m}},
		Logger:    &pipelineLogger,
	})
	if err != nil {
		return res, err
	}

	defer func() {
		if r := recover(); r != nil {
			res.ExitCode = ExitInternalError
			res.Batch = nil
			execErr = fmt.Errorf("panic: %v", r)
			logger.Error().Str(xlog.FieldEvent, "run.panic").Interface("panic", r).Msg("run aborted")
		}
	}()

	logger.Info().
		Str(xlog.FieldEvent, "run.started").
		Str(xlog.FieldMode, string(inv.Mode)).
		Int(xlog.FieldWorkers, cfg.Workers).
		Int("images", len(inputs.Inputs)).
		Str(xlog.FieldOutputDir, inv.OutputDir).
		Msg("run started")

	batch, runErr := exec.Run(ctx, inputs.Inputs)
	if batch == nil {
		res.ExitCode = ExitCode(runErr)
		logger.Error().Err(runErr).Str(xlog.FieldEvent, "run.aborted").Msg("run aborted")
		return res, runErr
	}
	canceled := runErr != nil
	res.Batch = batch

	out := &outputs{dir: inv.OutputDir}
	processed := batch.ProcessedIDs()
	if len(processed) > 0 {
		if err := out.writeMeasurements(batch.Measurements); err != nil {
			return res, err
		}
		logger.Info().
			Str(xlog.FieldEvent, "measurements.saved").
			Int(xlog.FieldNuclei, len(batch.Measurements)).
			Str(xlog.FieldPath, filepath.Join(inv.OutputDir, pipeline.MeasurementsFile)).
			Msg("measurements saved")
	} else {
		logger.Info().Str(xlog.FieldEvent, "measurements.skipped").Msg("no images were processed")
	}

	var flags []qc.Flag
	if len(processed) > 0 {
		th := qc.Thresholds{MinNuclei: cfg.QC.MinNuclei, MaxNuclei: cfg.QC.MaxNuclei}
		report, err := out.writeQC(batch.Measurements, processed, th, cfg.Render.AreaBins)
		if err != nil {
			return res, err
		}
		res.Report = report
		flags = report.Flags
		for _, f := range flags {
			trace.SafeRecord(rec, trace.TraceEvent{Kind: trace.EventImageFlagged, ImageID: f.ImageID, Reason: f.Reason, Nuclei: f.Count})
			m.ObserveFlag(f.Reason)
			logger.Warn().
				Str(xlog.FieldEvent, "image.flagged").
				Str(xlog.FieldImageID, f.ImageID).
				Int(xlog.FieldNuclei, f.Count).
				Str("reason", f.Reason).
				Msg("image flagged by qc")
		}
	}

	tr := rec.Trace(batch.RunHash)
	if cfg.Sinks.TracePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Sinks.TracePath), 0o755); err != nil {
			res.ExitCode = ExitConfigError
			return res, fmt.Errorf("create trace dir: %w", err)
		}
		res.TraceHash, err = trace.WriteFile(cfg.Sinks.TracePath, tr)
	} else {
		res.TraceHash, err = tr.Hash()
	}
	if err != nil {
		return res, err
	}

	finished := time.Now().UTC()
	fillManifest(man, inv, batch, inputs, out.written)
	man.TraceHash = res.TraceHash
	man.Finish(finished, canceled)
	if err := manifest.Write(filepath.Join(inv.OutputDir, manifest.FileName), man); err != nil {
		return res, err
	}
	res.Manifest = man

	// Sinks still receive a canceled run's partial results.
	sinkCtx, cancelSinks := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	sinkErr := exportSinks(sinkCtx, cfg.Sinks, man, batch.Measurements, flags, logger)
	cancelSinks()

	m.Finish(finished)
	if cfg.Sinks.MetricsFile != "" {
		if err := m.WriteTextfile(cfg.Sinks.MetricsFile); err != nil {
			sinkErr = errors.Join(sinkErr, err)
		}
	}

	logSummary(&logger, batch, man, finished.Sub(started))

	switch {
	case sinkErr != nil:
		res.ExitCode = ExitConfigError
		return res, sinkErr
	case canceled:
		res.ExitCode = ExitImageFailure
		return res, runErr
	case batch.Failed():
		res.ExitCode = ExitImageFailure
	default:
		res.ExitCode = ExitSuccess
	}
	return res, nil
}

func logSummary(logger *zerolog.Logger, batch *pipeline.BatchResult, man *manifest.Manifest, took time.Duration) {
	logger.Info().
		Str(xlog.FieldEvent, "run.completed").
		Str(xlog.FieldRunHash, batch.RunHash).
		Str("status", man.Status).
		Int("processed", batch.Count(pipeline.StateCompleted)).
		Int("cached", batch.Count(pipeline.StateCached)).
		Int("failed", batch.Count(pipeline.StateFailed)).
		Int("skipped", batch.Count(pipeline.StateSkipped)).
		Int(xlog.FieldNuclei, len(batch.Measurements)).
		Dur("duration", took).
		Msg("run completed")
}

func fillManifest(man *manifest.Manifest, inv Invocation, batch *pipeline.BatchResult, inputs *core.InputSet, written []string) {
	cfg := inv.Config
	man.RunHash = batch.RunHash
	man.Version = core.AlgorithmVersion
	man.InputDir = inv.InputDir
	man.OutputDir = inv.OutputDir
	man.Parameters = manifest.Parameters{
		MinNucleusSize: cfg.Segmentation.MinNucleusSize,
		HistogramBins:  cfg.Segmentation.HistogramBins,
		OverlayAlpha:   cfg.Render.OverlayAlpha,
		QCMinNuclei:    cfg.QC.MinNuclei,
		QCMaxNuclei:    cfg.QC.MaxNuclei,
		Mode:           string(inv.Mode),
		Workers:        cfg.Workers,
		FailFast:       cfg.FailFast,
	}

	man.Images = make([]manifest.Image, len(batch.Images))
	outputs := append([]string(nil), written...)
	for i, img := range batch.Images {
		in := inputs.Inputs[i]
		path := in.Path
		if rel, err := filepath.Rel(inv.InputDir, filepath.FromSlash(in.Path)); err == nil {
			path = filepath.ToSlash(rel)
		}
		man.Images[i] = manifest.Image{
			ID:          img.ImageID,
			Path:        path,
			ContentHash: core.ContentHash(in.Content),
			ImageHash:   img.Hash.String(),
			State:       string(img.State),
			Nuclei:      img.Nuclei(),
			Reason:      img.Reason,
		}
		if pipeline.IsSuccessful(img.State) {
			outputs = append(outputs, img.Artifacts...)
		}
	}
	man.Outputs = outputs
}

func cacheForMode(mode ExecutionMode, cacheDir string) (core.Cache, error) {
	switch mode {
	case ExecutionModeIncremental:
		if cacheDir == "" {
			return nil, fmt.Errorf("cache dir is empty")
		}
		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		return core.NewFileCache(cacheDir), nil
	case ExecutionModeClean:
		return core.NoCache{}, nil
	default:
		return nil, fmt.Errorf("unknown execution mode: %q", mode)
	}
}
