package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"nucleusquant/internal/core"
	"nucleusquant/internal/imaging"
	"nucleusquant/internal/measure"
	"nucleusquant/internal/render"
	"nucleusquant/internal/segment"
	"nucleusquant/internal/trace"
)

// ErrCache marks a cache that could not be read or written. It aborts the
// run rather than failing a single image.
var ErrCache = errors.New("cache unavailable")

// StageError records which processing stage failed for an image.
type StageError struct {
	// Stage is a stable trace reason code such as trace.ReasonDecode.
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// ImageResult is the outcome of one image.
type ImageResult struct {
	ImageID string
	Path    string
	Hash    core.ImageHash
	State   ImageState

	Background   float64
	Threshold    float64
	Measurements []measure.Measurement

	// Artifacts lists the written or restored output paths, slash-separated
	// and relative to the output directory.
	Artifacts []string

	// Restored counts artifacts rewritten during cache replay.
	Restored int

	// Reason is a stable code for failed and skipped images.
	Reason   string
	Err      error
	Duration time.Duration
}

// Nuclei returns the number of measured nuclei.
func (r *ImageResult) Nuclei() int { return len(r.Measurements) }

// Processor turns one image into measurements and three artifacts.
type Processor struct {
	OutputDir string
	Params    core.Params
	Cache     core.Cache
	Hasher    *core.ImageHasher

	replayer *core.Replayer
}

// NewProcessor creates a Processor writing under outputDir. A nil cache
// disables caching.
func NewProcessor(outputDir string, params core.Params, cache core.Cache) *Processor {
	if cache == nil {
		cache = core.NoCache{}
	}
	return &Processor{
		OutputDir: outputDir,
		Params:    params,
		Cache:     cache,
		Hasher:    core.NewImageHasher(),
		replayer:  core.NewReplayer(outputDir),
	}
}

// Hash returns the content and parameter hash of one image.
func (p *Processor) Hash(in core.Input) core.ImageHash {
	return p.Hasher.ComputeHash(core.HashInput{ImageID: in.ID, Content: in.Content, Params: p.Params})
}

// RunHash combines the image hashes of a batch.
func (p *Processor) RunHash(hashes []core.ImageHash) string {
	return p.Hasher.RunHash(hashes, p.Params)
}

// Probe replays a cached result for in when one exists. Artifacts missing
// or altered in the output directory are restored from the cache.
func (p *Processor) Probe(_ context.Context, in core.Input, hash core.ImageHash) (*ImageResult, bool, error) {
	entry, err := p.Cache.Get(hash)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCache, err)
	}
	if entry == nil {
		return nil, false, nil
	}
	if entry.ImageID != in.ID {
		// The ID is hashed, so this is a corrupt entry. Recompute.
		return nil, false, nil
	}
	restored, err := p.replayer.RestoreArtifacts(entry)
	if err != nil {
		return nil, false, fmt.Errorf("%w: replay %s: %v", ErrCache, in.ID, err)
	}
	artifacts := make([]string, len(entry.Artifacts))
	for i, a := range entry.Artifacts {
		artifacts[i] = a.Path
	}
	return &ImageResult{
		ImageID:      in.ID,
		Path:         in.Path,
		Hash:         hash,
		State:        StateCached,
		Background:   entry.Background,
		Threshold:    entry.Threshold,
		Measurements: entry.Measurements,
		Artifacts:    artifacts,
		Restored:     restored,
	}, true, nil
}

// Run segments, measures and renders in, writes the artifacts atomically
// and stores the result in the cache. Failures are returned as *StageError
// unless the cache itself fails.
func (p *Processor) Run(_ context.Context, in core.Input, hash core.ImageHash) (*ImageResult, error) {
	plane, err := imaging.Decode(bytes.NewReader(in.Content))
	if err != nil {
		return nil, stageErr(trace.ReasonDecode, err)
	}
	seg, err := segment.Segment(plane, segment.Params{
		MinNucleusSize: p.Params.MinNucleusSize,
		HistogramBins:  p.Params.HistogramBins,
	})
	if err != nil {
		return nil, stageErr(trace.ReasonSegment, err)
	}
	ms, err := measure.Regions(seg.Labels, seg.Corrected, in.ID)
	if err != nil {
		return nil, stageErr(trace.ReasonSegment, err)
	}

	artifacts, err := p.renderArtifacts(in.ID, plane, seg.Labels)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(artifacts))
	for i, a := range artifacts {
		target, err := p.replayer.TargetPath(a.Path)
		if err != nil {
			return nil, stageErr(trace.ReasonWrite, err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, stageErr(trace.ReasonWrite, err)
		}
		if err := renameio.WriteFile(target, a.Content, 0o644); err != nil {
			return nil, stageErr(trace.ReasonWrite, err)
		}
		paths[i] = a.Path
	}

	entry := &core.CacheEntry{
		Hash:         hash,
		ImageID:      in.ID,
		Background:   seg.Background,
		Threshold:    seg.Threshold,
		Measurements: ms,
		Artifacts:    artifacts,
	}
	if err := p.Cache.Put(entry); err != nil {
		return nil, fmt.Errorf("%w: store %s: %v", ErrCache, in.ID, err)
	}

	return &ImageResult{
		ImageID:      in.ID,
		Path:         in.Path,
		Hash:         hash,
		State:        StateCompleted,
		Background:   seg.Background,
		Threshold:    seg.Threshold,
		Measurements: ms,
		Artifacts:    paths,
	}, nil
}

// renderArtifacts encodes the label TIFF and the two PNG renders, sorted by
// path.
func (p *Processor) renderArtifacts(id string, plane *imaging.Plane, labels *imaging.LabelImage) ([]core.CachedArtifact, error) {
	var tif bytes.Buffer
	if err := imaging.EncodeLabels(&tif, labels); err != nil {
		return nil, stageErr(trace.ReasonWrite, err)
	}

	overlay, err := render.Overlay(plane, labels, p.Params.OverlayAlpha)
	if err != nil {
		return nil, stageErr(trace.ReasonSegment, err)
	}
	bounds, err := render.Boundaries(plane, labels)
	if err != nil {
		return nil, stageErr(trace.ReasonSegment, err)
	}
	overlayPNG, err := encodePNG(overlay)
	if err != nil {
		return nil, err
	}
	boundsPNG, err := encodePNG(bounds)
	if err != nil {
		return nil, err
	}

	return []core.CachedArtifact{
		{Path: BoundariesPath(id), Content: boundsPNG},
		{Path: LabelsPath(id), Content: tif.Bytes()},
		{Path: OverlayPath(id), Content: overlayPNG},
	}, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := render.EncodePNG(&buf, img); err != nil {
		return nil, stageErr(trace.ReasonWrite, err)
	}
	return buf.Bytes(), nil
}
