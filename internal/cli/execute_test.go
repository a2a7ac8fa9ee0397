package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nucleusquant/internal/core"
	"nucleusquant/internal/manifest"
	"nucleusquant/internal/measure"
	"nucleusquant/internal/pipeline"
	"nucleusquant/internal/qc"
	"nucleusquant/internal/storage/sqlite"
)

func TestExecute_WritesRunOutputs(t *testing.T) {
	inv := newInvocation(t)
	writeNucleiTIFF(t, inv.InputDir, "a.tif")
	writeNucleiTIFF(t, inv.InputDir, "b.tif")

	res, err := Execute(context.Background(), inv)
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, res.ExitCode)

	for _, id := range []string{"a", "b"} {
		for _, rel := range pipeline.ArtifactPaths(id) {
			assert.FileExists(t, filepath.Join(inv.OutputDir, filepath.FromSlash(rel)))
		}
	}
	for _, name := range []string{pipeline.MeasurementsFile, pipeline.AreaHistogramFile, qc.ReportFile, manifest.FileName} {
		assert.FileExists(t, filepath.Join(inv.OutputDir, name))
	}

	ms, err := measure.ReadCSV(bytes.NewReader(readFile(t, filepath.Join(inv.OutputDir, pipeline.MeasurementsFile))))
	require.NoError(t, err)
	require.Len(t, ms, 4)
	assert.Equal(t, "a", ms[0].ImageID)
	assert.Equal(t, 144, ms[0].Area)

	man, err := manifest.Load(filepath.Join(inv.OutputDir, manifest.FileName))
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusSucceeded, man.Status)
	assert.Equal(t, res.Batch.RunHash, man.RunHash)
	assert.Equal(t, res.TraceHash, man.TraceHash)
	require.Len(t, man.Images, 2)
	assert.Equal(t, "a.tif", man.Images[0].Path)
	assert.Equal(t, 2, man.Images[0].Nuclei)
	assert.Contains(t, man.Outputs, pipeline.MeasurementsFile)
	assert.Contains(t, man.Outputs, pipeline.LabelsPath("b"))

	// Two nuclei per image is under the default minimum of five.
	report, err := qc.LoadReport(filepath.Join(inv.OutputDir, qc.ReportFile))
	require.NoError(t, err)
	require.Len(t, report.Flags, 2)
	assert.Equal(t, qc.ReasonTooFew, report.Flags[0].Reason)
}

func TestExecute_ClearsManagedOutputsOnly(t *testing.T) {
	inv := newInvocation(t)
	stale := filepath.Join(inv.OutputDir, pipeline.LabelsDir, "gone_labels.tif")
	staleCSV := filepath.Join(inv.OutputDir, pipeline.MeasurementsFile)
	notes := filepath.Join(inv.OutputDir, "notes.txt")
	writeFile(t, stale, []byte("stale"))
	writeFile(t, staleCSV, []byte("stale"))
	writeFile(t, notes, []byte("keep"))

	res, err := Execute(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, res.ExitCode)

	assert.NoFileExists(t, stale)
	assert.NoFileExists(t, staleCSV, "no images were processed, so no table is written")
	assert.Equal(t, []byte("keep"), readFile(t, notes))
}

func TestExecute_ImageFailureIsPartial(t *testing.T) {
	inv := newInvocation(t)
	writeNucleiTIFF(t, inv.InputDir, "a.tif")
	writeFile(t, filepath.Join(inv.InputDir, "bad.tif"), []byte("not a tiff"))

	res, err := Execute(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, ExitImageFailure, res.ExitCode)
	assert.Equal(t, 1, res.Batch.Count(pipeline.StateFailed))

	ms, err := measure.ReadCSV(bytes.NewReader(readFile(t, filepath.Join(inv.OutputDir, pipeline.MeasurementsFile))))
	require.NoError(t, err)
	assert.Len(t, ms, 2)

	man, err := manifest.Load(filepath.Join(inv.OutputDir, manifest.FileName))
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusPartial, man.Status)
	assert.Equal(t, 1, man.Failures)
	assert.NotContains(t, man.Outputs, pipeline.LabelsPath("bad"))
}

func TestExecute_NoImagesProcessed(t *testing.T) {
	inv := newInvocation(t)
	writeFile(t, filepath.Join(inv.InputDir, "bad.tif"), []byte("not a tiff"))

	res, err := Execute(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, ExitImageFailure, res.ExitCode)
	assert.NoFileExists(t, filepath.Join(inv.OutputDir, pipeline.MeasurementsFile))
	assert.NoFileExists(t, filepath.Join(inv.OutputDir, qc.ReportFile))
	assert.FileExists(t, filepath.Join(inv.OutputDir, manifest.FileName))
}

func TestExecute_ImagesWithoutNucleiAreFlagged(t *testing.T) {
	inv := newInvocation(t)
	writeBlankTIFF(t, inv.InputDir, "a.tif")
	writeBlankTIFF(t, inv.InputDir, "b.tif")

	res, err := Execute(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, res.ExitCode)
	assert.NoFileExists(t, filepath.Join(inv.OutputDir, pipeline.AreaHistogramFile))

	report, err := qc.LoadReport(filepath.Join(inv.OutputDir, qc.ReportFile))
	require.NoError(t, err)
	require.Len(t, report.Flags, 2)
	for i, id := range []string{"a", "b"} {
		assert.Equal(t, id, report.Flags[i].ImageID)
		assert.Equal(t, qc.ReasonTooFew, report.Flags[i].Reason)
		assert.Zero(t, report.Flags[i].Count)
	}
}

func TestExecute_MissingInputDir(t *testing.T) {
	inv := newInvocation(t)
	inv.InputDir = filepath.Join(inv.WorkDir, "absent")

	res, err := Execute(context.Background(), inv)
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, res.ExitCode)
}

func TestExecute_IncrementalReplaysFromCache(t *testing.T) {
	inv := newInvocation(t)
	inv.Mode = ExecutionModeIncremental
	inv.Config.CacheDir = filepath.Join(inv.WorkDir, "cache")
	writeNucleiTIFF(t, inv.InputDir, "a.tif")
	writeNucleiTIFF(t, inv.InputDir, "b.tif")

	first, err := Execute(context.Background(), inv)
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, first.ExitCode)
	csv1 := readFile(t, filepath.Join(inv.OutputDir, pipeline.MeasurementsFile))
	overlay1 := readFile(t, filepath.Join(inv.OutputDir, filepath.FromSlash(pipeline.OverlayPath("a"))))

	second, err := Execute(context.Background(), inv)
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, second.ExitCode)
	assert.Equal(t, 2, second.Batch.Count(pipeline.StateCached))
	assert.Equal(t, first.Batch.RunHash, second.Batch.RunHash)
	assert.Equal(t, csv1, readFile(t, filepath.Join(inv.OutputDir, pipeline.MeasurementsFile)))
	assert.Equal(t, overlay1, readFile(t, filepath.Join(inv.OutputDir, filepath.FromSlash(pipeline.OverlayPath("a")))))
}

func TestExecute_IdenticalRunsIdenticalTrace(t *testing.T) {
	inv := newInvocation(t)
	inv.Config.Workers = 2
	inv.Config.Sinks.TracePath = filepath.Join(inv.WorkDir, "traces", "trace.json")
	writeNucleiTIFF(t, inv.InputDir, "a.tif")
	writeNucleiTIFF(t, inv.InputDir, "b.tif")
	writeFile(t, filepath.Join(inv.InputDir, "c.tif"), []byte("broken"))

	res1, err := Execute(context.Background(), inv)
	require.NoError(t, err)
	tr1 := readFile(t, inv.Config.Sinks.TracePath)

	res2, err := Execute(context.Background(), inv)
	require.NoError(t, err)
	tr2 := readFile(t, inv.Config.Sinks.TracePath)

	assert.Equal(t, tr1, tr2)
	assert.Equal(t, res1.TraceHash, res2.TraceHash)
	assert.Contains(t, string(tr1), `"ImageFlagged"`)
	assert.Contains(t, string(tr1), `"DecodeFailed"`)
}

type panicRunner struct{ pipeline.Runner }

func (panicRunner) Hash(core.Input) core.ImageHash { panic("boom") }

func TestExecute_PanicMapsToInternalError(t *testing.T) {
	inv := newInvocation(t)
	writeNucleiTIFF(t, inv.InputDir, "a.tif")

	res, err := ExecuteWithRunner(context.Background(), inv, panicRunner{})
	require.Error(t, err)
	assert.Equal(t, ExitInternalError, res.ExitCode)
	assert.True(t, strings.HasPrefix(err.Error(), "panic:"))
	assert.Nil(t, res.Batch)
}

// cancelAfterFirst processes one image and then cancels the run.
type cancelAfterFirst struct {
	*pipeline.Processor
	cancel context.CancelFunc
}

func (r cancelAfterFirst) Run(ctx context.Context, in core.Input, hash core.ImageHash) (*pipeline.ImageResult, error) {
	defer r.cancel()
	return r.Processor.Run(ctx, in, hash)
}

func TestExecute_CanceledRunStillReachesSinks(t *testing.T) {
	inv := newInvocation(t)
	inv.Config.Workers = 1
	inv.Config.Sinks.SQLitePath = filepath.Join(inv.WorkDir, "runs.db")
	writeNucleiTIFF(t, inv.InputDir, "a.tif")
	writeNucleiTIFF(t, inv.InputDir, "b.tif")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	params := core.Params{
		MinNucleusSize: inv.Config.Segmentation.MinNucleusSize,
		HistogramBins:  inv.Config.Segmentation.HistogramBins,
		OverlayAlpha:   inv.Config.Render.OverlayAlpha,
	}
	runner := cancelAfterFirst{Processor: pipeline.NewProcessor(inv.OutputDir, params, core.NoCache{}), cancel: cancel}

	res, err := ExecuteWithRunner(ctx, inv, runner)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ExitImageFailure, res.ExitCode)
	require.NotNil(t, res.Manifest)
	assert.Equal(t, manifest.StatusCanceled, res.Manifest.Status)
	assert.Equal(t, pipeline.StateSkipped, res.Batch.FinalState["b"])

	store, err := sqlite.Open(context.Background(), inv.Config.Sinks.SQLitePath)
	require.NoError(t, err)
	defer store.Close()
	runs, err := store.ListRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, manifest.StatusCanceled, runs[0].Status)
	ms, err := store.MeasurementsForRun(context.Background(), runs[0].RunID)
	require.NoError(t, err)
	assert.Len(t, ms, 2)
}

func TestExecute_SQLiteAndMetricsSinks(t *testing.T) {
	inv := newInvocation(t)
	inv.Config.Sinks.SQLitePath = filepath.Join(inv.WorkDir, "runs.db")
	inv.Config.Sinks.MetricsFile = filepath.Join(inv.WorkDir, "nq.prom")
	writeNucleiTIFF(t, inv.InputDir, "a.tif")

	res, err := Execute(context.Background(), inv)
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, res.ExitCode)

	store, err := sqlite.Open(context.Background(), inv.Config.Sinks.SQLitePath)
	require.NoError(t, err)
	defer store.Close()
	runs, err := store.ListRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.Manifest.RunID, runs[0].RunID)
	assert.Equal(t, 2, runs[0].Nuclei)
	ms, err := store.MeasurementsForRun(context.Background(), runs[0].RunID)
	require.NoError(t, err)
	assert.Len(t, ms, 2)
	flags, err := store.FlagsForRun(context.Background(), runs[0].RunID)
	require.NoError(t, err)
	assert.Len(t, flags, 1)

	prom := string(readFile(t, inv.Config.Sinks.MetricsFile))
	assert.Contains(t, prom, `nucleusquant_images_total{outcome="processed"} 1`)
	assert.Contains(t, prom, `nucleusquant_nuclei_total 2`)
	assert.Contains(t, prom, `nucleusquant_qc_flags_total{reason="too_few"} 1`)
}
