package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"nucleusquant/internal/manifest"
	"nucleusquant/internal/measure"
	"nucleusquant/internal/pipeline"
	"nucleusquant/internal/qc"
	"nucleusquant/internal/render"
)

// managedFiles are run-level outputs removed before every run, so a run that
// writes none of them never leaves a previous run's copy behind.
var managedFiles = []string{
	pipeline.MeasurementsFile,
	pipeline.AreaHistogramFile,
	qc.ReportFile,
	manifest.FileName,
}

// prepareOutputDir creates dir and clears the managed subdirectories and
// files. Anything else in dir is left alone.
func prepareOutputDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("output dir is empty")
	}
	clean := filepath.Clean(dir)
	if clean == string(filepath.Separator) {
		return fmt.Errorf("refusing to operate on output dir %q", clean)
	}
	info, err := os.Stat(clean)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(clean, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	case err != nil:
		return fmt.Errorf("stat output dir: %w", err)
	case !info.IsDir():
		return fmt.Errorf("output dir is not a directory: %s", clean)
	}

	for _, d := range pipeline.ManagedDirs() {
		if err := os.RemoveAll(filepath.Join(clean, d)); err != nil {
			return fmt.Errorf("clear %s: %w", d, err)
		}
	}
	for _, f := range managedFiles {
		if err := os.Remove(filepath.Join(clean, f)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clear %s: %w", f, err)
		}
	}
	return nil
}

// outputs writes run-level files and remembers their relative names.
type outputs struct {
	dir     string
	written []string
}

func (o *outputs) path(name string) string { return filepath.Join(o.dir, name) }

func (o *outputs) writeMeasurements(ms []measure.Measurement) (err error) {
	path := o.path(pipeline.MeasurementsFile)
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := pending.Cleanup(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := measure.WriteCSV(pending, ms); err != nil {
		return fmt.Errorf("write measurements: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	o.written = append(o.written, pipeline.MeasurementsFile)
	return nil
}

// writeQC builds the QC report for the processed images and writes it with
// the area histogram.
func (o *outputs) writeQC(ms []measure.Measurement, images []string, th qc.Thresholds, areaBins int) (*qc.Report, error) {
	report, err := buildQC(ms, images, th, areaBins)
	if err != nil {
		return nil, err
	}
	if err := qc.WriteReport(o.path(qc.ReportFile), report); err != nil {
		return nil, err
	}
	o.written = append(o.written, qc.ReportFile)

	if len(ms) > 0 {
		chart, err := render.AreaHistogram(qc.Areas(ms), areaBins, render.AreaChartOptions())
		if err != nil {
			return nil, err
		}
		if err := render.WritePNG(o.path(pipeline.AreaHistogramFile), chart); err != nil {
			return nil, err
		}
		o.written = append(o.written, pipeline.AreaHistogramFile)
	}
	return report, nil
}

func buildQC(ms []measure.Measurement, images []string, th qc.Thresholds, areaBins int) (*qc.Report, error) {
	report, err := qc.Build(ms, images, th, areaBins)
	if err != nil {
		return nil, fmt.Errorf("build qc report: %w", err)
	}
	return report, nil
}
