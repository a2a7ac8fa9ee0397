package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"nucleusquant/internal/config"
	xlog "nucleusquant/internal/log"
	"nucleusquant/internal/measure"
	"nucleusquant/internal/qc"
)

// ExecuteQC runs a standalone QC pass over a measurements table and writes
// the report and area histogram to the output dir. Flagged images are
// listed on stdout.
func ExecuteQC(_ context.Context, inv QCInvocation, stdout io.Writer) (int, error) {
	if inv.MaxNuclei < inv.MinNuclei || inv.MinNuclei < 0 {
		return ExitInvalidInvocation, invalidInvocationf("invalid nucleus bounds [%d, %d]", inv.MinNuclei, inv.MaxNuclei)
	}
	if inv.AreaBins <= 0 {
		inv.AreaBins = config.DefaultAreaBins
	}
	logger := xlog.WithComponent("qc")

	// #nosec G304 -- the measurements path is provided by the operator
	f, err := os.Open(inv.MeasurementsPath)
	if err != nil {
		return ExitConfigError, fmt.Errorf("open measurements: %w", err)
	}
	defer f.Close()
	ms, err := measure.ReadCSV(f)
	if err != nil {
		return ExitConfigError, fmt.Errorf("read measurements %s: %w", inv.MeasurementsPath, err)
	}
	if err := os.MkdirAll(inv.OutputDir, 0o755); err != nil {
		return ExitConfigError, fmt.Errorf("create output dir: %w", err)
	}

	out := &outputs{dir: inv.OutputDir}
	report, err := out.writeQC(ms, imageIDs(ms), qc.Thresholds{MinNuclei: inv.MinNuclei, MaxNuclei: inv.MaxNuclei}, inv.AreaBins)
	if err != nil {
		return ExitInternalError, err
	}

	s := report.Summary
	fmt.Fprintf(stdout, "nuclei: %d  mean area: %.1f  median area: %g  area range: [%d, %d]  mean intensity: %.1f\n",
		s.NumNuclei, s.MeanArea, s.MedianArea, s.MinArea, s.MaxArea, s.MeanIntensity)
	for _, flag := range report.Flags {
		fmt.Fprintf(stdout, "flagged %s: %s (%d)\n", flag.ImageID, flag.Reason, flag.Count)
	}
	logger.Info().
		Str(xlog.FieldEvent, "qc.completed").
		Int("images", len(report.Counts)).
		Int(xlog.FieldNuclei, s.NumNuclei).
		Int("flagged", len(report.Flags)).
		Str(xlog.FieldOutputDir, inv.OutputDir).
		Msg("qc report written")
	return ExitSuccess, nil
}

func imageIDs(ms []measure.Measurement) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, m := range ms {
		if _, ok := seen[m.ImageID]; ok {
			continue
		}
		seen[m.ImageID] = struct{}{}
		ids = append(ids, m.ImageID)
	}
	sort.Strings(ids)
	return ids
}
