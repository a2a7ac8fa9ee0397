package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"nucleusquant/internal/config"
	xlog "nucleusquant/internal/log"
)

// app carries the streams and the exit code of one command execution.
type app struct {
	workDir  string
	stdout   io.Writer
	stderr   io.Writer
	exitCode int
	logLevel string
	runFlags runFlags
}

// Main runs the command line with args (excluding argv[0]) and returns the
// process exit code.
func Main(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	workDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return ExitConfigError
	}
	return run(ctx, workDir, args, stdout, stderr)
}

func run(ctx context.Context, workDir string, args []string, stdout, stderr io.Writer) int {
	a := &app{workDir: workDir, stdout: stdout, stderr: stderr, exitCode: -1}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
	}
	if a.exitCode >= 0 {
		return a.exitCode
	}
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) {
		return ExitCode(err)
	}
	// Remaining errors come from flag parsing.
	return ExitInvalidInvocation
}

// normalizeFlagName accepts underscore spellings such as --input_dir.
func normalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "nucleusquant",
		Short:         "Segment and measure nuclei in fluorescence microscopy images",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			xlog.Reconfigure(xlog.Config{Level: a.logLevel, Output: a.stderr})
		},
	}
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.AddCommand(a.runCommand(), a.qcCommand())
	root.SetGlobalNormalizationFunc(normalizeFlagName)
	return root
}

type runFlags struct {
	inputDir       string
	outputDir      string
	configPath     string
	cacheDir       string
	mode           string
	minNucleusSize int
	workers        int
	failFast       bool
	tracePath      string
	dbPath         string
	clickhouseDSN  string
	spoolDir       string
	metricsFile    string
	qcMinNuclei    int
	qcMaxNuclei    int
}

func (a *app) runCommand() *cobra.Command {
	f := &a.runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Segment every image in the input directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			inv, err := a.buildInvocation(cmd.Flags(), *f)
			if err != nil {
				a.exitCode = ExitCode(err)
				return err
			}
			res, err := Execute(cmd.Context(), inv)
			a.exitCode = res.ExitCode
			return err
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.inputDir, "input-dir", "", "Directory containing the .tif images. Required.")
	fs.StringVar(&f.outputDir, "output-dir", "", "Directory for labels, overlays, boundaries and tables. Required.")
	fs.StringVar(&f.configPath, "config", "", "YAML config file")
	fs.StringVar(&f.cacheDir, "cache-dir", "", "Per-image result cache directory")
	fs.StringVar(&f.mode, "mode", "", "Execution mode: clean|incremental (default incremental when --cache-dir is set)")
	fs.IntVar(&f.minNucleusSize, "min-nucleus-size", config.DefaultMinNucleusSize, "Minimum nucleus area in pixels")
	fs.IntVar(&f.workers, "workers", 1, "Images processed concurrently")
	fs.BoolVar(&f.failFast, "fail-fast", false, "Stop dispatching images after the first failure")
	fs.StringVar(&f.tracePath, "trace", "", "Write the canonical execution trace to this path")
	fs.StringVar(&f.dbPath, "db", "", "Store the run in this SQLite database")
	fs.StringVar(&f.clickhouseDSN, "clickhouse-dsn", "", "Export measurements to ClickHouse")
	fs.StringVar(&f.spoolDir, "clickhouse-spool-dir", "", "Spool ClickHouse batches here when the server is unreachable")
	fs.StringVar(&f.metricsFile, "metrics-file", "", "Write Prometheus metrics in textfile format")
	fs.IntVar(&f.qcMinNuclei, "qc-min-nuclei", config.DefaultQCMinNuclei, "Flag images with fewer nuclei")
	fs.IntVar(&f.qcMaxNuclei, "qc-max-nuclei", config.DefaultQCMaxNuclei, "Flag images with more nuclei")
	_ = cmd.MarkFlagRequired("input-dir")
	_ = cmd.MarkFlagRequired("output-dir")
	return cmd
}

// buildInvocation merges defaults, the config file, the environment and the
// flags that were set explicitly, in increasing precedence.
func (a *app) buildInvocation(fs *pflag.FlagSet, f runFlags) (Invocation, error) {
	configPath := f.configPath
	if configPath != "" {
		p, err := resolveUnderWorkDir(a.workDir, configPath)
		if err != nil {
			return Invocation{}, err
		}
		configPath = p
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return Invocation{}, configErrorf("load config: %v", err)
	}

	if fs.Changed("cache-dir") {
		cfg.CacheDir = f.cacheDir
	}
	if fs.Changed("min-nucleus-size") {
		cfg.Segmentation.MinNucleusSize = f.minNucleusSize
	}
	if fs.Changed("workers") {
		cfg.Workers = f.workers
	}
	if fs.Changed("fail-fast") {
		cfg.FailFast = f.failFast
	}
	if fs.Changed("trace") {
		cfg.Sinks.TracePath = f.tracePath
	}
	if fs.Changed("db") {
		cfg.Sinks.SQLitePath = f.dbPath
	}
	if fs.Changed("clickhouse-dsn") {
		cfg.Sinks.ClickHouseDSN = f.clickhouseDSN
	}
	if fs.Changed("clickhouse-spool-dir") {
		cfg.Sinks.ClickHouseDir = f.spoolDir
	}
	if fs.Changed("metrics-file") {
		cfg.Sinks.MetricsFile = f.metricsFile
	}
	if fs.Changed("qc-min-nuclei") {
		cfg.QC.MinNuclei = f.qcMinNuclei
	}
	if fs.Changed("qc-max-nuclei") {
		cfg.QC.MaxNuclei = f.qcMaxNuclei
	}
	if a.logLevel == "" && cfg.LogLevel != "" {
		xlog.Reconfigure(xlog.Config{Level: cfg.LogLevel, Output: a.stderr})
	}

	inv := Invocation{
		WorkDir:   a.workDir,
		InputDir:  f.inputDir,
		OutputDir: f.outputDir,
		Config:    cfg,
	}
	if err := inv.finalize(f.mode); err != nil {
		return Invocation{}, err
	}
	return inv, nil
}

func (a *app) qcCommand() *cobra.Command {
	var inv QCInvocation
	cmd := &cobra.Command{
		Use:   "qc",
		Short: "Summarise a measurements table and flag outlier images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			q := inv
			if q.MeasurementsPath, err = resolveUnderWorkDir(a.workDir, q.MeasurementsPath); err != nil {
				a.exitCode = ExitCode(err)
				return err
			}
			if q.OutputDir, err = resolveUnderWorkDir(a.workDir, q.OutputDir); err != nil {
				a.exitCode = ExitCode(err)
				return err
			}
			a.exitCode, err = ExecuteQC(cmd.Context(), q, a.stdout)
			return err
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&inv.MeasurementsPath, "measurements", "", "Measurements CSV written by run. Required.")
	fs.StringVar(&inv.OutputDir, "output-dir", "", "Directory for the QC report and histogram. Required.")
	fs.IntVar(&inv.MinNuclei, "min-nuclei", config.DefaultQCMinNuclei, "Flag images with fewer nuclei")
	fs.IntVar(&inv.MaxNuclei, "max-nuclei", config.DefaultQCMaxNuclei, "Flag images with more nuclei")
	fs.IntVar(&inv.AreaBins, "area-bins", config.DefaultAreaBins, "Bins of the nucleus area histogram")
	_ = cmd.MarkFlagRequired("measurements")
	_ = cmd.MarkFlagRequired("output-dir")
	return cmd
}
