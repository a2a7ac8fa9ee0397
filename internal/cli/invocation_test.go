package cli

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nucleusquant/internal/pipeline"
)

func parseRun(t *testing.T, workDir string, args ...string) (Invocation, error) {
	t.Helper()
	a := &app{workDir: workDir, stdout: io.Discard, stderr: io.Discard}
	cmd := a.runCommand()
	cmd.SetGlobalNormalizationFunc(normalizeFlagName)
	require.NoError(t, cmd.ParseFlags(args))
	return a.buildInvocation(cmd.Flags(), a.runFlags)
}

func TestBuildInvocation_DeterministicStruct(t *testing.T) {
	workDir := t.TempDir()
	args := []string{
		"--input-dir", "images/../in",
		"--output-dir", "out/./",
		"--cache-dir", "./cache/..//cache",
		"--trace", "traces/../trace.json",
	}

	inv1, err := parseRun(t, workDir, args...)
	require.NoError(t, err)
	inv2, err := parseRun(t, workDir, args...)
	require.NoError(t, err)
	if !reflect.DeepEqual(inv1, inv2) {
		t.Fatalf("expected identical invocations, got\n%#v\n%#v", inv1, inv2)
	}

	assert.Equal(t, filepath.Join(workDir, "in"), inv1.InputDir)
	assert.Equal(t, filepath.Join(workDir, "out"), inv1.OutputDir)
	assert.Equal(t, filepath.Join(workDir, "cache"), inv1.Config.CacheDir)
	assert.Equal(t, filepath.Join(workDir, "trace.json"), inv1.Config.Sinks.TracePath)
	assert.Equal(t, ExecutionModeIncremental, inv1.Mode, "cache dir implies incremental")
}

func TestBuildInvocation_AbsolutePathsKept(t *testing.T) {
	abs := t.TempDir()
	inv, err := parseRun(t, t.TempDir(), "--input-dir", abs, "--output-dir", filepath.Join(abs, "out"))
	require.NoError(t, err)
	assert.Equal(t, abs, inv.InputDir)
	assert.Equal(t, ExecutionModeClean, inv.Mode)
}

func TestBuildInvocation_UnderscoreSpellings(t *testing.T) {
	inv, err := parseRun(t, t.TempDir(),
		"--input_dir", "in",
		"--output_dir", "out",
		"--min_nucleus_size", "50",
	)
	require.NoError(t, err)
	assert.Equal(t, 50, inv.Config.Segmentation.MinNucleusSize)
}

func TestBuildInvocation_Modes(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		want     ExecutionMode
		wantExit int
	}{
		{name: "default clean", args: nil, want: ExecutionModeClean},
		{name: "explicit clean with cache", args: []string{"--mode", "clean", "--cache-dir", "c"}, want: ExecutionModeClean},
		{name: "incremental", args: []string{"--mode", "INCREMENTAL", "--cache-dir", "c"}, want: ExecutionModeIncremental},
		{name: "incremental without cache", args: []string{"--mode", "incremental"}, wantExit: ExitInvalidInvocation},
		{name: "unknown", args: []string{"--mode", "resume-only"}, wantExit: ExitInvalidInvocation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--input-dir", "in", "--output-dir", "out"}, tt.args...)
			inv, err := parseRun(t, t.TempDir(), args...)
			if tt.wantExit != 0 {
				require.Error(t, err)
				assert.Equal(t, tt.wantExit, ExitCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, inv.Mode)
		})
	}
}

func TestBuildInvocation_Precedence(t *testing.T) {
	workDir := t.TempDir()
	writeFile(t, filepath.Join(workDir, "nq.yaml"), []byte("workers: 3\nsegmentation:\n  min_nucleus_size: 200\nqc:\n  min_nuclei: 2\n"))
	t.Setenv("NQ_WORKERS", "5")

	inv, err := parseRun(t, workDir,
		"--input-dir", "in",
		"--output-dir", "out",
		"--config", "nq.yaml",
		"--min-nucleus-size", "80",
	)
	require.NoError(t, err)
	assert.Equal(t, 80, inv.Config.Segmentation.MinNucleusSize, "flag beats file")
	assert.Equal(t, 5, inv.Config.Workers, "env beats file")
	assert.Equal(t, 2, inv.Config.QC.MinNuclei, "file beats default")
}

func TestBuildInvocation_ConfigErrors(t *testing.T) {
	workDir := t.TempDir()
	writeFile(t, filepath.Join(workDir, "bad.yaml"), []byte("unknown_key: 1\n"))

	_, err := parseRun(t, workDir, "--input-dir", "in", "--output-dir", "out", "--config", "bad.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, ExitCode(err))

	_, err = parseRun(t, workDir, "--input-dir", "in", "--output-dir", "out", "--workers", "0")
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, ExitCode(err))
}

func TestBuildInvocation_RejectsRootOutput(t *testing.T) {
	_, err := parseRun(t, t.TempDir(), "--input-dir", "in", "--output-dir", "/")
	require.Error(t, err)
	assert.Equal(t, ExitInvalidInvocation, ExitCode(err))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitSuccess},
		{&InvocationError{ExitCode: ExitConfigError, Message: "x"}, ExitConfigError},
		{&InvocationError{Message: "x"}, ExitInvalidInvocation},
		{fmt.Errorf("probing: %w", pipeline.ErrCache), ExitConfigError},
		{errors.New("boom"), ExitInternalError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCode(tt.err), "%v", tt.err)
	}
}
