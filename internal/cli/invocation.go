package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"nucleusquant/internal/config"
	"nucleusquant/internal/pipeline"
)

const (
	ExitSuccess           = 0
	ExitImageFailure      = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

type ExecutionMode string

const (
	ExecutionModeClean       ExecutionMode = "clean"
	ExecutionModeIncremental ExecutionMode = "incremental"
)

// Invocation is the fully resolved description of a run. All paths are
// cleaned and absolute.
type Invocation struct {
	WorkDir   string
	InputDir  string
	OutputDir string
	Mode      ExecutionMode
	Config    config.Config
}

// QCInvocation describes a standalone QC pass over a measurements table.
type QCInvocation struct {
	MeasurementsPath string
	OutputDir        string
	MinNuclei        int
	MaxNuclei        int
	AreaBins         int
}

type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

func configErrorf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitConfigError, Message: fmt.Sprintf(format, args...)}
}

func parseExecutionMode(raw, cacheDir string) (ExecutionMode, error) {
	n := strings.ToLower(strings.TrimSpace(raw))
	switch ExecutionMode(n) {
	case ExecutionModeClean:
		return ExecutionModeClean, nil
	case ExecutionModeIncremental:
		if strings.TrimSpace(cacheDir) == "" {
			return "", invalidInvocationf("--mode incremental requires --cache-dir")
		}
		return ExecutionModeIncremental, nil
	case "":
		if strings.TrimSpace(cacheDir) != "" {
			return ExecutionModeIncremental, nil
		}
		return ExecutionModeClean, nil
	default:
		return "", invalidInvocationf("invalid --mode %q (expected clean|incremental)", raw)
	}
}

func resolveUnderWorkDir(workDir, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", invalidInvocationf("path must not be empty")
	}
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean, nil
	}
	if !filepath.IsAbs(workDir) {
		return "", invalidInvocationf("working directory must be absolute (got %q)", workDir)
	}
	return filepath.Clean(filepath.Join(workDir, clean)), nil
}

// resolveOptional resolves p when it is set and returns "" otherwise.
func resolveOptional(workDir, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", nil
	}
	return resolveUnderWorkDir(workDir, p)
}

// finalize resolves every path of inv and validates the merged config.
func (inv *Invocation) finalize(rawMode string) error {
	var err error
	if inv.InputDir, err = resolveUnderWorkDir(inv.WorkDir, inv.InputDir); err != nil {
		return err
	}
	if inv.OutputDir, err = resolveUnderWorkDir(inv.WorkDir, inv.OutputDir); err != nil {
		return err
	}
	if inv.OutputDir == string(filepath.Separator) {
		return invalidInvocationf("refusing to use %q as output dir", inv.OutputDir)
	}
	cfg := &inv.Config
	if cfg.CacheDir, err = resolveOptional(inv.WorkDir, cfg.CacheDir); err != nil {
		return err
	}
	sinks := &cfg.Sinks
	for _, p := range []*string{&sinks.TracePath, &sinks.SQLitePath, &sinks.MetricsFile, &sinks.ClickHouseDir} {
		if *p, err = resolveOptional(inv.WorkDir, *p); err != nil {
			return err
		}
	}
	if inv.Mode, err = parseExecutionMode(rawMode, cfg.CacheDir); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return configErrorf("invalid configuration: %v", err)
	}
	return nil
}

// ExitCode maps an error to a semantic exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	if errors.Is(err, pipeline.ErrCache) {
		return ExitConfigError
	}
	return ExitInternalError
}
