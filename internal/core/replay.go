package core

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// Replayer restores cached artifacts into an output directory.
type Replayer struct {
	// OutputDir is the directory artifact paths are relative to.
	OutputDir string
}

// NewReplayer creates a Replayer rooted at outputDir.
func NewReplayer(outputDir string) *Replayer {
	return &Replayer{OutputDir: outputDir}
}

// RestoreArtifacts writes every artifact of entry whose file is missing or
// differs from the cached bytes. Files that already match are left alone.
// It returns the number of files written.
func (r *Replayer) RestoreArtifacts(entry *CacheEntry) (int, error) {
	if r == nil {
		return 0, fmt.Errorf("replayer is nil")
	}
	if entry == nil {
		return 0, fmt.Errorf("cache entry is nil")
	}

	restored := 0
	for _, artifact := range entry.Artifacts {
		if artifact.Content == nil {
			return restored, fmt.Errorf("image %q: artifact %q missing content in cache entry", entry.ImageID, artifact.Path)
		}
		target, err := r.TargetPath(artifact.Path)
		if err != nil {
			return restored, fmt.Errorf("image %q: %w", entry.ImageID, err)
		}

		have, ok, err := fileSHA256HexIfExists(target)
		if err != nil {
			return restored, fmt.Errorf("image %q: hashing existing artifact %q: %w", entry.ImageID, artifact.Path, err)
		}
		if ok && have == ContentHash(artifact.Content) {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return restored, fmt.Errorf("creating parent directory: %w", err)
		}
		if err := renameio.WriteFile(target, artifact.Content, 0o644); err != nil {
			return restored, fmt.Errorf("image %q: restoring artifact %q: %w", entry.ImageID, artifact.Path, err)
		}
		restored++
	}
	return restored, nil
}

// TargetPath resolves a slash-separated artifact path under OutputDir.
// Absolute paths and paths escaping OutputDir are rejected.
func (r *Replayer) TargetPath(artifactPath string) (string, error) {
	if artifactPath == "" {
		return "", fmt.Errorf("artifact path is empty")
	}
	clean := filepath.Clean(filepath.FromSlash(artifactPath))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path %q escapes the output directory", artifactPath)
	}
	return filepath.Join(r.OutputDir, clean), nil
}

func fileSHA256HexIfExists(path string) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", true, err
	}
	return hex.EncodeToString(h.Sum(nil)), true, nil
}
