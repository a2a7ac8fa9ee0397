package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// InputResolver resolves image patterns to a deterministic InputSet.
//
// Glob expansion is strictly sorted, so filesystem ordering never affects
// hashing or execution order.
type InputResolver struct {
	// BaseDir is the directory relative patterns are resolved against.
	BaseDir string
}

// NewInputResolver creates a new InputResolver with the given base directory.
func NewInputResolver(baseDir string) *InputResolver {
	return &InputResolver{BaseDir: baseDir}
}

// Resolve expands all patterns, sorts and deduplicates the matches, skips
// directories, and reads every file's content.
//
// Two files that map to the same image ID are rejected, since their outputs
// would overwrite each other.
func (r *InputResolver) Resolve(patterns []string) (*InputSet, error) {
	pathSet := make(map[string]struct{})
	for _, pattern := range patterns {
		expanded, err := r.expandPattern(pattern)
		if err != nil {
			return nil, fmt.Errorf("expanding pattern %q: %w", pattern, err)
		}
		for _, p := range expanded {
			pathSet[p] = struct{}{}
		}
	}

	paths := make([]string, 0, len(pathSet))
	for p := range pathSet {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	inputs := make([]Input, 0, len(paths))
	seen := make(map[string]string, len(paths))
	for _, path := range paths {
		id := ImageID(path)
		if prev, dup := seen[id]; dup {
			return nil, fmt.Errorf("inputs %q and %q share image id %q", prev, path, id)
		}
		seen[id] = path

		content, err := os.ReadFile(filepath.FromSlash(path))
		if err != nil {
			return nil, fmt.Errorf("reading input %q: %w", path, err)
		}
		inputs = append(inputs, Input{Path: path, ID: id, Content: content})
	}

	return &InputSet{Inputs: inputs}, nil
}

// expandPattern expands a single glob pattern. A pattern without glob
// characters is treated as a literal path.
func (r *InputResolver) expandPattern(pattern string) ([]string, error) {
	fullPattern := pattern
	if !filepath.IsAbs(pattern) {
		fullPattern = filepath.Join(r.BaseDir, pattern)
	}

	matches, err := filepath.Glob(fullPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid glob pattern: %w", err)
	}
	if len(matches) == 0 && !containsGlobChar(pattern) {
		if _, err := os.Stat(fullPattern); err == nil {
			matches = []string{fullPattern}
		}
	}

	normalized := make([]string, 0, len(matches))
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			return nil, fmt.Errorf("stat %q: %w", match, err)
		}
		if info.IsDir() {
			continue
		}
		normalized = append(normalized, filepath.ToSlash(match))
	}
	return normalized, nil
}

func containsGlobChar(pattern string) bool {
	for _, c := range pattern {
		switch c {
		case '*', '?', '[', ']':
			return true
		}
	}
	return false
}
