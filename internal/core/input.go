package core

import (
	"path/filepath"
	"strings"
)

// Input is a resolved image file whose content contributes to its identity.
type Input struct {
	// Path is the expanded, slash-normalised file path.
	Path string

	// ID is the file name without its final extension.
	ID string

	// Content is the raw file content.
	Content []byte
}

// InputSet is the complete, path-sorted set of images for a run.
type InputSet struct {
	Inputs []Input
}

// IDs returns the image IDs in input order.
func (s *InputSet) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, len(s.Inputs))
	for i, in := range s.Inputs {
		ids[i] = in.ID
	}
	return ids
}

// ImageID derives the image ID from a path: the base name without its
// final extension.
func ImageID(path string) string {
	base := filepath.Base(filepath.FromSlash(path))
	return strings.TrimSuffix(base, filepath.Ext(base))
}
