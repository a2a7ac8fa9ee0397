package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"math"
	"sort"
)

// AlgorithmVersion identifies the segmentation and rendering algorithms.
// Bump it whenever a change alters labels, measurements or artifacts, so
// stale cache entries stop matching.
const AlgorithmVersion = "nucleusquant/1"

// ImageHash identifies one image's results: its content plus every
// parameter that affects them. It excludes timestamps and host data.
type ImageHash string

// String returns the hex digest.
func (h ImageHash) String() string { return string(h) }

// Params is the canonical parameter set that participates in hashing.
type Params struct {
	MinNucleusSize int
	HistogramBins  int
	OverlayAlpha   float64
}

// HashInput contains everything that determines one image's results.
type HashInput struct {
	ImageID string
	Content []byte
	Params  Params
}

// ImageHasher computes deterministic hashes for images and runs.
type ImageHasher struct {
	// Version defaults to AlgorithmVersion when empty.
	Version string
}

// NewImageHasher creates an ImageHasher for the current algorithm version.
func NewImageHasher() *ImageHasher {
	return &ImageHasher{Version: AlgorithmVersion}
}

func (h *ImageHasher) version() string {
	if h == nil || h.Version == "" {
		return AlgorithmVersion
	}
	return h.Version
}

// writeField writes data with an 8-byte big-endian length prefix so field
// boundaries are unambiguous.
func writeField(w hash.Hash, data []byte) {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(data)))
	w.Write(prefix[:])
	w.Write(data)
}

func writeUint(w hash.Hash, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	writeField(w, b[:])
}

func writeParams(w hash.Hash, p Params) {
	writeUint(w, uint64(int64(p.MinNucleusSize)))
	writeUint(w, uint64(int64(p.HistogramBins)))
	writeUint(w, math.Float64bits(p.OverlayAlpha))
}

// ComputeHash hashes, in order: algorithm version, image ID, content and
// parameters. Changing any of them changes the hash.
func (h *ImageHasher) ComputeHash(in HashInput) ImageHash {
	w := sha256.New()
	writeField(w, []byte(h.version()))
	writeField(w, []byte(in.ImageID))
	writeField(w, in.Content)
	writeParams(w, in.Params)
	return ImageHash(hex.EncodeToString(w.Sum(nil)))
}

// RunHash hashes the sorted image hashes together with the parameters.
// The result does not depend on the order of images.
func (h *ImageHasher) RunHash(images []ImageHash, p Params) string {
	sorted := make([]string, len(images))
	for i, img := range images {
		sorted[i] = string(img)
	}
	sort.Strings(sorted)

	w := sha256.New()
	writeField(w, []byte(h.version()))
	writeUint(w, uint64(len(sorted)))
	for _, s := range sorted {
		writeField(w, []byte(s))
	}
	writeParams(w, p)
	return hex.EncodeToString(w.Sum(nil))
}

// ContentHash returns the hex SHA-256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
