package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"

	"nucleusquant/internal/measure"
)

// CacheEntry is the stored result of processing one image. It excludes
// timestamps and host-specific data so replay is bit-for-bit.
type CacheEntry struct {
	Hash         ImageHash             `json:"hash"`
	ImageID      string                `json:"image_id"`
	Background   float64               `json:"background"`
	Threshold    float64               `json:"threshold"`
	Measurements []measure.Measurement `json:"measurements"`
	Artifacts    []CachedArtifact      `json:"artifacts"`
}

// CachedArtifact is one output file, addressed relative to the output dir.
type CachedArtifact struct {
	Path    string `json:"path"`
	Content []byte `json:"content,omitempty"`
}

// Cache stores and retrieves per-image results by hash.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Has reports whether an entry exists for hash.
	Has(hash ImageHash) (bool, error)

	// Get returns the entry for hash, or nil when there is none.
	Get(hash ImageHash) (*CacheEntry, error)

	// Put stores entry, replacing any previous entry with the same hash.
	Put(entry *CacheEntry) error
}

// FileCache implements Cache on the filesystem.
//
// Structure:
//
//	{CacheDir}/
//	  {hash[0:2]}/
//	    {hash}/
//	      metadata.json
//	      artifacts/
//	        {index}.blob
type FileCache struct {
	CacheDir string
}

// NewFileCache creates a new filesystem-based cache.
func NewFileCache(cacheDir string) *FileCache {
	return &FileCache{CacheDir: cacheDir}
}

// Has checks if a cache entry exists for the given hash.
func (c *FileCache) Has(hash ImageHash) (bool, error) {
	_, err := os.Stat(filepath.Join(c.entryPath(hash), "metadata.json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("checking cache entry: %w", err)
	}
	return true, nil
}

// Get retrieves a cache entry by hash.
func (c *FileCache) Get(hash ImageHash) (*CacheEntry, error) {
	entryDir := c.entryPath(hash)
	data, err := os.ReadFile(filepath.Join(entryDir, "metadata.json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cache metadata: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("parsing cache metadata: %w", err)
	}
	if entry.Hash != hash {
		return nil, fmt.Errorf("cache entry %s records hash %s", hash, entry.Hash)
	}

	artifactsDir := filepath.Join(entryDir, "artifacts")
	for i := range entry.Artifacts {
		content, err := os.ReadFile(filepath.Join(artifactsDir, fmt.Sprintf("%d.blob", i)))
		if err != nil {
			return nil, fmt.Errorf("reading artifact %d: %w", i, err)
		}
		entry.Artifacts[i].Content = content
	}
	return &entry, nil
}

// Put stores a cache entry. The entry is written into a temp dir and renamed
// into place, so a crash never leaves a partial entry at the canonical path.
func (c *FileCache) Put(entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry is nil")
	}

	entryDir := c.entryPath(entry.Hash)
	parentDir := filepath.Dir(entryDir)
	if err := os.MkdirAll(parentDir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	tmpDir, err := os.MkdirTemp(parentDir, "tmp-entry-"+string(entry.Hash)+"-")
	if err != nil {
		return fmt.Errorf("creating temp cache entry dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	artifactsDir := filepath.Join(tmpDir, "artifacts")
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return fmt.Errorf("creating cache artifacts dir: %w", err)
	}

	// Blobs first so metadata only appears once they are complete.
	for i, a := range entry.Artifacts {
		blobPath := filepath.Join(artifactsDir, fmt.Sprintf("%d.blob", i))
		if err := renameio.WriteFile(blobPath, a.Content, 0o644); err != nil {
			return fmt.Errorf("writing artifact %d: %w", i, err)
		}
	}

	metadata := *entry
	metadata.Artifacts = make([]CachedArtifact, len(entry.Artifacts))
	for i, a := range entry.Artifacts {
		metadata.Artifacts[i] = CachedArtifact{Path: a.Path}
	}
	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cache metadata: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(tmpDir, "metadata.json"), data, 0o644); err != nil {
		return fmt.Errorf("writing cache metadata: %w", err)
	}

	// A crash between remove and rename yields a miss, not corruption.
	_ = os.RemoveAll(entryDir)
	if err := os.Rename(tmpDir, entryDir); err != nil {
		return fmt.Errorf("committing cache entry: %w", err)
	}
	committed = true
	return nil
}

// entryPath shards entries by the first two hash characters.
func (c *FileCache) entryPath(hash ImageHash) string {
	s := string(hash)
	if len(s) < 2 {
		return filepath.Join(c.CacheDir, s)
	}
	return filepath.Join(c.CacheDir, s[:2], s)
}

// MemoryCache implements Cache in memory. Entries are copied on the way in
// and out.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[ImageHash]*CacheEntry
}

// NewMemoryCache creates a new in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[ImageHash]*CacheEntry)}
}

// Has checks if a cache entry exists.
func (c *MemoryCache) Has(hash ImageHash) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[hash]
	return ok, nil
}

// Get retrieves a cache entry.
func (c *MemoryCache) Get(hash ImageHash) (*CacheEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[hash]
	if !ok {
		return nil, nil
	}
	return entry.clone(), nil
}

// Put stores a cache entry.
func (c *MemoryCache) Put(entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.Hash] = entry.clone()
	return nil
}

// Len returns the number of stored entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (e *CacheEntry) clone() *CacheEntry {
	out := *e
	out.Measurements = append([]measure.Measurement(nil), e.Measurements...)
	out.Artifacts = make([]CachedArtifact, len(e.Artifacts))
	for i, a := range e.Artifacts {
		out.Artifacts[i] = CachedArtifact{Path: a.Path, Content: append([]byte(nil), a.Content...)}
	}
	return &out
}

// NoCache never stores anything. Clean mode uses it.
type NoCache struct{}

func (NoCache) Has(ImageHash) (bool, error)        { return false, nil }
func (NoCache) Get(ImageHash) (*CacheEntry, error) { return nil, nil }
func (NoCache) Put(*CacheEntry) error              { return nil }
