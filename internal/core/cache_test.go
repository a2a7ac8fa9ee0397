package core

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"nucleusquant/internal/measure"
)

func sampleEntry(hash ImageHash) *CacheEntry {
	return &CacheEntry{
		Hash:       hash,
		ImageID:    "cell_01",
		Background: 12.5,
		Threshold:  40,
		Measurements: []measure.Measurement{
			{ImageID: "cell_01", Label: 1, Area: 120, MeanIntensity: 55.5, IntegratedIntensity: 6660},
		},
		Artifacts: []CachedArtifact{
			{Path: "labels/cell_01_labels.tif", Content: []byte{0x49, 0x49, 0x2a, 0x00}},
			{Path: "overlays/cell_01_overlays.png", Content: []byte{0x89, 'P', 'N', 'G'}},
		},
	}
}

func assertEntryEqual(t *testing.T, want, got *CacheEntry) {
	t.Helper()
	if got == nil {
		t.Fatal("entry is nil")
	}
	if got.Hash != want.Hash || got.ImageID != want.ImageID || got.Background != want.Background || got.Threshold != want.Threshold {
		t.Fatalf("entry header mismatch: %+v vs %+v", got, want)
	}
	if len(got.Measurements) != len(want.Measurements) || got.Measurements[0] != want.Measurements[0] {
		t.Fatalf("measurements mismatch: %+v", got.Measurements)
	}
	if len(got.Artifacts) != len(want.Artifacts) {
		t.Fatalf("artifact count = %d, want %d", len(got.Artifacts), len(want.Artifacts))
	}
	for i := range want.Artifacts {
		if got.Artifacts[i].Path != want.Artifacts[i].Path || !bytes.Equal(got.Artifacts[i].Content, want.Artifacts[i].Content) {
			t.Fatalf("artifact %d mismatch", i)
		}
	}
}

func TestCaches_RoundTrip(t *testing.T) {
	caches := map[string]Cache{
		"memory": NewMemoryCache(),
		"file":   NewFileCache(t.TempDir()),
	}
	for name, c := range caches {
		t.Run(name, func(t *testing.T) {
			entry := sampleEntry("abc123def456")

			ok, err := c.Has(entry.Hash)
			if err != nil || ok {
				t.Fatalf("Has before Put = %v, %v", ok, err)
			}
			if got, err := c.Get(entry.Hash); err != nil || got != nil {
				t.Fatalf("Get before Put = %v, %v", got, err)
			}
			if err := c.Put(entry); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			ok, err = c.Has(entry.Hash)
			if err != nil || !ok {
				t.Fatalf("Has after Put = %v, %v", ok, err)
			}
			got, err := c.Get(entry.Hash)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			assertEntryEqual(t, entry, got)
		})
	}
}

func TestCaches_PutNilFails(t *testing.T) {
	for _, c := range []Cache{NewMemoryCache(), NewFileCache(t.TempDir())} {
		if err := c.Put(nil); err == nil {
			t.Fatalf("%T: expected error for nil entry", c)
		}
	}
}

func TestMemoryCache_IsolatesMutations(t *testing.T) {
	c := NewMemoryCache()
	entry := sampleEntry("h")
	if err := c.Put(entry); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	entry.Artifacts[0].Content[0] = 0
	entry.Measurements[0].Area = 1

	got, _ := c.Get("h")
	if got.Artifacts[0].Content[0] != 0x49 || got.Measurements[0].Area != 120 {
		t.Fatal("stored entry was mutated through the caller's copy")
	}
	got.Artifacts[1].Content[0] = 0
	again, _ := c.Get("h")
	if again.Artifacts[1].Content[0] != 0x89 {
		t.Fatal("stored entry was mutated through a returned copy")
	}
}

func TestMemoryCache_ConcurrentAccess(t *testing.T) {
	c := NewMemoryCache()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := ImageHash(strings.Repeat("x", i+1))
			_ = c.Put(sampleEntry(h))
			_, _ = c.Get(h)
		}(i)
	}
	wg.Wait()
	if c.Len() != 16 {
		t.Fatalf("Len = %d, want 16", c.Len())
	}
}

func TestFileCache_Layout(t *testing.T) {
	dir := t.TempDir()
	c := NewFileCache(dir)
	if err := c.Put(sampleEntry("abcdef")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	entryDir := filepath.Join(dir, "ab", "abcdef")
	for _, name := range []string{"metadata.json", "artifacts/0.blob", "artifacts/1.blob"} {
		if _, err := os.Stat(filepath.Join(entryDir, filepath.FromSlash(name))); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
	meta, err := os.ReadFile(filepath.Join(entryDir, "metadata.json"))
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	if bytes.Contains(meta, []byte(`"content"`)) {
		t.Fatal("metadata must not embed artifact content")
	}

	entries, err := os.ReadDir(filepath.Join(dir, "ab"))
	if err != nil {
		t.Fatalf("read shard dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp dirs left behind: %v", entries)
	}
}

func TestFileCache_PutReplacesEntry(t *testing.T) {
	c := NewFileCache(t.TempDir())
	first := sampleEntry("abcdef")
	if err := c.Put(first); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	second := sampleEntry("abcdef")
	second.Threshold = 99
	second.Artifacts = second.Artifacts[:1]
	if err := c.Put(second); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := c.Get("abcdef")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	assertEntryEqual(t, second, got)
}

func TestFileCache_CorruptMetadata(t *testing.T) {
	dir := t.TempDir()
	c := NewFileCache(dir)
	entryDir := filepath.Join(dir, "ab", "abcdef")
	if err := os.MkdirAll(entryDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(entryDir, "metadata.json"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get("abcdef"); err == nil {
		t.Fatal("expected error for corrupt metadata")
	}
}

func TestNoCache_AlwaysMisses(t *testing.T) {
	var c Cache = NoCache{}
	if err := c.Put(sampleEntry("h")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if ok, _ := c.Has("h"); ok {
		t.Fatal("NoCache must never report a hit")
	}
	if got, _ := c.Get("h"); got != nil {
		t.Fatal("NoCache must never return an entry")
	}
}
