package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir for %s: %v", name, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func TestResolve_StrictlySorted(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"zebra.tif": "z", "apple.tif": "a", "mango.tif": "m", "banana.tif": "b",
	})

	set, err := NewInputResolver(dir).Resolve([]string{"*.tif"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	want := []string{"apple", "banana", "mango", "zebra"}
	got := set.IDs()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("ids = %v, want %v", got, want)
	}
}

func TestResolve_ReadsContent(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"img.tif": "pixels"})

	set, err := NewInputResolver(dir).Resolve([]string{"img.tif"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(set.Inputs) != 1 {
		t.Fatalf("expected 1 input, got %d", len(set.Inputs))
	}
	if string(set.Inputs[0].Content) != "pixels" {
		t.Fatalf("content = %q", set.Inputs[0].Content)
	}
	if set.Inputs[0].ID != "img" {
		t.Fatalf("id = %q, want img", set.Inputs[0].ID)
	}
}

func TestResolve_DeduplicatesOverlappingPatterns(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.tif": "1", "b.tif": "2"})

	set, err := NewInputResolver(dir).Resolve([]string{"*.tif", "a.tif", "a*.tif"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(set.Inputs) != 2 {
		t.Fatalf("expected 2 inputs, got %d", len(set.Inputs))
	}
}

func TestResolve_SkipsDirectoriesAndOtherExtensions(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.tif": "1", "notes.txt": "x", "nested.tif/inner.tif": "2"})

	set, err := NewInputResolver(dir).Resolve([]string{"*.tif"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got := set.IDs(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("ids = %v, want [a]", got)
	}
}

func TestResolve_EmptyPatterns(t *testing.T) {
	set, err := NewInputResolver(t.TempDir()).Resolve(nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(set.Inputs) != 0 {
		t.Fatalf("expected no inputs, got %d", len(set.Inputs))
	}
}

func TestResolve_DuplicateImageIDRejected(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.tif": "1", "a.tiff": "2"})

	_, err := NewInputResolver(dir).Resolve([]string{"*.tif", "*.tiff"})
	if err == nil || !strings.Contains(err.Error(), `share image id "a"`) {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestResolve_NormalizesPathSeparators(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"sub/x.tif": "1"})

	set, err := NewInputResolver(dir).Resolve([]string{"sub/*.tif"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(set.Inputs) != 1 || strings.Contains(set.Inputs[0].Path, `\`) {
		t.Fatalf("unexpected inputs: %+v", set.Inputs)
	}
}

func TestImageID(t *testing.T) {
	cases := map[string]string{
		"a/b/cell_01.tif": "cell_01",
		"plate.2.tif":     "plate.2",
		"noext":           "noext",
		"dir/x.ome.tiff":  "x.ome",
	}
	for in, want := range cases {
		if got := ImageID(in); got != want {
			t.Errorf("ImageID(%q) = %q, want %q", in, got, want)
		}
	}
}
