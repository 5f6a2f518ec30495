package catalog

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

// exampleTree builds a.txt (10 bytes) and notes/b.txt (300000 bytes).
func exampleTree(t *testing.T) (root string, a, b []byte) {
	t.Helper()
	root = t.TempDir()
	a = []byte("0123456789")
	b = bytes.Repeat([]byte("xyz"), 100000)
	writeFile(t, filepath.Join(root, "a.txt"), a)
	writeFile(t, filepath.Join(root, "notes", "b.txt"), b)
	return root, a, b
}

func TestRescanRecursiveAndRootOnly(t *testing.T) {
	root, a, b := exampleTree(t)
	c := New(nil)

	n, err := c.Rescan(context.Background(), root, Policy{})
	if err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if n != 2 || c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", n)
	}
	for _, data := range [][]byte{a, b} {
		rec, err := c.Lookup(HashBytes(data))
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if rec.Size != int64(len(data)) {
			t.Errorf("expected size %d, got %d", len(data), rec.Size)
		}
	}

	n, err = c.Rescan(context.Background(), root, Policy{RootOnly: true})
	if err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 entry with rootOnly, got %d", n)
	}
	rec, err := c.FindByName("A.TXT")
	if err != nil {
		t.Fatalf("FindByName: %v", err)
	}
	if rec.Hash != HashBytes(a) {
		t.Errorf("expected hash of a.txt, got %s", rec.Hash)
	}
	if c.Has(HashBytes(b)) {
		t.Error("b.txt should not be shared with rootOnly")
	}
}

func TestRescanDuplicateContentCollapses(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "one.bin"), []byte("same"))
	writeFile(t, filepath.Join(root, "sub", "two.bin"), []byte("same"))

	c := New(nil)
	n, err := c.Rescan(context.Background(), root, Policy{})
	if err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 record for duplicate bytes, got %d", n)
	}
	rec, _ := c.Lookup(HashBytes([]byte("same")))
	if rec.Name != "one.bin" {
		t.Errorf("expected first path to win, got %s", rec.Name)
	}
}

func TestRescanExcludedFolderIsTransitive(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "keep.txt"), []byte("keep"))
	writeFile(t, filepath.Join(root, "private", "x.txt"), []byte("x"))
	writeFile(t, filepath.Join(root, "private", "deep", "y.txt"), []byte("y"))
	writeFile(t, filepath.Join(root, "privateer", "z.txt"), []byte("z"))

	c := New(nil)
	policy := Policy{ExcludedFolders: []string{filepath.Join(root, "private")}}
	if _, err := c.Rescan(context.Background(), root, policy); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if c.Has(HashBytes([]byte("x"))) || c.Has(HashBytes([]byte("y"))) {
		t.Error("files under excluded folder should not be shared")
	}
	if !c.Has(HashBytes([]byte("z"))) {
		t.Error("sibling folder sharing a name prefix should still be shared")
	}

	if _, err := c.Rescan(context.Background(), root, Policy{}); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if c.Len() != 4 {
		t.Errorf("expected 4 entries after re-including, got %d", c.Len())
	}
}

func TestRescanExcludedMask(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "song.MP3"), []byte("audio"))
	writeFile(t, filepath.Join(root, "notes.txt"), []byte("text"))
	writeFile(t, filepath.Join(root, "notesXtxt"), []byte("not a dot"))

	c := New(nil)
	policy := Policy{ExcludedMasks: []string{"*.mp3", "notes.txt"}}
	if _, err := c.Rescan(context.Background(), root, policy); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", c.Len())
	}
	if !c.Has(HashBytes([]byte("not a dot"))) {
		t.Error("'.' in a mask must match only a literal dot")
	}
}

func TestRescanMissingRootKeepsPrevious(t *testing.T) {
	root, _, _ := exampleTree(t)
	c := New(nil)
	if _, err := c.Rescan(context.Background(), root, Policy{}); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if _, err := c.Rescan(context.Background(), filepath.Join(root, "missing"), Policy{}); err == nil {
		t.Fatal("expected error for missing root")
	}
	if c.Len() != 2 {
		t.Errorf("expected previous contents kept, got %d", c.Len())
	}
}

func TestRescanCancelled(t *testing.T) {
	root, _, _ := exampleTree(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := New(nil).Rescan(ctx, root, Policy{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestOpenChunk(t *testing.T) {
	root := t.TempDir()
	data := []byte("abcdefghij")
	writeFile(t, filepath.Join(root, "f.txt"), data)
	c := New(nil)
	if _, err := c.Rescan(context.Background(), root, Policy{}); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	hash := HashBytes(data)

	rc, err := c.OpenChunk(hash, 3, 4)
	if err != nil {
		t.Fatalf("OpenChunk: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if string(got) != "defg" {
		t.Errorf("expected defg, got %q", got)
	}

	// Past EOF yields a short read rather than an error.
	rc, err = c.OpenChunk(hash, 8, 100)
	if err != nil {
		t.Fatalf("OpenChunk: %v", err)
	}
	got, _ = io.ReadAll(rc)
	rc.Close()
	if string(got) != "ij" {
		t.Errorf("expected ij, got %q", got)
	}

	if _, err := c.OpenChunk("deadbeef", 0, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListSortedAndClear(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.txt"), []byte("b"))
	writeFile(t, filepath.Join(root, "a.txt"), []byte("a"))
	c := New(nil)
	if _, err := c.Rescan(context.Background(), root, Policy{}); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	list := c.List()
	if len(list) != 2 || list[0].Name != "a.txt" || list[1].Name != "b.txt" {
		t.Errorf("unexpected list order: %+v", list)
	}
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("expected empty catalog, got %d", c.Len())
	}
}

func TestRescanSkipsStagingAndInFlightFiles(t *testing.T) {
	root := t.TempDir()
	staged := "temp_" + HashBytes([]byte("whole file"))
	writeFile(t, filepath.Join(root, "keep.txt"), []byte("keep"))
	writeFile(t, filepath.Join(root, "temp_abc", "chunk_0"), []byte("chunk zero"))
	writeFile(t, filepath.Join(root, staged, "chunk_1"), []byte("chunk one"))
	writeFile(t, filepath.Join(root, "temp_notes", "n.txt"), []byte("ordinary folder"))
	partial := filepath.Join(root, "partial.bin")
	writeFile(t, partial, []byte("half of it"))

	c := New(nil)
	c.SetSkip(func(path string) bool { return path == partial })
	n, err := c.Rescan(context.Background(), root, Policy{})
	if err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 records, got %d: %+v", n, c.List())
	}
	for _, rec := range c.List() {
		if rec.Name != "keep.txt" && rec.Name != "n.txt" {
			t.Errorf("unexpected shared file %s (%s)", rec.Name, rec.Path)
		}
	}

	// The same skips apply when only the root level is scanned.
	writeFile(t, filepath.Join(root, staged, "chunk_2"), []byte("chunk two"))
	if n, _ := c.Rescan(context.Background(), root, Policy{RootOnly: true}); n != 1 {
		t.Errorf("expected only keep.txt with rootOnly, got %d", n)
	}
}

func TestIsStagingName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"temp_abc", true},
		{"temp_" + HashBytes([]byte("x")), true},
		{"TEMP_ABC", true},
		{"temp_", false},
		{"temp_notes", false},
		{"tmp_abc", false},
		{"abc", false},
	}
	for _, tt := range tests {
		if got := IsStagingName(tt.name); got != tt.want {
			t.Errorf("IsStagingName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
