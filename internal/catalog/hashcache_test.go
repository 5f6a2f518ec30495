package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestHashCacheGetPut(t *testing.T) {
	cache, err := OpenHashCache(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("OpenHashCache: %v", err)
	}
	defer cache.Close()

	mtime := time.Unix(1700000000, 42)
	if err := cache.Put("/x", 10, mtime, "abc"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if h, ok := cache.Get("/x", 10, mtime); !ok || h != "abc" {
		t.Errorf("expected hit abc, got %q %v", h, ok)
	}
	if _, ok := cache.Get("/x", 11, mtime); ok {
		t.Error("size change should invalidate")
	}
	if _, ok := cache.Get("/x", 10, mtime.Add(time.Second)); ok {
		t.Error("mtime change should invalidate")
	}
	if err := cache.Delete("/x"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := cache.Delete("/x"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}

func TestRescanUsesHashCache(t *testing.T) {
	root, a, _ := exampleTree(t)
	cache, err := OpenHashCache(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("OpenHashCache: %v", err)
	}
	defer cache.Close()

	old := time.Now().Add(-time.Hour)
	for _, p := range []string{filepath.Join(root, "a.txt"), filepath.Join(root, "notes", "b.txt")} {
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatalf("Chtimes: %v", err)
		}
	}

	c := New(cache)
	if _, err := c.Rescan(context.Background(), root, Policy{}); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	rec, err := c.Lookup(HashBytes(a))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	info, err := os.Stat(rec.Path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if h, ok := cache.Get(rec.Path, info.Size(), info.ModTime()); !ok || h != rec.Hash {
		t.Errorf("expected cached hash %s, got %q %v", rec.Hash, h, ok)
	}
}

func TestRescanDoesNotCacheFreshFiles(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "f.bin")
	writeFile(t, path, []byte("first"))
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	mtime := info.ModTime()

	cache, err := OpenHashCache(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("OpenHashCache: %v", err)
	}
	defer cache.Close()

	c := New(cache)
	if _, err := c.Rescan(context.Background(), root, Policy{}); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if _, ok := cache.Get(path, info.Size(), mtime); ok {
		t.Fatal("a just-written file must not be cached")
	}

	// Same size, same mtime, different bytes.
	writeFile(t, path, []byte("other"))
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	if _, err := c.Rescan(context.Background(), root, Policy{}); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if !c.Has(HashBytes([]byte("other"))) {
		t.Error("rewritten content not picked up")
	}
	if c.Has(HashBytes([]byte("first"))) {
		t.Error("stale hash still advertised")
	}
}
