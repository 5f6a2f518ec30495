// Package catalog maintains the set of locally shared files keyed by
// content hash.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fruitsalade/peershare/internal/logging"
	"github.com/fruitsalade/peershare/internal/metrics"
)

// ErrNotFound is returned when no shared file has the requested hash or name.
var ErrNotFound = errors.New("catalog: file not found")

// StagingPrefix starts the name of a download staging directory,
// followed by the hex content hash.
const StagingPrefix = "temp_"

// racyWindow is how old a file's mtime must be before its hash is cached.
// A same-size rewrite inside the filesystem's timestamp granularity would
// otherwise leave size and mtime unchanged and hit a stale entry.
const racyWindow = 2 * time.Second

// IsStagingName reports whether a directory name is a download staging
// directory.
func IsStagingName(name string) bool {
	hex, ok := strings.CutPrefix(strings.ToLower(name), StagingPrefix)
	if !ok || hex == "" {
		return false
	}
	for _, r := range hex {
		if !('0' <= r && r <= '9' || 'a' <= r && r <= 'f') {
			return false
		}
	}
	return true
}

// Record is one shared file.
type Record struct {
	Hash string `json:"hash"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Path string `json:"path"`
}

// Catalog is a concurrency-safe, hash-keyed view of the shared folder.
type Catalog struct {
	mu      sync.RWMutex
	records map[string]Record
	cache   *HashCache
	skip    func(path string) bool
}

// New creates an empty catalog. cache may be nil.
func New(cache *HashCache) *Catalog {
	return &Catalog{
		records: make(map[string]Record),
		cache:   cache,
	}
}

// SetSkip installs a predicate for files that must not be shared, such as
// downloads still being written. Call it before the first Rescan.
func (c *Catalog) SetSkip(fn func(path string) bool) {
	c.mu.Lock()
	c.skip = fn
	c.mu.Unlock()
}

// Rescan walks root under policy and replaces the catalog contents with
// what it finds. Unreadable files are skipped. An error is returned only
// when root itself cannot be read or ctx is cancelled; in that case the
// previous contents are left untouched.
func (c *Catalog) Rescan(ctx context.Context, root string, policy Policy) (int, error) {
	start := time.Now()

	abs, err := filepath.Abs(root)
	if err != nil {
		return 0, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return 0, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("root is not a directory: %s", abs)
	}

	c.mu.RLock()
	skip := c.skip
	c.mu.RUnlock()

	s := &scan{
		ctx:     ctx,
		start:   start,
		policy:  policy,
		masks:   policy.Matcher(),
		cache:   c.cache,
		skip:    skip,
		records: make(map[string]Record),
	}
	if policy.RootOnly {
		err = s.walkRootOnly(abs)
	} else {
		err = s.walkRecursive(abs)
	}
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.records = s.records
	n := len(c.records)
	c.mu.Unlock()

	metrics.SetCatalogEntries(n)
	metrics.RecordCatalogRescan(time.Since(start))
	logging.Named("catalog").Debug("rescanned",
		logging.String("path", abs),
		logging.Int("files", n),
		logging.Int("skipped", s.skipped),
		logging.Duration("elapsed", time.Since(start)),
	)
	return n, nil
}

// Lookup returns the record for hash.
func (c *Catalog) Lookup(hash string) (Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[strings.ToLower(hash)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Has reports whether hash is shared locally.
func (c *Catalog) Has(hash string) bool {
	_, err := c.Lookup(hash)
	return err == nil
}

// FindByName returns a record whose display name matches, ignoring case.
func (c *Catalog) FindByName(name string) (Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, rec := range c.records {
		if strings.EqualFold(rec.Name, name) {
			return rec, nil
		}
	}
	return Record{}, ErrNotFound
}

// List returns all records sorted by name, then hash.
func (c *Catalog) List() []Record {
	c.mu.RLock()
	out := make([]Record, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}

// Len returns the number of distinct shared hashes.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Clear drops every record.
func (c *Catalog) Clear() {
	c.mu.Lock()
	c.records = make(map[string]Record)
	c.mu.Unlock()
	metrics.SetCatalogEntries(0)
}

// OpenChunk opens the file for hash positioned at offset, yielding at most
// length bytes. Reads past end of file simply end early.
func (c *Catalog) OpenChunk(hash string, offset, length int64) (io.ReadCloser, error) {
	rec, err := c.Lookup(hash)
	if err != nil {
		return nil, err
	}
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("invalid range %d+%d", offset, length)
	}

	f, err := os.Open(rec.Path)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &limitedReadCloser{f: f, remaining: length}, nil
}

// scan holds the state of a single Rescan.
type scan struct {
	ctx     context.Context
	start   time.Time
	policy  Policy
	masks   *MaskMatcher
	cache   *HashCache
	skip    func(path string) bool
	records map[string]Record
	skipped int
}

func (s *scan) walkRootOnly(root string) error {
	if s.policy.ExcludesDir(root) {
		return nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("read root: %w", err)
	}
	for _, e := range entries {
		if err := s.ctx.Err(); err != nil {
			return err
		}
		if !e.Type().IsRegular() {
			continue
		}
		s.add(filepath.Join(root, e.Name()), e)
	}
	return nil
}

func (s *scan) walkRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return fmt.Errorf("read root: %w", err)
			}
			s.skipped++
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && IsStagingName(d.Name()) {
				return fs.SkipDir
			}
			if s.policy.ExcludesDir(path) {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			s.add(path, d)
		}
		return nil
	})
}

func (s *scan) add(path string, d fs.DirEntry) {
	name := d.Name()
	if s.masks.Match(name) {
		return
	}
	if s.skip != nil && s.skip(path) {
		s.skipped++
		return
	}
	info, err := d.Info()
	if err != nil {
		s.skipped++
		return
	}

	hash, err := s.hash(path, info)
	if err != nil {
		logging.Named("catalog").Debug("skipping unreadable file", logging.String("path", path), logging.Err(err))
		s.skipped++
		return
	}
	if _, exists := s.records[hash]; exists {
		return
	}
	s.records[hash] = Record{
		Hash: hash,
		Name: name,
		Size: info.Size(),
		Path: path,
	}
}

func (s *scan) hash(path string, info fs.FileInfo) (string, error) {
	if s.cache != nil {
		if h, ok := s.cache.Get(path, info.Size(), info.ModTime()); ok {
			return h, nil
		}
	}
	h, err := HashFile(path)
	if err != nil {
		return "", err
	}
	if s.cache != nil && s.start.Sub(info.ModTime()) >= racyWindow {
		if err := s.cache.Put(path, info.Size(), info.ModTime(), h); err != nil {
			logging.Named("catalog").Warn("hash cache write failed", logging.String("path", path), logging.Err(err))
		}
	}
	return h, nil
}

// limitedReadCloser wraps a file with a read limit.
type limitedReadCloser struct {
	f         *os.File
	remaining int64
}

func (l *limitedReadCloser) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.f.Read(p)
	l.remaining -= int64(n)
	return n, err
}

func (l *limitedReadCloser) Close() error {
	return l.f.Close()
}
