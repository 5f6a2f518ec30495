package catalog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/fruitsalade/peershare/internal/metrics"
)

// HashCache remembers file hashes keyed by path, invalidated by size and
// modification time, so unchanged files are not re-read on every rescan.
//
// Size and mtime are all it checks. Rescan only stores entries for files
// whose mtime is older than racyWindow, so an ordinary rewrite always moves
// the mtime past the cached value. A rewrite that keeps the size and then
// restores the old mtime (touch -d, archive extraction) is still served
// from the cache until the entry is deleted.
type HashCache struct {
	db *leveldb.DB
}

// OpenHashCache opens (or creates) a leveldb-backed cache in dir.
func OpenHashCache(dir string) (*HashCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create hash cache dir: %w", err)
	}
	db, err := leveldb.OpenFile(dir, &opt.Options{
		WriteBuffer: 4 << 20,
	})
	if err != nil {
		return nil, fmt.Errorf("open hash cache: %w", err)
	}
	return &HashCache{db: db}, nil
}

// Get returns the cached hash for path if size and mtime still match.
func (c *HashCache) Get(path string, size int64, mtime time.Time) (string, bool) {
	val, err := c.db.Get([]byte(path), nil)
	if err != nil {
		metrics.RecordHashCacheLookup(false)
		return "", false
	}
	if len(val) < 16 ||
		int64(binary.BigEndian.Uint64(val[0:8])) != size ||
		int64(binary.BigEndian.Uint64(val[8:16])) != mtime.UnixNano() {
		metrics.RecordHashCacheLookup(false)
		return "", false
	}
	metrics.RecordHashCacheLookup(true)
	return string(val[16:]), true
}

// Put stores the hash for path at the given size and mtime.
func (c *HashCache) Put(path string, size int64, mtime time.Time, hash string) error {
	val := make([]byte, 16+len(hash))
	binary.BigEndian.PutUint64(val[0:8], uint64(size))
	binary.BigEndian.PutUint64(val[8:16], uint64(mtime.UnixNano()))
	copy(val[16:], hash)
	return c.db.Put([]byte(path), val, nil)
}

// Delete drops the entry for path.
func (c *HashCache) Delete(path string) error {
	err := c.db.Delete([]byte(path), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	return err
}

// Close releases the underlying database.
func (c *HashCache) Close() error {
	return c.db.Close()
}
