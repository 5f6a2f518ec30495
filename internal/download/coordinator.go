// Package download turns a content hash advertised by one or more peers
// into a verified local file, pulling fixed-size chunks round-robin from
// the owners.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/peershare/internal/catalog"
	"github.com/fruitsalade/peershare/internal/events"
	"github.com/fruitsalade/peershare/internal/logging"
	"github.com/fruitsalade/peershare/internal/metrics"
	"github.com/fruitsalade/peershare/internal/transfer"
	"github.com/fruitsalade/peershare/pkg/retry"
)

// ChunkSize is the unit of transfer.
const ChunkSize = 256 * 1024

var (
	ErrNoOwners     = errors.New("download: no known owners")
	ErrSizeUnknown  = errors.New("download: no owner reported a size")
	ErrMissingChunk = errors.New("download: staging chunk missing")
	ErrHashMismatch = errors.New("download: content hash mismatch")
	ErrNoRoot       = errors.New("download: download folder not set")
)

// ChunkSource talks to peers. *transfer.Client satisfies it.
type ChunkSource interface {
	SizeOf(ctx context.Context, addr, hash string) (int64, error)
	FetchChunk(ctx context.Context, addr, hash string, offset, length int64, dst io.Writer) (int64, error)
}

// Options configures a Coordinator.
type Options struct {
	Source ChunkSource
	Found  *FoundIndex
	// Root is the initial download folder.
	Root string
	// Retry governs per-chunk attempts against the assigned owner.
	Retry retry.Config
	// Events receives download notifications; nil discards them.
	Events events.Publisher
}

// Coordinator runs multi-source downloads.
type Coordinator struct {
	source ChunkSource
	found  *FoundIndex
	retry  retry.Config
	events events.Publisher

	mu      sync.RWMutex
	root    string
	writing map[string]int
	flights map[string]*flight

	states *stateTable
	group  singleflight.Group
}

// NewCoordinator creates a coordinator from opts.
func NewCoordinator(opts Options) *Coordinator {
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	return &Coordinator{
		source: opts.Source,
		found:  opts.Found,
		retry:  opts.Retry,
		events: opts.Events,
		root:    opts.Root,
		writing: make(map[string]int),
		flights: make(map[string]*flight),
		states:  newStateTable(),
	}
}

// SetRoot changes the download folder for subsequent downloads.
func (c *Coordinator) SetRoot(dir string) {
	c.mu.Lock()
	c.root = dir
	c.mu.Unlock()
}

// Root returns the current download folder.
func (c *Coordinator) Root() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.root
}

// StagingDir returns where chunks of hash are staged under root.
func StagingDir(root, hash string) string {
	return filepath.Join(root, catalog.StagingPrefix+hash)
}

// ChunkPath returns the staging file for chunk i.
func ChunkPath(root, hash string, i int) string {
	return filepath.Join(StagingDir(root, hash), "chunk_"+strconv.Itoa(i))
}

// ChunkCount returns ceil(size / ChunkSize).
func ChunkCount(size int64) int {
	return int((size + ChunkSize - 1) / ChunkSize)
}

// Writing reports whether path is the output of a download in progress
// or lies inside a staging directory.
func (c *Coordinator) Writing(path string) bool {
	if catalog.IsStagingName(filepath.Base(filepath.Dir(path))) {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.writing[filepath.Clean(path)] > 0
}

func (c *Coordinator) markWriting(path string) func() {
	path = filepath.Clean(path)
	c.mu.Lock()
	c.writing[path]++
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		if c.writing[path]--; c.writing[path] <= 0 {
			delete(c.writing, path)
		}
		c.mu.Unlock()
	}
}

// Download fetches hash from the owners recorded in the found index and
// writes it to <root>/<name>. Concurrent calls for the same hash share a
// single run, which keeps going while any caller is still waiting and is
// cancelled once every caller's context is done. A hash mismatch leaves
// the file in place and still marks the state complete, with Verified
// false and ErrHashMismatch returned.
func (c *Coordinator) Download(ctx context.Context, hash, name string) (State, error) {
	hash = strings.ToLower(hash)
	for {
		f := c.join(ctx, hash)
		stop := context.AfterFunc(ctx, func() { c.leave(hash, f) })
		v, err, _ := c.group.Do(hash, func() (any, error) {
			return c.run(f.ctx, hash, name)
		})
		if stop() {
			c.leave(hash, f)
		}
		// Joined a run whose callers had all gone: start over.
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			continue
		}
		st, _ := v.(State)
		return st, err
	}
}

// flight is the context shared by every caller waiting on one hash.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (c *Coordinator) join(ctx context.Context, hash string) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.flights[hash]
	if f == nil {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		c.flights[hash] = f
	}
	f.waiters++
	return f
}

func (c *Coordinator) leave(hash string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if c.flights[hash] == f {
		delete(c.flights, hash)
	}
}

// States returns every known download, oldest first.
func (c *Coordinator) States() []State {
	return c.states.list()
}

// State returns the download state for hash.
func (c *Coordinator) State(hash string) (State, bool) {
	return c.states.get(strings.ToLower(hash))
}

// Active reports whether a download of hash is in progress.
func (c *Coordinator) Active(hash string) bool {
	st, ok := c.State(hash)
	return ok && st.Active
}

// Known reports whether hash has been downloaded or is in progress.
func (c *Coordinator) Known(hash string) bool {
	st, ok := c.State(hash)
	return ok && (st.Active || st.Complete)
}

// Clear forgets every download state. Runs still in flight keep writing
// to their detached state.
func (c *Coordinator) Clear() {
	c.states.clear()
}

func (c *Coordinator) run(ctx context.Context, hash, name string) (State, error) {
	st := c.states.getOrCreate(hash, name)

	entry, ok := c.found.Get(hash)
	if !ok || len(entry.Owners) == 0 {
		return c.fail(st, ErrNoOwners, false)
	}
	if name == "" {
		name = entry.Name
	}
	name, err := safeName(name, hash)
	if err != nil {
		return c.fail(st, err, false)
	}

	root := c.Root()
	if root == "" {
		return c.fail(st, ErrNoRoot, false)
	}

	total, err := c.resolveSize(ctx, hash, entry.Owners)
	if err != nil {
		return c.fail(st, err, false)
	}
	chunks := ChunkCount(total)

	c.states.update(st, func(s *State) {
		s.Name = name
		s.Total = total
		s.Downloaded = 0
		s.Chunks = chunks
		s.Active = true
		s.Complete = false
		s.Verified = false
		s.Err = ""
		s.Started = time.Now()
		s.Finished = time.Time{}
	})
	metrics.AddDownloadsActive(1)
	defer metrics.AddDownloadsActive(-1)

	log := logging.Named("download").With(logging.Hash(hash), logging.String("name", name))
	log.Info("download started",
		logging.Int64("size", total),
		logging.Int("chunks", chunks),
		logging.Int("owners", len(entry.Owners)),
	)
	c.events.Publish(events.Event{Type: events.EventDownloadStarted, Hash: hash, Name: name, Total: int(total)})

	final := filepath.Join(root, name)
	defer c.markWriting(final)()

	staging := StagingDir(root, hash)
	if err := os.MkdirAll(staging, 0755); err != nil {
		return c.fail(st, fmt.Errorf("create staging dir: %w", err), true)
	}
	defer os.RemoveAll(staging)

	for i := 0; i < chunks; i++ {
		owner := entry.Owners[i%len(entry.Owners)]
		offset := int64(i) * ChunkSize
		length := min(int64(ChunkSize), total-offset)

		if err := c.fetchChunk(ctx, owner, hash, i, offset, length, ChunkPath(root, hash, i)); err != nil {
			log.Warn("chunk failed",
				logging.Int("chunk", i),
				logging.Peer(owner),
				logging.Int64("offset", offset),
				logging.Int64("length", length),
				logging.Err(err),
			)
			if ctx.Err() != nil {
				return c.fail(st, ctx.Err(), true)
			}
			continue
		}
		snap := c.states.update(st, func(s *State) { s.Downloaded += length })
		c.events.Publish(events.Event{
			Type:       events.EventDownloadProgress,
			Hash:       hash,
			Name:       name,
			Downloaded: int(snap.Downloaded),
			Total:      int(snap.Total),
		})
	}

	if err := reassemble(root, hash, chunks, final); err != nil {
		return c.fail(st, err, true)
	}

	got, err := catalog.HashFile(final)
	if err != nil {
		return c.fail(st, fmt.Errorf("hash output: %w", err), true)
	}
	verified := got == hash

	snap := c.states.update(st, func(s *State) {
		s.Active = false
		s.Complete = true
		s.Verified = verified
		s.Finished = time.Now()
		if !verified {
			s.Err = ErrHashMismatch.Error()
		}
	})

	if !verified {
		log.Error("downloaded file does not match its hash",
			logging.String("path", final),
			logging.String("actual", got),
		)
		metrics.RecordDownload("mismatch")
		c.events.Publish(events.Event{Type: events.EventDownloadCompleted, Hash: hash, Name: name, Total: int(total), Error: snap.Err})
		return snap, fmt.Errorf("%w: got %s", ErrHashMismatch, got)
	}

	log.Info("download complete", logging.String("path", final), logging.Duration("elapsed", snap.Finished.Sub(snap.Started)))
	metrics.RecordDownload("verified")
	c.events.Publish(events.Event{Type: events.EventDownloadCompleted, Hash: hash, Name: name, Total: int(total), Verified: true})
	return snap, nil
}

// resolveSize asks owners in order and takes the first positive answer.
func (c *Coordinator) resolveSize(ctx context.Context, hash string, owners []string) (int64, error) {
	for _, owner := range owners {
		size, err := c.source.SizeOf(ctx, owner, hash)
		if err != nil {
			logging.Named("download").Debug("size query failed", logging.Hash(hash), logging.Peer(owner), logging.Err(err))
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			continue
		}
		if size > 0 {
			return size, nil
		}
	}
	return 0, ErrSizeUnknown
}

// fetchChunk writes one chunk to path, retrying against the same owner.
// A failed final attempt leaves no file behind.
func (c *Coordinator) fetchChunk(ctx context.Context, owner, hash string, i int, offset, length int64, path string) error {
	cfg := c.retry
	cfg.OnRetry = func(attempt int, err error) {
		logging.Named("download").Debug("retrying chunk",
			logging.Hash(hash),
			logging.Int("chunk", i),
			logging.Peer(owner),
			logging.Int("attempt", attempt),
			logging.Err(err),
		)
	}

	err := retry.Do(ctx, cfg, func() error {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		_, fetchErr := c.source.FetchChunk(ctx, owner, hash, offset, length, f)
		closeErr := f.Close()
		if fetchErr == nil {
			fetchErr = closeErr
		}
		if fetchErr == nil {
			return nil
		}
		os.Remove(path)
		if ctx.Err() != nil || errors.Is(fetchErr, transfer.ErrRemote) {
			return fetchErr
		}
		return retry.Retryable(fetchErr)
	})
	return retry.Unwrap(err)
}

// reassemble concatenates staged chunks 0..chunks-1 into final.
func reassemble(root, hash string, chunks int, final string) error {
	out, err := os.Create(final)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	for i := 0; i < chunks; i++ {
		if err := appendChunk(out, ChunkPath(root, hash, i)); err != nil {
			out.Close()
			os.Remove(final)
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: chunk %d", ErrMissingChunk, i)
			}
			return fmt.Errorf("append chunk %d: %w", i, err)
		}
	}
	return out.Close()
}

func appendChunk(out io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(out, f)
	return err
}

func (c *Coordinator) fail(st *State, err error, started bool) (State, error) {
	snap := c.states.update(st, func(s *State) {
		if started {
			s.Active = false
			s.Err = err.Error()
			s.Finished = time.Now()
		}
	})
	if started {
		metrics.RecordDownload("failed")
	}
	logging.Named("download").Warn("download failed", logging.Hash(st.Hash), logging.Err(err))
	c.events.Publish(events.Event{Type: events.EventDownloadFailed, Hash: snap.Hash, Name: snap.Name, Error: err.Error()})
	return snap, err
}

// safeName reduces a peer-supplied display name to a single path element.
func safeName(name, hash string) (string, error) {
	if name == "" {
		return hash, nil
	}
	base := filepath.Base(filepath.Clean(strings.ReplaceAll(name, "\\", "/")))
	if base == "." || base == ".." || base == string(filepath.Separator) || base == catalog.StagingPrefix+hash {
		return "", fmt.Errorf("download: unusable file name %q", name)
	}
	return base, nil
}
