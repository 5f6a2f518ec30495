// Package monitor signals when the shared folder should be rescanned:
// on a fixed interval, and early when the filesystem reports a change.
package monitor

import (
	"context"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fruitsalade/peershare/internal/logging"
)

// Monitor emits on C every interval and whenever something under root
// changes. Signals coalesce: a slow consumer sees at most one pending.
type Monitor struct {
	root     string
	interval time.Duration

	ch   chan struct{}
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// New creates a monitor for root.
func New(root string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		root:     root,
		interval: interval,
		ch:       make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start begins monitoring. If the filesystem watcher cannot be set up the
// monitor still ticks.
func (m *Monitor) Start(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Named("monitor").Warn("fsnotify unavailable, falling back to polling", logging.Err(err))
		w = nil
	} else {
		m.addTree(w, m.root)
	}

	m.wg.Add(1)
	go m.loop(ctx, w)
	return nil
}

// Stop ends monitoring and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
}

// C returns the rescan signal channel.
func (m *Monitor) C() <-chan struct{} {
	return m.ch
}

func (m *Monitor) loop(ctx context.Context, w *fsnotify.Watcher) {
	defer m.wg.Done()
	var (
		fsEvents <-chan fsnotify.Event
		fsErrors <-chan error
	)
	if w != nil {
		defer w.Close()
		fsEvents = w.Events
		fsErrors = w.Errors
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.signal()
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if ev.Has(fsnotify.Create) {
				m.addTree(w, ev.Name)
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			m.signal()
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			logging.Named("monitor").Debug("fsnotify error", logging.String("path", m.root), logging.Err(err))
		case <-m.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) signal() {
	select {
	case m.ch <- struct{}{}:
	default:
	}
}

// addTree watches dir and every directory below it. fsnotify watches are
// not recursive.
func (m *Monitor) addTree(w *fsnotify.Watcher, dir string) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if err := w.Add(path); err != nil {
			logging.Named("monitor").Debug("watch failed", logging.String("path", path), logging.Err(err))
		}
		return nil
	})
}
