package node

import (
	"context"
	"errors"
	"time"

	"github.com/fruitsalade/peershare/internal/catalog"
	"github.com/fruitsalade/peershare/internal/discovery"
	"github.com/fruitsalade/peershare/internal/events"
	"github.com/fruitsalade/peershare/internal/logging"
	"github.com/fruitsalade/peershare/internal/metrics"
)

// startLoop runs pass every interval on its own goroutine until ctx ends.
// Cancellation is checked between passes only. Must be called with n.mu
// held.
func (n *Node) startLoop(ctx context.Context, name string, interval time.Duration, immediate bool, pass func(context.Context) error) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		log := logging.Named("node").With(logging.String("loop", name))
		log.Debug("loop started", logging.Duration("interval", interval))
		defer log.Debug("loop stopped")

		run := func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("loop pass panicked", logging.Any("panic", r))
					metrics.RecordLoopIteration(name, false)
				}
			}()
			err := pass(ctx)
			if err != nil && ctx.Err() == nil {
				log.Warn("loop pass failed", logging.Err(err))
			}
			metrics.RecordLoopIteration(name, err == nil)
		}

		if immediate {
			run()
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

// discoveryPass rediscovers peers and folds their files into the found
// index.
func (n *Node) discoveryPass(ctx context.Context) error {
	peers, err := n.directory.Discover(ctx, n.opts.AdvertiseIP, n.opts.Port)
	if errors.Is(err, discovery.ErrFloodLimit) {
		logging.Named("node").Debug("discovery budget exhausted")
		return nil
	}
	if err != nil {
		return err
	}

	policy := n.Policy()
	added := 0
	for _, p := range peers {
		added += n.found.Merge(p.Addr(), p.Files, n.catalog.Has, policy)
		n.events.Publish(events.Event{Type: events.EventPeerDiscovered, Peer: p.Addr(), Count: len(p.Files)})
	}
	if len(peers) > 0 {
		logging.Named("node").Debug("discovery cycle done", logging.Int("peers", len(peers)), logging.Int("new_files", added))
	}
	return nil
}

// autoSharePass downloads every found file not already held or known.
// Downloads run one after another on the loop goroutine.
func (n *Node) autoSharePass(ctx context.Context) error {
	if !n.autoShare.Load() || n.coord.Root() == "" {
		return nil
	}
	var firstErr error
	for _, entry := range n.found.List() {
		if ctx.Err() != nil {
			return nil
		}
		if n.catalog.Has(entry.Hash) || n.coord.Known(entry.Hash) {
			continue
		}
		if _, err := n.coord.Download(ctx, entry.Hash, entry.Name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// monitorLoop rescans whenever the current monitor signals. A swap wakes
// it to pick up a replaced monitor.
func (n *Node) monitorLoop(ctx context.Context) {
	defer n.wg.Done()
	for {
		n.mu.Lock()
		m := n.monitor
		n.mu.Unlock()
		if m == nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-n.swap:
		case <-m.C():
			n.rescan(ctx)
		}
	}
}

func (n *Node) wakeMonitorLoop() {
	select {
	case n.swap <- struct{}{}:
	default:
	}
}

// rescan rebuilds the catalog from the current folder and policy.
func (n *Node) rescan(ctx context.Context) {
	n.rescanMu.Lock()
	defer n.rescanMu.Unlock()

	n.mu.Lock()
	root := n.sharedDir
	policy := n.policy.Clone()
	n.mu.Unlock()
	n.rescanLocked(ctx, root, policy)
}

// rescanLocked must be called with n.rescanMu held. Lock order is
// rescanMu before mu.
func (n *Node) rescanLocked(ctx context.Context, root string, policy catalog.Policy) {
	if root == "" || ctx == nil {
		return
	}
	count, err := n.catalog.Rescan(ctx, root, policy)
	if err != nil {
		if ctx.Err() == nil {
			logging.Named("node").Warn("rescan failed", logging.String("path", root), logging.Err(err))
		}
		metrics.RecordLoopIteration("monitor", false)
		return
	}
	metrics.RecordLoopIteration("monitor", true)
	n.found.Prune(n.catalog.Has, policy)
	n.events.Publish(events.Event{Type: events.EventCatalogRescanned, Count: count})
}
