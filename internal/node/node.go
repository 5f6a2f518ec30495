// Package node owns a peer's state and drives its background loops:
// discovery, auto-share and folder monitoring, plus the transfer listener
// and discovery responder that let other peers reach it.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fruitsalade/peershare/internal/catalog"
	"github.com/fruitsalade/peershare/internal/discovery"
	"github.com/fruitsalade/peershare/internal/download"
	"github.com/fruitsalade/peershare/internal/events"
	"github.com/fruitsalade/peershare/internal/logging"
	"github.com/fruitsalade/peershare/internal/monitor"
	"github.com/fruitsalade/peershare/internal/transfer"
	"github.com/fruitsalade/peershare/pkg/retry"
)

var (
	ErrInvalidFolder    = errors.New("node: invalid folder")
	ErrNotConnected     = errors.New("node: not connected")
	ErrAlreadyConnected = errors.New("node: already connected")
)

// Options configures a Node.
type Options struct {
	// AdvertiseIP is this node's address; discovery replies from it are
	// ignored.
	AdvertiseIP string
	// ListenHost is the bind host for the transfer listener and responder.
	// Empty binds all interfaces.
	ListenHost string
	Port       int

	SharedDir   string
	DownloadDir string
	Policy      catalog.Policy
	AutoShare   bool

	DiscoveryInterval time.Duration
	ShareInterval     time.Duration
	MonitorInterval   time.Duration
	DiscoveryWindow   time.Duration
	DiscoveryLimit    int64
	// DiscoveryTargets overrides the computed broadcast addresses.
	DiscoveryTargets []string
	// ReplyRPM caps discovery replies per source per minute.
	ReplyRPM int

	DialTimeout  time.Duration
	IOTimeout    time.Duration
	ChunkRetries int

	HashCache *catalog.HashCache
	Events    *events.Broadcaster
}

// Status is a point-in-time summary of the node.
type Status struct {
	ID                 string         `json:"id"`
	Connected          bool           `json:"connected"`
	Address            string         `json:"address"`
	Port               int            `json:"port"`
	SharedDir          string         `json:"shared_dir"`
	DownloadDir        string         `json:"download_dir"`
	Policy             catalog.Policy `json:"policy"`
	AutoShare          bool           `json:"auto_share"`
	SharedFiles        int            `json:"shared_files"`
	FoundFiles         int            `json:"found_files"`
	Peers              int            `json:"peers"`
	Downloads          int            `json:"downloads"`
	DiscoveryState     string         `json:"discovery_state"`
	DiscoveryRemaining int64          `json:"discovery_remaining"`
}

// Node is a single peer.
type Node struct {
	id   string
	opts Options

	catalog   *catalog.Catalog
	found     *download.FoundIndex
	directory *discovery.Directory
	client    *transfer.Client
	coord     *download.Coordinator
	events    *events.Broadcaster
	autoShare atomic.Bool

	mu          sync.Mutex
	sharedDir   string
	downloadDir string
	policy      catalog.Policy
	connected   bool
	runCtx      context.Context
	cancel      context.CancelFunc
	server      *transfer.Server
	responder   *discovery.Responder
	monitor     *monitor.Monitor
	swap        chan struct{}
	wg          sync.WaitGroup

	rescanMu sync.Mutex
}

// New creates a disconnected node.
func New(opts Options) *Node {
	if opts.Port == 0 {
		opts.Port = 4113
	}
	if opts.DiscoveryInterval <= 0 {
		opts.DiscoveryInterval = 5 * time.Second
	}
	if opts.ShareInterval <= 0 {
		opts.ShareInterval = 5 * time.Second
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = 5 * time.Second
	}
	if opts.ChunkRetries <= 0 {
		opts.ChunkRetries = 3
	}
	if opts.ReplyRPM == 0 {
		opts.ReplyRPM = 120
	}
	if opts.Events == nil {
		opts.Events = events.NewBroadcaster()
	}

	client := transfer.NewClient(opts.DialTimeout, opts.IOTimeout)
	found := download.NewFoundIndex()

	rcfg := retry.DefaultConfig()
	rcfg.MaxAttempts = opts.ChunkRetries

	n := &Node{
		id:      uuid.NewString(),
		opts:    opts,
		catalog: catalog.New(opts.HashCache),
		found:   found,
		directory: discovery.NewDirectory(discovery.Options{
			Lister:  client,
			Window:  opts.DiscoveryWindow,
			Limit:   opts.DiscoveryLimit,
			Targets: opts.DiscoveryTargets,
		}),
		client: client,
		coord: download.NewCoordinator(download.Options{
			Source: client,
			Found:  found,
			Retry:  rcfg,
			Events: opts.Events,
		}),
		events: opts.Events,
		policy: opts.Policy.Clone(),
		swap:   make(chan struct{}, 1),
	}
	n.catalog.SetSkip(n.coord.Writing)
	n.autoShare.Store(opts.AutoShare)
	return n
}

// ID returns the node's instance identifier.
func (n *Node) ID() string {
	return n.id
}

// Events returns the node's event broadcaster.
func (n *Node) Events() *events.Broadcaster {
	return n.events
}

// SetSharedFolder changes the shared root. The path must be an existing
// directory. When connected the catalog is rebuilt immediately.
func (n *Node) SetSharedFolder(path string) error {
	abs, err := validateDir(path, false)
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.sharedDir = abs
	connected := n.connected
	var old *monitor.Monitor
	if connected {
		old = n.monitor
		n.monitor = monitor.New(abs, n.opts.MonitorInterval)
		n.monitor.Start(n.runCtx)
	}
	ctx := n.runCtx
	n.mu.Unlock()

	logging.Named("node").Info("shared folder set", logging.String("path", abs))
	if connected {
		if old != nil {
			old.Stop()
		}
		n.wakeMonitorLoop()
		n.rescan(ctx)
	}
	return nil
}

// SetDownloadFolder changes where downloads land, creating it if needed.
func (n *Node) SetDownloadFolder(path string) error {
	abs, err := validateDir(path, true)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.downloadDir = abs
	n.mu.Unlock()
	n.coord.SetRoot(abs)
	logging.Named("node").Info("download folder set", logging.String("path", abs))
	return nil
}

// SetRootOnly toggles scanning only the direct children of the shared root.
func (n *Node) SetRootOnly(enabled bool) {
	n.updatePolicy(func(p *catalog.Policy) bool {
		if p.RootOnly == enabled {
			return false
		}
		p.RootOnly = enabled
		return true
	})
}

// AddExcludedFolder excludes dir and everything beneath it.
func (n *Node) AddExcludedFolder(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil || dir == "" {
		return fmt.Errorf("%w: %q", ErrInvalidFolder, dir)
	}
	n.updatePolicy(func(p *catalog.Policy) bool {
		if slices.Contains(p.ExcludedFolders, abs) {
			return false
		}
		p.ExcludedFolders = append(p.ExcludedFolders, abs)
		return true
	})
	return nil
}

// RemoveExcludedFolder re-includes dir.
func (n *Node) RemoveExcludedFolder(dir string) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return
	}
	n.updatePolicy(func(p *catalog.Policy) bool {
		i := slices.Index(p.ExcludedFolders, abs)
		if i < 0 {
			return false
		}
		p.ExcludedFolders = slices.Delete(p.ExcludedFolders, i, i+1)
		return true
	})
}

// AddExcludedMask excludes file names matching mask.
func (n *Node) AddExcludedMask(mask string) error {
	if mask == "" {
		return errors.New("node: empty mask")
	}
	if _, err := catalog.CompileMask(mask); err != nil {
		return fmt.Errorf("node: invalid mask %q: %w", mask, err)
	}
	n.updatePolicy(func(p *catalog.Policy) bool {
		if slices.Contains(p.ExcludedMasks, mask) {
			return false
		}
		p.ExcludedMasks = append(p.ExcludedMasks, mask)
		return true
	})
	return nil
}

// RemoveExcludedMask drops mask from the policy.
func (n *Node) RemoveExcludedMask(mask string) {
	n.updatePolicy(func(p *catalog.Policy) bool {
		i := slices.Index(p.ExcludedMasks, mask)
		if i < 0 {
			return false
		}
		p.ExcludedMasks = slices.Delete(p.ExcludedMasks, i, i+1)
		return true
	})
}

// Policy returns a copy of the current exclusion policy.
func (n *Node) Policy() catalog.Policy {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.policy.Clone()
}

// updatePolicy applies fn and, if it changed anything, prunes the found
// index and rescans when connected.
func (n *Node) updatePolicy(fn func(*catalog.Policy) bool) {
	n.mu.Lock()
	p := n.policy.Clone()
	if !fn(&p) {
		n.mu.Unlock()
		return
	}
	n.policy = p
	connected := n.connected
	ctx := n.runCtx
	n.mu.Unlock()

	n.found.Prune(n.catalog.Has, p)
	if connected {
		n.rescan(ctx)
	}
}

// EnableAutoShare toggles automatic download of every found file.
func (n *Node) EnableAutoShare(enabled bool) {
	n.autoShare.Store(enabled)
}

// Connected reports whether the node is online.
func (n *Node) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

// Connect starts the transfer listener and discovery responder, builds the
// catalog, then starts the discovery, auto-share and folder-monitor loops.
// Status and the other readers stay available while the first scan runs.
func (n *Node) Connect(ctx context.Context) error {
	n.rescanMu.Lock()
	defer n.rescanMu.Unlock()

	n.mu.Lock()
	if n.connected {
		n.mu.Unlock()
		return ErrAlreadyConnected
	}

	addr := net.JoinHostPort(n.opts.ListenHost, strconv.Itoa(n.opts.Port))

	server := transfer.NewServer(n.catalog, n.opts.IOTimeout)
	if err := server.ListenAndServe(ctx, addr); err != nil {
		n.mu.Unlock()
		return fmt.Errorf("start transfer listener: %w", err)
	}
	responder := discovery.NewResponder(n.opts.AdvertiseIP, discovery.NewReplyLimiter(n.opts.ReplyRPM))
	if err := responder.Listen(ctx, addr); err != nil {
		n.mu.Unlock()
		server.Close()
		return fmt.Errorf("start discovery responder: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	n.runCtx = runCtx
	n.cancel = cancel
	n.server = server
	n.responder = responder
	n.connected = true
	n.monitor = monitor.New(n.sharedDir, n.opts.MonitorInterval)
	n.monitor.Start(runCtx)
	root, policy := n.sharedDir, n.policy.Clone()
	n.mu.Unlock()

	n.rescanLocked(runCtx, root, policy)

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.connected || n.runCtx != runCtx {
		return ErrNotConnected
	}

	n.startLoop(runCtx, "discovery", n.opts.DiscoveryInterval, true, n.discoveryPass)
	n.startLoop(runCtx, "auto_share", n.opts.ShareInterval, false, n.autoSharePass)
	n.wg.Add(1)
	go n.monitorLoop(runCtx)

	logging.Named("node").Info("connected",
		logging.String("addr", addr),
		logging.String("shared", n.sharedDir),
		logging.String("download", n.downloadDir),
	)
	n.events.Publish(events.Event{Type: events.EventNodeConnected, Peer: n.opts.AdvertiseIP})
	return nil
}

// Disconnect stops every loop, closes the listener and responder, and
// clears the catalog, found index, peer directory and downloads.
func (n *Node) Disconnect() error {
	n.mu.Lock()
	if !n.connected {
		n.mu.Unlock()
		return ErrNotConnected
	}
	n.connected = false
	cancel, server, responder, mon := n.cancel, n.server, n.responder, n.monitor
	n.cancel, n.server, n.responder, n.monitor = nil, nil, nil, nil
	n.mu.Unlock()

	cancel()
	if mon != nil {
		mon.Stop()
	}
	n.wakeMonitorLoop()
	if err := server.Close(); err != nil {
		logging.Named("node").Debug("close transfer listener", logging.Err(err))
	}
	if err := responder.Close(); err != nil {
		logging.Named("node").Debug("close discovery responder", logging.Err(err))
	}
	n.wg.Wait()

	// A scan still in flight must not repopulate the catalog.
	n.rescanMu.Lock()
	n.catalog.Clear()
	n.rescanMu.Unlock()
	n.found.Clear()
	n.directory.Clear()
	n.coord.Clear()

	logging.Named("node").Info("disconnected")
	n.events.Publish(events.Event{Type: events.EventNodeDisconnected, Peer: n.opts.AdvertiseIP})
	return nil
}

// Download fetches a found file by hash and waits for it. The transfer is
// abandoned if the node disconnects.
func (n *Node) Download(ctx context.Context, hash string) (download.State, error) {
	n.mu.Lock()
	if !n.connected {
		n.mu.Unlock()
		return download.State{}, ErrNotConnected
	}
	runCtx := n.runCtx
	n.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	entry, _ := n.found.Get(hash)
	return n.coord.Download(ctx, hash, entry.Name)
}

// StartDownload begins a download in the background and returns at once.
func (n *Node) StartDownload(hash string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.connected {
		return ErrNotConnected
	}
	if _, ok := n.found.Get(hash); !ok {
		return download.ErrNoOwners
	}
	if n.coord.Root() == "" {
		return download.ErrNoRoot
	}
	ctx := n.runCtx
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if _, err := n.Download(ctx, hash); err != nil {
			logging.Named("node").Warn("download failed", logging.Hash(hash), logging.Err(err))
		}
	}()
	return nil
}

// FoundFiles lists remote files not held locally.
func (n *Node) FoundFiles() []download.FoundEntry {
	return n.found.List()
}

// ActiveDownloads lists every download this session, finished ones included.
func (n *Node) ActiveDownloads() []download.State {
	return n.coord.States()
}

// Peers lists peers from the latest discovery cycle.
func (n *Node) Peers() []discovery.Peer {
	return n.directory.Peers()
}

// SharedFiles lists the local catalog.
func (n *Node) SharedFiles() []catalog.Record {
	return n.catalog.List()
}

// FindShared looks up a local file by display name.
func (n *Node) FindShared(name string) (catalog.Record, error) {
	return n.catalog.FindByName(name)
}

// Status summarizes the node.
func (n *Node) Status() Status {
	n.mu.Lock()
	st := Status{
		ID:          n.id,
		Connected:   n.connected,
		Address:     n.opts.AdvertiseIP,
		Port:        n.opts.Port,
		SharedDir:   n.sharedDir,
		DownloadDir: n.downloadDir,
		Policy:      n.policy.Clone(),
	}
	n.mu.Unlock()

	st.AutoShare = n.autoShare.Load()
	st.SharedFiles = n.catalog.Len()
	st.FoundFiles = n.found.Len()
	st.Peers = len(n.directory.Peers())
	st.Downloads = len(n.coord.States())
	st.DiscoveryState = n.directory.State().String()
	st.DiscoveryRemaining = n.directory.Remaining()
	return st
}

func validateDir(path string, create bool) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidFolder)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFolder, err)
	}
	if create {
		if err := os.MkdirAll(abs, 0755); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidFolder, err)
		}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFolder, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: not a directory: %s", ErrInvalidFolder, abs)
	}
	return abs, nil
}
