// Package discovery finds peers on the local subnet by UDP broadcast and
// answers other nodes' probes.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/peershare/internal/logging"
	"github.com/fruitsalade/peershare/internal/metrics"
	"github.com/fruitsalade/peershare/internal/transfer"
)

const (
	// Token is the probe payload broadcast by Discover.
	Token = "DISCOVER_PEER"
	// Reply is the payload the responder sends back.
	Reply = "PEER_HERE"

	// DefaultWindow is how long Discover listens for replies.
	DefaultWindow = 5 * time.Second
	// DefaultLimit caps lifetime broadcasts.
	DefaultLimit = 10000
)

// ErrFloodLimit is returned once the lifetime broadcast budget is spent.
var ErrFloodLimit = errors.New("discovery: broadcast limit reached")

// State is the phase of the current discovery cycle.
type State int32

const (
	StateIdle State = iota
	StateBroadcasting
	StateListening
)

func (s State) String() string {
	switch s {
	case StateBroadcasting:
		return "broadcasting"
	case StateListening:
		return "listening"
	default:
		return "idle"
	}
}

// Lister fetches a peer's catalog.
type Lister interface {
	ListCatalog(ctx context.Context, addr string) ([]transfer.RemoteFile, error)
}

// Peer is a node that answered the latest probe.
type Peer struct {
	ID      string                `json:"id"`
	Address string                `json:"address"`
	Port    int                   `json:"port"`
	Files   []transfer.RemoteFile `json:"files"`
	Seen    time.Time             `json:"seen"`
}

// Addr returns the peer's transfer address.
func (p Peer) Addr() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
}

// Options configures a Directory.
type Options struct {
	Lister Lister
	// Window is the listen period after each broadcast.
	Window time.Duration
	// Limit is the lifetime broadcast budget.
	Limit int64
	// Targets overrides the computed broadcast addresses.
	Targets []string
}

// Directory tracks peers found by the most recent discovery cycle. It
// does not schedule itself; the caller decides when to Discover.
type Directory struct {
	lister    Lister
	window    time.Duration
	targets   []string
	remaining atomic.Int64
	state     atomic.Int32

	cycle sync.Mutex

	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewDirectory creates a directory from opts.
func NewDirectory(opts Options) *Directory {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	d := &Directory{
		lister:  opts.Lister,
		window:  opts.Window,
		targets: opts.Targets,
		peers:   make(map[string]*Peer),
	}
	d.remaining.Store(opts.Limit)
	return d
}

// Discover clears the known peers, broadcasts a probe on port and collects
// replies for the configured window. Replies from self are ignored. Each
// new peer's catalog is fetched through the Lister; a failed listing
// leaves that peer with no files. Only one cycle runs at a time.
func (d *Directory) Discover(ctx context.Context, self string, port int) ([]Peer, error) {
	if d.remaining.Add(-1) < 0 {
		d.remaining.Store(0)
		metrics.RecordDiscoveryFloodLimited()
		return nil, ErrFloodLimit
	}

	d.cycle.Lock()
	defer d.cycle.Unlock()
	defer d.state.Store(int32(StateIdle))

	d.Clear()

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("open discovery socket: %w", err)
	}
	defer conn.Close()

	// Keep probes on the local segment.
	if err := ipv4.NewPacketConn(conn).SetTTL(1); err != nil {
		logging.Named("discovery").Debug("set discovery ttl failed", logging.Err(err))
	}

	d.state.Store(int32(StateBroadcasting))
	sent := 0
	for _, target := range d.broadcastTargets() {
		dst := &net.UDPAddr{IP: net.ParseIP(target), Port: port}
		if _, err := conn.WriteTo([]byte(Token), dst); err != nil {
			metrics.RecordDiscoveryBroadcast(false)
			logging.Named("discovery").Debug("discovery probe failed", logging.String("target", target), logging.Err(err))
			continue
		}
		metrics.RecordDiscoveryBroadcast(true)
		sent++
	}
	if sent == 0 {
		return nil, errors.New("discovery: no broadcast target reachable")
	}

	d.state.Store(int32(StateListening))

	deadline := time.Now().Add(d.window)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	var g errgroup.Group
	g.SetLimit(16)
	buf := make([]byte, 512)
	for {
		_, src, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if !errors.As(err, &ne) || !ne.Timeout() {
				logging.Named("discovery").Debug("discovery read failed", logging.Err(err))
			}
			break
		}
		udp, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		ip := udp.IP.String()
		if ip == self {
			continue
		}
		peer, added := d.add(ip, port)
		if !added {
			continue
		}
		logging.Named("discovery").Debug("peer replied", logging.Peer(ip))
		g.Go(func() error {
			d.fill(ctx, peer)
			return nil
		})
	}
	g.Wait()

	peers := d.Peers()
	metrics.SetDiscoveryPeers(len(peers))
	return peers, nil
}

// fill fetches a peer's catalog and stores it.
func (d *Directory) fill(ctx context.Context, peer Peer) {
	if d.lister == nil {
		return
	}
	files, err := d.lister.ListCatalog(ctx, peer.Addr())
	if err != nil {
		logging.Named("discovery").Debug("list catalog failed", logging.Peer(peer.Addr()), logging.Err(err))
		return
	}
	d.mu.Lock()
	if p, ok := d.peers[peer.ID]; ok {
		p.Files = files
	}
	d.mu.Unlock()
}

func (d *Directory) add(ip string, port int) (Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.peers[ip]; ok {
		return Peer{}, false
	}
	p := &Peer{ID: ip, Address: ip, Port: port, Seen: time.Now()}
	d.peers[ip] = p
	return *p, true
}

// Peers returns a snapshot of known peers sorted by ID.
func (d *Directory) Peers() []Peer {
	d.mu.RLock()
	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		cp := *p
		cp.Files = append([]transfer.RemoteFile(nil), p.Files...)
		out = append(out, cp)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clear forgets every peer.
func (d *Directory) Clear() {
	d.mu.Lock()
	d.peers = make(map[string]*Peer)
	d.mu.Unlock()
}

// Remaining returns how many broadcasts are left in the lifetime budget.
func (d *Directory) Remaining() int64 {
	return d.remaining.Load()
}

// State returns the current cycle phase.
func (d *Directory) State() State {
	return State(d.state.Load())
}

func (d *Directory) broadcastTargets() []string {
	if len(d.targets) > 0 {
		return d.targets
	}
	return BroadcastAddrs()
}

// BroadcastAddrs returns the limited broadcast address plus the directed
// broadcast address of every up, non-loopback IPv4 interface.
func BroadcastAddrs() []string {
	seen := map[string]bool{"255.255.255.255": true}
	out := []string{"255.255.255.255"}

	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if b := directedBroadcast(ipnet); b != "" && !seen[b] {
				seen[b] = true
				out = append(out, b)
			}
		}
	}
	return out
}

func directedBroadcast(n *net.IPNet) string {
	ip := n.IP.To4()
	mask := n.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	if ip == nil || len(mask) != net.IPv4len {
		return ""
	}
	b := make(net.IP, net.IPv4len)
	for i := range ip {
		b[i] = ip[i] | ^mask[i]
	}
	return b.String()
}
