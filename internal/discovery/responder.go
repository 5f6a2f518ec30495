package discovery

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/fruitsalade/peershare/internal/logging"
	"github.com/fruitsalade/peershare/internal/metrics"
)

// Responder answers discovery probes so that other nodes can find this one.
type Responder struct {
	self    string
	limiter *ReplyLimiter

	mu   sync.Mutex
	conn net.PacketConn
	done chan struct{}
	wg   sync.WaitGroup
}

// NewResponder creates a responder that ignores probes from self and
// throttles replies through limiter (nil for no limit).
func NewResponder(self string, limiter *ReplyLimiter) *Responder {
	return &Responder{self: self, limiter: limiter}
}

// Listen binds addr (e.g. ":4113") and answers probes in the background
// until Close.
func (r *Responder) Listen(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.conn != nil {
		r.mu.Unlock()
		conn.Close()
		return errors.New("discovery: responder already listening")
	}
	r.conn = conn
	r.done = make(chan struct{})
	r.mu.Unlock()

	logging.Named("discovery").Info("discovery responder listening", logging.String("addr", conn.LocalAddr().String()))

	r.wg.Add(2)
	go r.serve(conn)
	go r.cleanup(r.done)
	return nil
}

// Addr returns the bound address, or nil when not listening.
func (r *Responder) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Close stops answering probes.
func (r *Responder) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
	r.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	r.wg.Wait()
	return err
}

func (r *Responder) serve(conn net.PacketConn) {
	defer r.wg.Done()
	buf := make([]byte, 512)
	for {
		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Named("discovery").Debug("responder read failed", logging.Err(err))
			continue
		}
		if !bytes.Equal(bytes.TrimSpace(buf[:n]), []byte(Token)) {
			continue
		}
		udp, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		ip := udp.IP.String()
		if ip == r.self {
			continue
		}
		if !r.limiter.Allow(ip) {
			metrics.RecordDiscoveryReply(false)
			continue
		}
		if _, err := conn.WriteTo([]byte(Reply), src); err != nil {
			logging.Named("discovery").Debug("responder reply failed", logging.Peer(ip), logging.Err(err))
			continue
		}
		metrics.RecordDiscoveryReply(true)
	}
}

func (r *Responder) cleanup(done <-chan struct{}) {
	defer r.wg.Done()
	if r.limiter == nil {
		<-done
		return
	}
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.limiter.Cleanup(10 * time.Minute)
		}
	}
}
