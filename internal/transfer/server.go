package transfer

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fruitsalade/peershare/internal/catalog"
	"github.com/fruitsalade/peershare/internal/logging"
	"github.com/fruitsalade/peershare/internal/metrics"
)

// Catalog is the view of local content the server answers from.
type Catalog interface {
	List() []catalog.Record
	Lookup(hash string) (catalog.Record, error)
	OpenChunk(hash string, offset, length int64) (io.ReadCloser, error)
}

// Server answers transfer requests, one request per accepted connection.
type Server struct {
	catalog   Catalog
	ioTimeout time.Duration

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a server over cat. ioTimeout bounds each connection;
// zero disables the deadline.
func NewServer(cat Catalog, ioTimeout time.Duration) *Server {
	return &Server{
		catalog:   cat,
		ioTimeout: ioTimeout,
		conns:     make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on addr and serves in the background until Close.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Serve(ln); err != nil {
			logging.Named("transfer").Error("transfer listener stopped", logging.Err(err))
		}
	}()
	return nil
}

// Serve accepts connections on ln until it is closed. It returns nil after
// Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	s.ln = ln
	s.mu.Unlock()

	logging.Named("transfer").Info("transfer server listening", logging.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handle(conn)
		}()
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops accepting, drops in-flight connections and waits for
// handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.Close()
}

func (s *Server) handle(conn net.Conn) {
	peer := conn.RemoteAddr().String()
	if s.ioTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.ioTimeout))
	}

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	defer w.Flush()

	req, err := ReadRequest(r)
	if err != nil {
		var unknown *UnknownCommandError
		if errors.As(err, &unknown) {
			logging.Named("transfer").Debug("unknown command", logging.Peer(peer), logging.String("command", unknown.Command))
			metrics.RecordProtocolRequest("unknown", false)
			WriteString(w, msgUnknownCommand)
			return
		}
		logging.Named("transfer").Debug("read request failed", logging.Peer(peer), logging.Err(err))
		return
	}

	var ok bool
	switch req := req.(type) {
	case ListSharedFiles:
		ok = s.handleList(w)
	case FileSizeByHash:
		ok = s.handleSize(w, req)
	case ChunkRequest:
		ok = s.handleChunk(w, req, peer)
	}
	metrics.RecordProtocolRequest(req.Command(), ok)
}

func (s *Server) handleList(w io.Writer) bool {
	records := s.catalog.List()
	if err := WriteString(w, StatusOK); err != nil {
		return false
	}
	if err := writeInt32(w, int32(len(records))); err != nil {
		return false
	}
	for _, rec := range records {
		if err := WriteString(w, rec.Hash); err != nil {
			return false
		}
		if err := WriteString(w, rec.Name); err != nil {
			return false
		}
		if err := writeInt64(w, rec.Size); err != nil {
			return false
		}
	}
	return true
}

func (s *Server) handleSize(w io.Writer, req FileSizeByHash) bool {
	rec, err := s.catalog.Lookup(req.Hash)
	if err != nil {
		WriteString(w, msgFileNotFound)
		return false
	}
	if err := WriteString(w, StatusOK); err != nil {
		return false
	}
	return writeInt64(w, rec.Size) == nil
}

func (s *Server) handleChunk(w *bufio.Writer, req ChunkRequest, peer string) bool {
	rc, err := s.catalog.OpenChunk(req.Hash, req.Offset, req.Length)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			WriteString(w, msgFileNotFound)
		} else {
			logging.Named("transfer").Warn("open chunk failed", logging.Hash(req.Hash), logging.Err(err))
			WriteString(w, msgInternalFailure)
		}
		return false
	}
	defer rc.Close()

	if err := WriteString(w, StatusOK); err != nil {
		return false
	}
	n, err := io.Copy(w, rc)
	metrics.RecordChunkServed(n)
	if err != nil || n < req.Length {
		logging.Named("transfer").Debug("chunk truncated",
			logging.Peer(peer),
			logging.Hash(req.Hash),
			logging.Int64("offset", req.Offset),
			logging.Int64("length", req.Length),
			logging.Int64("sent", n),
			logging.Err(err),
		)
		return false
	}
	return true
}
