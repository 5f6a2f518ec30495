package transfer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/fruitsalade/peershare/internal/metrics"
)

// Client issues requests against peers. Each call dials a fresh
// connection and closes it before returning.
type Client struct {
	DialTimeout time.Duration
	IOTimeout   time.Duration
}

// NewClient creates a client with the given timeouts. Zero disables a
// timeout.
func NewClient(dialTimeout, ioTimeout time.Duration) *Client {
	return &Client{DialTimeout: dialTimeout, IOTimeout: ioTimeout}
}

// ListCatalog returns every file the peer at addr shares.
func (c *Client) ListCatalog(ctx context.Context, addr string) ([]RemoteFile, error) {
	var files []RemoteFile
	err := c.do(ctx, addr, ListSharedFiles{}, func(r io.Reader) error {
		count, err := readInt32(r)
		if err != nil {
			return fmt.Errorf("read count: %w", err)
		}
		if count < 0 {
			return fmt.Errorf("%w: negative count %d", ErrRemote, count)
		}
		files = make([]RemoteFile, 0, min(int(count), 4096))
		for i := int32(0); i < count; i++ {
			var f RemoteFile
			if f.Hash, err = ReadString(r); err != nil {
				return fmt.Errorf("read entry %d: %w", i, err)
			}
			if f.Name, err = ReadString(r); err != nil {
				return fmt.Errorf("read entry %d: %w", i, err)
			}
			if f.Size, err = readInt64(r); err != nil {
				return fmt.Errorf("read entry %d: %w", i, err)
			}
			files = append(files, f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// SizeOf returns the size of the file with hash held by the peer at addr.
func (c *Client) SizeOf(ctx context.Context, addr, hash string) (int64, error) {
	var size int64
	err := c.do(ctx, addr, FileSizeByHash{Hash: hash}, func(r io.Reader) error {
		var err error
		size, err = readInt64(r)
		return err
	})
	if err != nil {
		return 0, err
	}
	return size, nil
}

// FetchChunk copies length bytes of hash starting at offset from the peer
// at addr into dst. Fewer bytes than requested is reported as ErrShortRead
// along with the count actually written.
func (c *Client) FetchChunk(ctx context.Context, addr, hash string, offset, length int64, dst io.Writer) (int64, error) {
	start := time.Now()
	var n int64
	err := c.do(ctx, addr, ChunkRequest{Hash: hash, Offset: offset, Length: length}, func(r io.Reader) error {
		var err error
		n, err = io.CopyN(dst, r, length)
		if n < length {
			if err == nil || err == io.EOF {
				return fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, n, length)
			}
			return fmt.Errorf("%w: got %d of %d bytes: %v", ErrShortRead, n, length, err)
		}
		return nil
	})
	metrics.RecordChunkFetch(n, time.Since(start), err == nil)
	return n, err
}

// do runs one request/response exchange on a new connection.
func (c *Client) do(ctx context.Context, addr string, req Request, read func(io.Reader) error) error {
	d := net.Dialer{Timeout: c.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if c.IOTimeout > 0 {
		deadline := time.Now().Add(c.IOTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		conn.SetDeadline(deadline)
	}
	// Unblock reads and writes if the caller gives up.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	w := bufio.NewWriter(conn)
	if err := WriteRequest(w, req); err != nil {
		return fmt.Errorf("write %s: %w", req.Command(), err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write %s: %w", req.Command(), err)
	}

	r := bufio.NewReader(conn)
	if err := readStatus(r); err != nil {
		return err
	}
	if err := read(r); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", req.Command(), ctxErr)
		}
		return err
	}
	return nil
}
