// Package transfer implements the node-to-node request/response protocol
// used to list a peer's catalog, look up file sizes and fetch chunks.
//
// Every request travels on its own TCP connection. Strings are framed as a
// big-endian uint16 byte length followed by UTF-8 bytes; integers are
// big-endian int32 (counts) or int64 (sizes, offsets, lengths).
package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
)

// Command tokens as they appear on the wire.
const (
	CmdListSharedFiles = "LIST_SHARED_FILES"
	CmdFileSizeByHash  = "REQUEST_FILE_SIZE_BY_HASH"
	CmdChunk           = "REQUEST_CHUNK"
)

// Response status strings.
const (
	StatusOK           = "OK"
	errorPrefix        = "ERROR:"
	msgFileNotFound    = "ERROR: File not found"
	msgUnknownCommand  = "ERROR: Unknown command"
	msgInternalFailure = "ERROR: Internal failure"
)

var (
	// ErrRemote is wrapped by errors the peer reported with an ERROR response.
	ErrRemote = errors.New("transfer: remote error")
	// ErrShortRead means the peer sent fewer chunk bytes than requested.
	ErrShortRead = errors.New("transfer: short read")
	// ErrStringTooLong means a string does not fit the 16-bit length prefix.
	ErrStringTooLong = errors.New("transfer: string exceeds 65535 bytes")
)

// Request is one of ListSharedFiles, FileSizeByHash or ChunkRequest.
type Request interface {
	Command() string
	isRequest()
}

// ListSharedFiles asks for the peer's whole catalog.
type ListSharedFiles struct{}

// FileSizeByHash asks for the size of the file with Hash.
type FileSizeByHash struct {
	Hash string
}

// ChunkRequest asks for Length bytes of Hash starting at Offset.
type ChunkRequest struct {
	Hash   string
	Offset int64
	Length int64
}

func (ListSharedFiles) Command() string { return CmdListSharedFiles }
func (FileSizeByHash) Command() string  { return CmdFileSizeByHash }
func (ChunkRequest) Command() string    { return CmdChunk }

func (ListSharedFiles) isRequest() {}
func (FileSizeByHash) isRequest()  {}
func (ChunkRequest) isRequest()    {}

// UnknownCommandError is returned by ReadRequest for an unrecognized token.
type UnknownCommandError struct {
	Command string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("transfer: unknown command %q", e.Command)
}

// RemoteFile is one entry of a peer's catalog listing.
type RemoteFile struct {
	Hash string `json:"hash"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// WriteRequest encodes req onto w.
func WriteRequest(w io.Writer, req Request) error {
	if err := WriteString(w, req.Command()); err != nil {
		return err
	}
	switch r := req.(type) {
	case ListSharedFiles:
		return nil
	case FileSizeByHash:
		return WriteString(w, r.Hash)
	case ChunkRequest:
		if err := WriteString(w, r.Hash); err != nil {
			return err
		}
		if err := writeInt64(w, r.Offset); err != nil {
			return err
		}
		return writeInt64(w, r.Length)
	default:
		return fmt.Errorf("transfer: unsupported request %T", req)
	}
}

// ReadRequest decodes one request from r.
func ReadRequest(r io.Reader) (Request, error) {
	cmd, err := ReadString(r)
	if err != nil {
		return nil, err
	}
	switch cmd {
	case CmdListSharedFiles:
		return ListSharedFiles{}, nil
	case CmdFileSizeByHash:
		hash, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		return FileSizeByHash{Hash: hash}, nil
	case CmdChunk:
		hash, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		offset, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		length, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		return ChunkRequest{Hash: hash, Offset: offset, Length: length}, nil
	default:
		return nil, &UnknownCommandError{Command: cmd}
	}
}

// WriteString writes s with a uint16 length prefix.
func WriteString(w io.Writer, s string) error {
	if len(s) > math.MaxUint16 {
		return ErrStringTooLong
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(s)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadString reads a uint16 length-prefixed string.
func ReadString(r io.Reader) (string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	buf := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeInt32(w io.Writer, v int32) error {
	return binary.Write(w, binary.BigEndian, v)
}

func readInt32(r io.Reader) (int32, error) {
	var v int32
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

func writeInt64(w io.Writer, v int64) error {
	return binary.Write(w, binary.BigEndian, v)
}

func readInt64(r io.Reader) (int64, error) {
	var v int64
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

// readStatus reads the response status string. Any ERROR response is
// returned as an error wrapping ErrRemote.
func readStatus(r io.Reader) error {
	status, err := ReadString(r)
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if status == StatusOK {
		return nil
	}
	if strings.HasPrefix(status, errorPrefix) {
		return fmt.Errorf("%w: %s", ErrRemote, strings.TrimSpace(strings.TrimPrefix(status, errorPrefix)))
	}
	return fmt.Errorf("%w: unexpected status %q", ErrRemote, status)
}
