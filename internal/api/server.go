// Package api exposes the operator controls of a node over HTTP/JSON,
// plus a server-sent event stream and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fruitsalade/peershare/internal/catalog"
	"github.com/fruitsalade/peershare/internal/discovery"
	"github.com/fruitsalade/peershare/internal/download"
	"github.com/fruitsalade/peershare/internal/events"
	"github.com/fruitsalade/peershare/internal/logging"
	"github.com/fruitsalade/peershare/internal/metrics"
	"github.com/fruitsalade/peershare/internal/node"
)

// Controller is the node surface the API drives. *node.Node satisfies it.
type Controller interface {
	Status() node.Status
	SetSharedFolder(path string) error
	SetDownloadFolder(path string) error
	SetRootOnly(enabled bool)
	AddExcludedFolder(dir string) error
	RemoveExcludedFolder(dir string)
	AddExcludedMask(mask string) error
	RemoveExcludedMask(mask string)
	EnableAutoShare(enabled bool)
	Connect(ctx context.Context) error
	Disconnect() error
	StartDownload(hash string) error
	FoundFiles() []download.FoundEntry
	ActiveDownloads() []download.State
	Peers() []discovery.Peer
	SharedFiles() []catalog.Record
	FindShared(name string) (catalog.Record, error)
	Events() *events.Broadcaster
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

type pathRequest struct {
	Path string `json:"path"`
}

type maskRequest struct {
	Mask string `json:"mask"`
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

// Server is the operator HTTP server.
type Server struct {
	node Controller
}

// NewServer creates a server over n.
func NewServer(n Controller) *Server {
	return &Server{node: n}
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)

	// Folders and policy
	mux.HandleFunc("PUT /api/v1/folders/shared", s.handleSetShared)
	mux.HandleFunc("PUT /api/v1/folders/download", s.handleSetDownload)
	mux.HandleFunc("PUT /api/v1/policy/root-only", s.handleRootOnly)
	mux.HandleFunc("PUT /api/v1/policy/auto-share", s.handleAutoShare)
	mux.HandleFunc("POST /api/v1/policy/folders", s.handleAddFolder)
	mux.HandleFunc("DELETE /api/v1/policy/folders", s.handleRemoveFolder)
	mux.HandleFunc("POST /api/v1/policy/masks", s.handleAddMask)
	mux.HandleFunc("DELETE /api/v1/policy/masks", s.handleRemoveMask)

	// Lifecycle
	mux.HandleFunc("POST /api/v1/connect", s.handleConnect)
	mux.HandleFunc("POST /api/v1/disconnect", s.handleDisconnect)

	// Content
	mux.HandleFunc("GET /api/v1/found", s.handleFound)
	mux.HandleFunc("GET /api/v1/downloads", s.handleDownloads)
	mux.HandleFunc("POST /api/v1/downloads/{hash}", s.handleStartDownload)
	mux.HandleFunc("GET /api/v1/peers", s.handlePeers)
	mux.HandleFunc("GET /api/v1/shared", s.handleShared)

	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.Handle("GET /metrics", metrics.Handler())

	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) handleSetShared(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.node.SetSharedFolder(req.Path); err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) handleSetDownload(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.node.SetDownloadFolder(req.Path); err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) handleRootOnly(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if !decode(w, r, &req) {
		return
	}
	s.node.SetRootOnly(req.Enabled)
	writeJSON(w, http.StatusOK, s.node.Status().Policy)
}

func (s *Server) handleAutoShare(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if !decode(w, r, &req) {
		return
	}
	s.node.EnableAutoShare(req.Enabled)
	writeJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) handleAddFolder(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.node.AddExcludedFolder(req.Path); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.node.Status().Policy)
}

func (s *Server) handleRemoveFolder(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if !decode(w, r, &req) {
		return
	}
	s.node.RemoveExcludedFolder(req.Path)
	writeJSON(w, http.StatusOK, s.node.Status().Policy)
}

func (s *Server) handleAddMask(w http.ResponseWriter, r *http.Request) {
	var req maskRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.node.AddExcludedMask(req.Mask); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.node.Status().Policy)
}

func (s *Server) handleRemoveMask(w http.ResponseWriter, r *http.Request) {
	var req maskRequest
	if !decode(w, r, &req) {
		return
	}
	s.node.RemoveExcludedMask(req.Mask)
	writeJSON(w, http.StatusOK, s.node.Status().Policy)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.node.Connect(r.Context()); err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.node.Disconnect(); err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) handleFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.FoundFiles())
}

func (s *Server) handleDownloads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.ActiveDownloads())
}

func (s *Server) handleStartDownload(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	if err := s.node.StartDownload(hash); err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"hash": hash, "status": "started"})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Peers())
}

func (s *Server) handleShared(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("name"); name != "" {
		rec, err := s.node.FindShared(name)
		if err != nil {
			s.sendError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}
	writeJSON(w, http.StatusOK, s.node.SharedFiles())
}

// handleEvents streams node events as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	b := s.node.Events()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	log := logging.WithContext(r.Context())
	log.Debug("SSE client connected", logging.String("remote", r.RemoteAddr))

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug("SSE client disconnected", logging.String("remote", r.RemoteAddr))
			return
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				log.Warn("failed to marshal event", logging.Err(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\n", event.Type)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, ErrorResponse{Error: message, Code: code})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, node.ErrInvalidFolder):
		return http.StatusBadRequest
	case errors.Is(err, node.ErrAlreadyConnected), errors.Is(err, node.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, download.ErrNoOwners), errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, download.ErrNoRoot):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body", Code: http.StatusBadRequest})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
