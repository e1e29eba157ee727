// Package api provides the workspace HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/workspace-sync/internal/auth"
	"github.com/fruitsalade/workspace-sync/internal/logging"
	"github.com/fruitsalade/workspace-sync/internal/metrics"
	"github.com/fruitsalade/workspace-sync/internal/watcher"
	"github.com/fruitsalade/workspace-sync/internal/workspace"
	"github.com/fruitsalade/workspace-sync/pkg/protocol"
)

// Options tunes the server.
type Options struct {
	MaxUploadSize int64
	KeepAlive     time.Duration
}

// Server is the HTTP server.
type Server struct {
	store *workspace.Store
	hub   *watcher.Hub
	auth  *auth.Auth

	maxUploadSize int64
	keepAlive     time.Duration
}

// NewServer creates a new server.
func NewServer(store *workspace.Store, hub *watcher.Hub, authHandler *auth.Auth, opts Options) *Server {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = 100 * 1024 * 1024
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	return &Server{
		store:         store,
		hub:           hub,
		auth:          authHandler,
		maxUploadSize: opts.MaxUploadSize,
		keepAlive:     opts.KeepAlive,
	}
}

// Handler returns the HTTP handler with auth, logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)

	protected := http.NewServeMux()
	protected.HandleFunc("GET /workspace/{id}", s.handleList)
	protected.HandleFunc("POST /workspace/{id}", s.handleUpload)
	protected.HandleFunc("DELETE /workspace/{id}", s.handleDeleteWorkspace)
	protected.HandleFunc("GET /workspace/{id}/watch", s.handleWatch)
	protected.HandleFunc("GET /workspace/{id}/files/{name}", s.handleServeFile)

	mux.Handle("/workspace/", s.auth.Middleware(protected))

	return metrics.Middleware(logging.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ─── Workspace ──────────────────────────────────────────────────────────────

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	id, r, ok := s.workspaceRequest(w, r)
	if !ok {
		return
	}

	files, err := s.store.List(id)
	if err != nil {
		s.ioError(w, r, "list", err)
		return
	}

	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.FileName)
	}
	s.sendJSON(w, names)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id, r, ok := s.workspaceRequest(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	mr, err := r.MultipartReader()
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "multipart body required")
		return
	}

	// The directory may have been deleted and recreated under open watch
	// sessions; re-arm their watch before the files land.
	if _, err := s.store.EnsureDirectory(id); err != nil {
		s.ioError(w, r, "upload", err)
		return
	}
	if err := s.hub.Refresh(id); err != nil {
		logging.WithContext(r.Context()).Warn("failed to re-arm watch", zap.Error(err))
	}

	n, err := s.store.HandleUpload(r.Context(), id, mr)
	metrics.RecordUpload(n, err == nil)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, workspace.ErrInvalidArgument):
			logging.WithContext(r.Context()).Warn("upload rejected", zap.Error(err))
			s.sendError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &tooLarge):
			s.sendError(w, http.StatusRequestEntityTooLarge, "upload exceeds maximum size")
		default:
			s.ioError(w, r, "upload", err)
		}
		return
	}

	logging.WithContext(r.Context()).Info("files uploaded", zap.Int("count", n))
	s.sendJSON(w, n)
}

func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	id, r, ok := s.workspaceRequest(w, r)
	if !ok {
		return
	}

	if err := s.store.RemoveAll(id); err != nil {
		s.ioError(w, r, "delete", err)
		return
	}
	logging.WithContext(r.Context()).Info("workspace removed")
	w.WriteHeader(http.StatusOK)
}

// ─── Files ──────────────────────────────────────────────────────────────────

func (s *Server) handleServeFile(w http.ResponseWriter, r *http.Request) {
	id, r, ok := s.workspaceRequest(w, r)
	if !ok {
		return
	}

	name := r.PathValue("name")
	path, err := s.store.ResolveFile(id, name)
	if err != nil {
		metrics.RecordDownload(http.StatusBadRequest)
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			metrics.RecordDownload(http.StatusNotFound)
			s.sendError(w, http.StatusNotFound, "file not found: "+name)
			return
		}
		metrics.RecordDownload(http.StatusInternalServerError)
		s.ioError(w, r, "open", err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		metrics.RecordDownload(http.StatusInternalServerError)
		s.ioError(w, r, "stat", err)
		return
	}
	if !info.Mode().IsRegular() {
		metrics.RecordDownload(http.StatusNotFound)
		s.sendError(w, http.StatusNotFound, "file not found: "+name)
		return
	}

	w.Header().Set("Content-Type", workspace.MimeType(name))
	http.ServeContent(w, r, name, info.ModTime(), f)
	metrics.RecordDownload(http.StatusOK)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// workspaceRequest parses the {id} path value and returns the request with a
// logger tagged by workspace and user. Only UUIDs are accepted, and the
// canonical form is used as the directory name.
func (s *Server) workspaceRequest(w http.ResponseWriter, r *http.Request) (string, *http.Request, bool) {
	u, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid workspace id")
		return "", r, false
	}
	id := u.String()

	var user string
	if claims := auth.GetClaims(r.Context()); claims != nil {
		user = claims.UserID()
	}
	return id, r.WithContext(logging.WithWorkspace(r.Context(), id, user)), true
}

func (s *Server) ioError(w http.ResponseWriter, r *http.Request, op string, err error) {
	logging.WithContext(r.Context()).Error("workspace io error",
		zap.String("op", op),
		zap.Error(err))
	s.sendError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
