package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/workspace-sync/internal/events"
	"github.com/fruitsalade/workspace-sync/internal/logging"
	"github.com/fruitsalade/workspace-sync/internal/metrics"
	"github.com/fruitsalade/workspace-sync/internal/watcher"
	"github.com/fruitsalade/workspace-sync/pkg/protocol"
)

// handleWatch streams workspace changes as Server-Sent Events. The stream
// opens with one event per existing file, then carries changes until the
// client disconnects or the server shuts down.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	id, r, ok := s.workspaceRequest(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	if _, err := s.store.EnsureDirectory(id); err != nil {
		s.ioError(w, r, "watch", err)
		return
	}

	// Subscribe before listing so a file created in between is reported at
	// least once instead of being missed.
	sub, err := s.hub.Subscribe(id)
	if err != nil {
		if errors.Is(err, watcher.ErrWatcher) {
			logging.WithContext(r.Context()).Error("failed to start watch", zap.Error(err))
		}
		s.sendError(w, http.StatusInternalServerError, "failed to watch workspace")
		return
	}
	defer sub.Close()

	files, err := s.store.List(id)
	if err != nil {
		s.ioError(w, r, "watch", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	metrics.SSEConnectionOpened()
	defer metrics.SSEConnectionClosed()

	logger := logging.WithContext(r.Context())
	logger.Debug("watch stream opened", zap.Int("initial_files", len(files)))

	for _, f := range files {
		if err := events.WriteEvent(w, protocol.EventChanged, f); err != nil {
			logger.Debug("watch stream closed during sync", zap.Error(err))
			return
		}
		metrics.RecordSSEEvent("sync")
	}
	flusher.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("watch stream closed by client")
			return
		case ev, ok := <-sub.Events():
			if !ok {
				logger.Debug("watch stream closed by server")
				return
			}
			name := protocol.EventChanged
			if ev.Kind == watcher.KindRemoved {
				name = protocol.EventRemoved
			}
			if err := events.WriteEvent(w, name, ev.File); err != nil {
				logger.Debug("watch stream write failed", zap.Error(err))
				return
			}
			flusher.Flush()
			metrics.RecordSSEEvent(string(ev.Kind))
			ticker.Reset(s.keepAlive)
		case <-ticker.C:
			if err := events.WriteComment(w, protocol.KeepAliveComment); err != nil {
				logger.Debug("watch stream write failed", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}
