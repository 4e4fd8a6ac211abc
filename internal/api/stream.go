package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/bellhop/internal/db"
	"github.com/lalithlochan/bellhop/internal/inbox"
	"github.com/lalithlochan/bellhop/internal/metrics"
)

// Stream handles GET /v1/notifications/stream as server-sent events.
//
// Each stream is one inbox session. The first event is "session" carrying
// the id other endpoints accept as ?session=. Every later event is an inbox
// change named by its kind: snapshot, insert, read, status or error.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.realtime == nil {
		h.writeError(w, http.StatusServiceUnavailable, "realtime_unavailable", "Realtime updates are not enabled", "")
		return
	}

	scope, ok := h.scopeParam(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming is not supported", "")
		return
	}

	cache := inbox.New(h.store, h.realtime, scope, h.feedLimit, h.logger)
	if err := cache.Mount(ctx); err != nil {
		cache.Close()
		h.logStoreError("failed to mount inbox session", err, zap.String("scope", scope.String()))
		h.writeError(w, http.StatusBadGateway, "inbox_unavailable", "Failed to load notifications", "")
		return
	}

	id := h.register(cache)
	defer h.unregister(id)

	metrics.AddInboxSessions(1)
	defer metrics.AddInboxSessions(-1)

	h.logger.Info("inbox session opened",
		zap.String("session_id", id),
		zap.String("scope", scope.String()),
	)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Session-ID", id)
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "session", map[string]string{"session_id": id}); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("inbox session closed", zap.String("session_id", id))
			return
		case change, ok := <-cache.Changes():
			if !ok {
				return
			}
			if err := writeEvent(w, string(change.Kind), change); err != nil {
				h.logger.Debug("stream write failed", zap.String("session_id", id), zap.Error(err))
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// ReconnectSession handles POST /v1/notifications/stream/{session}/reconnect
func (h *Handler) ReconnectSession(w http.ResponseWriter, r *http.Request) {
	cache, ok := h.session(chi.URLParam(r, "session"))
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "Session not found", "")
		return
	}

	restarted := cache.Reconnect()
	status := http.StatusAccepted
	if !restarted {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{"reconnecting": restarted})
}

// SwitchSessionScope handles PUT /v1/notifications/stream/{session}/scope.
// The session drops everything from its old scope and reloads.
func (h *Handler) SwitchSessionScope(w http.ResponseWriter, r *http.Request) {
	cache, ok := h.session(chi.URLParam(r, "session"))
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "Session not found", "")
		return
	}

	var scope db.Scope
	if err := json.NewDecoder(r.Body).Decode(&scope); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	scope.ID = strings.TrimSpace(scope.ID)
	if !scope.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid scope",
			"recipient_type must be store, admin, or customer and recipient_id is required for store and customer")
		return
	}

	if err := cache.SwitchScope(r.Context(), scope); err != nil {
		h.writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"scope":  scope,
		"unread": cache.UnreadCount(),
	})
}

// sessionParam resolves ?session=. It returns nil and true when none is given
// and writes a 404 when the id is unknown.
func (h *Handler) sessionParam(w http.ResponseWriter, r *http.Request) (*inbox.Cache, bool) {
	id := r.URL.Query().Get("session")
	if id == "" {
		return nil, true
	}
	cache, ok := h.session(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "Session not found", "")
		return nil, false
	}
	return cache, true
}

// writeSessionError maps inbox failures. A persistence failure leaves the
// session's optimistic state in place.
func (h *Handler) writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, inbox.ErrClosed) {
		h.writeError(w, http.StatusGone, "session_closed", "Session is closed", "")
		return
	}
	if db.IsNotFound(err) {
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}
	h.logStoreError("inbox session write failed", err)
	h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to persist read state",
		"the session view keeps the change and reconciles on the next refresh")
}

func (h *Handler) register(cache *inbox.Cache) string {
	id := uuid.NewString()
	h.mu.Lock()
	h.sessions[id] = cache
	h.mu.Unlock()
	return id
}

func (h *Handler) unregister(id string) {
	h.mu.Lock()
	cache := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if cache != nil {
		cache.Close()
	}
}

func (h *Handler) session(id string) (*inbox.Cache, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cache, ok := h.sessions[id]
	return cache, ok
}

// CloseSessions ends every open stream session
func (h *Handler) CloseSessions() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*inbox.Cache)
	h.mu.Unlock()
	for _, cache := range sessions {
		cache.Close()
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
