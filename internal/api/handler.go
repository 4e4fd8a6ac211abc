package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/bellhop/internal/db"
	"github.com/lalithlochan/bellhop/internal/dispatch"
	"github.com/lalithlochan/bellhop/internal/inbox"
	"github.com/lalithlochan/bellhop/internal/sqs"
)

// Store defines the notification and subscription operations the API serves
type Store interface {
	inbox.Store
	CountUnread(ctx context.Context, scope db.Scope) (int, error)
	SavePushSubscription(ctx context.Context, sub *db.PushSubscription) error
	DeletePushSubscription(ctx context.Context, id uuid.UUID) error
}

// Dispatcher runs a dispatch synchronously
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// Enqueuer hands a dispatch to the queue worker
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, v any) (string, error)
}

// Options holds the optional handler dependencies
type Options struct {
	Queue     Enqueuer         // nil disables Prefer: respond-async
	Realtime  inbox.Subscriber // nil disables the stream endpoints
	FeedLimit int
	KeepAlive time.Duration
}

// DispatchResponse is the body of POST /v1/notifications/dispatch
type DispatchResponse struct {
	Success            bool       `json:"success"`
	Message            string     `json:"message"`
	NotificationID     *uuid.UUID `json:"notification_id,omitempty"`
	SubscriptionsFound *int       `json:"subscriptions_found,omitempty"`
	PushSent           *int       `json:"push_sent,omitempty"`
	Duplicate          bool       `json:"duplicate,omitempty"`
	QueueMessageID     string     `json:"queue_message_id,omitempty"`
}

// PushSubscriptionRequest is the body of POST /v1/push-subscriptions
type PushSubscriptionRequest struct {
	RecipientType db.RecipientType `json:"recipient_type"`
	RecipientID   string           `json:"recipient_id"`
	Platform      string           `json:"platform"`
	Endpoint      string           `json:"endpoint"`
	Keys          struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger     *zap.Logger
	store      Store
	dispatcher Dispatcher
	queue      Enqueuer
	realtime   inbox.Subscriber
	feedLimit  int
	keepAlive  time.Duration

	mu       sync.Mutex
	sessions map[string]*inbox.Cache
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, store Store, dispatcher Dispatcher, opts Options) *Handler {
	if opts.FeedLimit <= 0 {
		opts.FeedLimit = inbox.DefaultLimit
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 25 * time.Second
	}
	return &Handler{
		logger:     logger,
		store:      store,
		dispatcher: dispatcher,
		queue:      opts.Queue,
		realtime:   opts.Realtime,
		feedLimit:  opts.FeedLimit,
		keepAlive:  opts.KeepAlive,
		sessions:   make(map[string]*inbox.Cache),
	}
}

// Routes mounts the request/response endpoints on r
func (h *Handler) Routes(r chi.Router) {
	r.Post("/notifications/dispatch", h.DispatchNotification)
	r.Get("/notifications", h.ListNotifications)
	r.Patch("/notifications/{id}/read", h.MarkRead)
	r.Post("/notifications/read-all", h.MarkAllRead)

	r.Post("/notifications/stream/{session}/reconnect", h.ReconnectSession)
	r.Put("/notifications/stream/{session}/scope", h.SwitchSessionScope)

	r.Post("/push-subscriptions", h.SavePushSubscription)
	r.Delete("/push-subscriptions/{id}", h.DeletePushSubscription)
}

// StreamRoutes mounts the long-lived event stream on r
func (h *Handler) StreamRoutes(r chi.Router) {
	r.Get("/notifications/stream", h.Stream)
}

// DispatchNotification handles POST /v1/notifications/dispatch.
// A duplicate is a successful outcome and also answers 200.
// With "Prefer: respond-async" and a queue configured, the request is
// validated, enqueued and answered with 202.
func (h *Handler) DispatchNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req dispatch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, DispatchResponse{Message: "malformed JSON body"})
		return
	}

	if h.queue != nil && prefersAsync(r) {
		h.enqueueDispatch(w, r, req)
		return
	}

	req.Source = dispatch.SourceAPI
	result, err := h.dispatcher.Dispatch(ctx, req)
	if err != nil {
		if dispatch.IsValidation(err) {
			writeJSON(w, http.StatusBadRequest, DispatchResponse{Message: err.Error()})
			return
		}
		h.logStoreError("dispatch failed", err, zap.String("recipient_type", string(req.RecipientType)))
		writeJSON(w, http.StatusInternalServerError, DispatchResponse{Message: "failed to dispatch notification"})
		return
	}

	if !result.Persisted {
		writeJSON(w, http.StatusOK, DispatchResponse{
			Success:        true,
			Message:        "duplicate notification skipped",
			NotificationID: result.DuplicateOf,
			Duplicate:      true,
		})
		return
	}

	id := result.ID
	found, pushed := result.SubscriptionsFound, result.Pushed
	writeJSON(w, http.StatusOK, DispatchResponse{
		Success:            true,
		Message:            "notification dispatched",
		NotificationID:     &id,
		SubscriptionsFound: &found,
		PushSent:           &pushed,
	})
}

func (h *Handler) enqueueDispatch(w http.ResponseWriter, r *http.Request, req dispatch.Request) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, DispatchResponse{Message: err.Error()})
		return
	}

	msgID, err := h.queue.Enqueue(r.Context(), sqs.KindDispatch, req)
	if err != nil {
		h.logger.Error("failed to enqueue dispatch",
			zap.Error(err),
			zap.String("recipient_type", string(req.RecipientType)),
		)
		writeJSON(w, http.StatusInternalServerError, DispatchResponse{Message: "failed to enqueue notification"})
		return
	}

	w.Header().Set("Preference-Applied", "respond-async")
	writeJSON(w, http.StatusAccepted, DispatchResponse{
		Success:        true,
		Message:        "notification queued",
		QueueMessageID: msgID,
	})
}

// ListNotifications handles GET /v1/notifications?recipient_type=store&recipient_id=S1&limit=50
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	scope, ok := h.scopeParam(w, r)
	if !ok {
		return
	}

	limit := h.feedLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}

	notifications, err := h.store.ListForScope(ctx, scope, limit)
	if err != nil {
		h.logStoreError("failed to list notifications", err, zap.String("scope", scope.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	unread, err := h.store.CountUnread(ctx, scope)
	if err != nil {
		h.logStoreError("failed to count unread notifications", err, zap.String("scope", scope.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to count unread notifications", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":   notifications,
		"unread": unread,
		"count":  len(notifications),
		"limit":  limit,
	})
}

// MarkRead handles PATCH /v1/notifications/{id}/read.
// With ?session= the read goes through that stream session so its view
// updates optimistically.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	cache, ok := h.sessionParam(w, r)
	if !ok {
		return
	}
	if cache != nil {
		if err := cache.MarkRead(ctx, id); err != nil {
			h.writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "read": true})
		return
	}

	scope, ok := h.scopeParam(w, r)
	if !ok {
		return
	}

	if err := h.store.MarkRead(ctx, scope, id); err != nil {
		if db.IsNotFound(err) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logStoreError("failed to mark notification read", err, zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to mark notification read", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": id, "read": true})
}

// MarkAllRead handles POST /v1/notifications/read-all
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cache, ok := h.sessionParam(w, r)
	if !ok {
		return
	}
	if cache != nil {
		if err := cache.MarkAllRead(ctx); err != nil {
			h.writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"unread": cache.UnreadCount()})
		return
	}

	scope, ok := h.scopeParam(w, r)
	if !ok {
		return
	}

	updated, err := h.store.MarkAllRead(ctx, scope)
	if err != nil {
		h.logStoreError("failed to mark all read", err, zap.String("scope", scope.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to mark notifications read", "")
		return
	}

	h.logger.Info("notifications marked read",
		zap.String("scope", scope.String()),
		zap.Int64("updated", updated),
	)

	writeJSON(w, http.StatusOK, map[string]any{"updated": updated, "unread": 0})
}

// SavePushSubscription handles POST /v1/push-subscriptions.
// Registering a known endpoint again reactivates and rebinds it.
func (h *Handler) SavePushSubscription(w http.ResponseWriter, r *http.Request) {
	var req PushSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	req.RecipientID = strings.TrimSpace(req.RecipientID)
	req.Endpoint = strings.TrimSpace(req.Endpoint)
	if req.Platform == "" {
		req.Platform = db.PlatformWeb
	}

	switch {
	case !req.RecipientType.Valid():
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_type", "recipient_type must be store, admin, or customer")
		return
	case req.RecipientID == "":
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing recipient_id", "recipient_id is required")
		return
	case req.Platform != db.PlatformWeb && req.Platform != db.PlatformSNS:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid platform", "platform must be web or sns")
		return
	case req.Endpoint == "":
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing endpoint", "endpoint is required")
		return
	case req.Platform == db.PlatformWeb && (req.Keys.P256dh == "" || req.Keys.Auth == ""):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing keys", "web subscriptions require keys.p256dh and keys.auth")
		return
	}

	sub := &db.PushSubscription{
		ID:            uuid.New(),
		RecipientType: req.RecipientType,
		RecipientID:   req.RecipientID,
		Platform:      req.Platform,
		Endpoint:      req.Endpoint,
		Active:        true,
	}
	if req.Keys.P256dh != "" {
		sub.P256dh = &req.Keys.P256dh
	}
	if req.Keys.Auth != "" {
		sub.Auth = &req.Keys.Auth
	}

	if err := h.store.SavePushSubscription(r.Context(), sub); err != nil {
		h.logStoreError("failed to save push subscription", err, zap.String("platform", sub.Platform))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to save push subscription", "")
		return
	}

	h.logger.Info("push subscription saved",
		zap.String("id", sub.ID.String()),
		zap.String("recipient_type", string(sub.RecipientType)),
		zap.String("platform", sub.Platform),
	)

	writeJSON(w, http.StatusCreated, sub)
}

// DeletePushSubscription handles DELETE /v1/push-subscriptions/{id}
func (h *Handler) DeletePushSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid subscription ID", "ID must be a valid UUID")
		return
	}

	if err := h.store.DeletePushSubscription(r.Context(), id); err != nil {
		if db.IsNotFound(err) {
			h.writeError(w, http.StatusNotFound, "not_found", "Push subscription not found", "")
			return
		}
		h.logStoreError("failed to delete push subscription", err, zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to delete push subscription", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// scopeParam reads recipient_type and recipient_id from the query string and
// writes a 400 when they do not name a valid scope. Admin scopes need no ID.
func (h *Handler) scopeParam(w http.ResponseWriter, r *http.Request) (db.Scope, bool) {
	q := r.URL.Query()
	scope := db.Scope{
		Type: db.RecipientType(q.Get("recipient_type")),
		ID:   strings.TrimSpace(q.Get("recipient_id")),
	}
	if !scope.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid scope",
			"recipient_type must be store, admin, or customer and recipient_id is required for store and customer")
		return db.Scope{}, false
	}
	return scope, true
}

func (h *Handler) logStoreError(msg string, err error, fields ...zap.Field) {
	var se *db.StoreError
	if errors.As(err, &se) {
		fields = append(fields, se.Fields()...)
	} else {
		fields = append(fields, zap.Error(err))
	}
	h.logger.Error(msg, fields...)
}

func prefersAsync(r *http.Request) bool {
	for _, v := range r.Header.Values("Prefer") {
		for _, pref := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(pref), "respond-async") {
				return true
			}
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
