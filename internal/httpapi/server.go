package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mbaechler/calgrace/internal/calendar"
	"github.com/mbaechler/calgrace/internal/davstore"
)

type ServerConfig struct {
	// Token is the static bearer token; empty disables authentication.
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	store       *davstore.Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *davstore.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *davstore.Store, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	correlationID := getCorrelationID(r)
	if authErr := authorizeBearer(r, s.cfg.Token); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "events" && r.Method == http.MethodGet:
		s.handleGetEvent(w, r, correlationID)
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "events" && r.Method == http.MethodPut:
		s.handlePutEvent(w, r, correlationID)
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "events" && r.Method == http.MethodDelete:
		s.handleDeleteEvent(w, r, correlationID)
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "calendars" && r.Method == http.MethodGet:
		s.handleListEvents(w, r, correlationID)
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "participation" && r.Method == http.MethodPost:
		s.handleParticipation(w, r, correlationID)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "tasks" && r.Method == http.MethodDelete:
		s.handleCancelTask(w, r, parts[2], correlationID)
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "push" && r.Method == http.MethodGet:
		s.handlePush(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request, correlationID string) {
	path, ok := objectPath(w, r, correlationID)
	if !ok {
		return
	}
	shell, err := s.store.GetEvent(r.Context(), path)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	w.Header().Set("ETag", shell.Etag)
	writeJSON(w, http.StatusOK, shell)
}

type listedEvent struct {
	Path  string               `json:"path"`
	Etag  string               `json:"etag"`
	Event *calendar.EventShell `json:"event"`
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	shells, err := s.store.ListEvents(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	listed := make([]listedEvent, 0, len(shells))
	for _, shell := range shells {
		listed = append(listed, listedEvent{Path: shell.Path, Etag: shell.Etag, Event: shell})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": listed})
}

func (s *Server) handlePutEvent(w http.ResponseWriter, r *http.Request, correlationID string) {
	path, ok := objectPath(w, r, correlationID)
	if !ok {
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateEventPayload(body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_event", err.Error(), correlationID)
		return
	}
	var shell calendar.EventShell
	if err := json.Unmarshal(body, &shell); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}

	etag := strings.TrimSpace(r.Header.Get("If-Match"))
	if etag == "" {
		res, err := s.store.CreateEvent(r.Context(), path, &shell)
		if err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
		if res.Event != nil {
			w.Header().Set("ETag", res.Event.Etag)
			writeJSON(w, http.StatusCreated, res.Event)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"taskId": res.TaskID})
		return
	}

	taskID, err := s.store.UpdateEvent(r.Context(), path, &shell, etag)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if taskID == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID})
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request, correlationID string) {
	path, ok := objectPath(w, r, correlationID)
	if !ok {
		return
	}
	etag := strings.TrimSpace(r.Header.Get("If-Match"))
	if etag == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing If-Match header", correlationID)
		return
	}
	taskID, err := s.store.DeleteEvent(r.Context(), path, etag)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if taskID == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID})
}

type participationRequest struct {
	Path  string               `json:"path"`
	Etag  string               `json:"etag"`
	Event *calendar.EventShell `json:"event"`
}

type participationResponse struct {
	Etag  string               `json:"etag"`
	Event *calendar.EventShell `json:"event"`
}

func (s *Server) handleParticipation(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req participationRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.Path == "" || req.Event == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "path and event are required", correlationID)
		return
	}
	raw, err := json.Marshal(req.Event)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	if err := validateEventPayload(raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_event", err.Error(), correlationID)
		return
	}
	res, err := s.store.ChangeParticipation(r.Context(), req.Path, req.Event, req.Etag)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, participationResponse{Etag: res.Event.Etag, Event: res.Event})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request, taskID, correlationID string) {
	status, err := s.store.CancelTask(r.Context(), taskID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	state := "cancelled"
	if status == calendar.CancelAlreadyCommitted {
		state = "committed"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": state})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	var conflict *calendar.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusPreconditionFailed, map[string]any{
			"code":          "version_conflict",
			"message":       conflict.Error(),
			"etag":          conflict.Etag,
			"current":       conflict.Current,
			"correlationId": correlationID,
		})
	case errors.Is(err, calendar.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "event not found", correlationID)
	case errors.Is(err, calendar.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, calendar.ErrClientClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "store is shutting down", correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
	}
}

func objectPath(w http.ResponseWriter, r *http.Request, correlationID string) (string, bool) {
	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if path == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing path query parameter", correlationID)
		return "", false
	}
	return path, true
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
