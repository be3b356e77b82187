// Package httpapi serves the sync coordinator to local collaborators.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/deploystore/internal/docsync"
	"github.com/agentworkforce/deploystore/internal/document"
	"github.com/agentworkforce/deploystore/internal/remotestore"
	"github.com/agentworkforce/deploystore/internal/syncerr"
)

const (
	HeaderSource = "X-Deploystore-Source"
	HeaderStale  = "X-Deploystore-Stale"
)

// Coordinator is satisfied by *docsync.Coordinator.
type Coordinator interface {
	LoadAll(ctx context.Context) docsync.LoadResult
	Refresh(ctx context.Context) docsync.LoadResult
	SaveAll(ctx context.Context, doc document.Document, opts remotestore.WriteOptions) (remotestore.WriteReceipt, error)
	Status() docsync.Status
}

type ServerConfig struct {
	// APIToken, when set, is required as a bearer token on every /v1 route.
	APIToken        string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// Events serves GET /v1/events; nil disables the route.
	Events http.Handler
	Now    func() time.Time
}

type Server struct {
	coordinator Coordinator
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

type loadResponse struct {
	Document document.Document `json:"document"`
	Source   docsync.Source    `json:"source"`
	Stale    bool              `json:"stale"`
	CachedAt *time.Time        `json:"cachedAt,omitempty"`
	Error    string            `json:"error,omitempty"`
}

type saveResponse struct {
	Receipt      *remotestore.WriteReceipt `json:"receipt,omitempty"`
	LocalDurable bool                      `json:"localDurable"`
	Error        string                    `json:"error,omitempty"`
}

func NewServer(coordinator Coordinator, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{coordinator: coordinator, cfg: cfg, rateLimiter: limiter}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	var route string
	switch {
	case r.URL.Path == "/v1/document" && r.Method == http.MethodGet:
		route = "load"
	case r.URL.Path == "/v1/document" && r.Method == http.MethodPut:
		route = "save"
	case r.URL.Path == "/v1/document/refresh" && r.Method == http.MethodPost:
		route = "refresh"
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		route = "status"
	case r.URL.Path == "/v1/events" && r.Method == http.MethodGet && s.cfg.Events != nil:
		route = "events"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.APIToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), s.cfg.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "load":
		s.handleLoad(w, r)
	case "save":
		s.handleSave(w, r, correlationID)
	case "refresh":
		s.handleRefresh(w, r)
	case "status":
		writeJSON(w, http.StatusOK, s.coordinator.Status())
	case "events":
		s.cfg.Events.ServeHTTP(w, r)
	}
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	result := s.coordinator.LoadAll(r.Context())
	setLoadHeaders(w, result)
	writeJSON(w, http.StatusOK, result.Document)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	result := s.coordinator.Refresh(r.Context())
	setLoadHeaders(w, result)
	resp := loadResponse{Document: result.Document, Source: result.Source, Stale: result.Stale}
	if !result.CachedAt.IsZero() {
		cachedAt := result.CachedAt
		resp.CachedAt = &cachedAt
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	doc, err := document.Import(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_document", err.Error(), correlationID)
		return
	}
	opts := remotestore.WriteOptions{ExpectVersion: normalizeIfMatchHeader(r.Header.Get("If-Match"))}
	receipt, err := s.coordinator.SaveAll(r.Context(), doc, opts)
	if err == nil {
		w.Header().Set("ETag", strconv.Quote(receipt.Version))
		writeJSON(w, http.StatusOK, saveResponse{Receipt: &receipt, LocalDurable: true})
		return
	}

	// A SaveError means the document passed validation and reached the
	// write path; its wrapped kinds describe the platform, not the request.
	var saveErr *docsync.SaveError
	if errors.As(err, &saveErr) {
		switch {
		case !errors.Is(err, docsync.ErrRemoteSave):
			// Published, but the durable copy failed.
			writeJSON(w, http.StatusOK, saveResponse{Receipt: &receipt, LocalDurable: false, Error: err.Error()})
		case saveErr.LocalDurable:
			writeJSON(w, http.StatusAccepted, saveResponse{LocalDurable: true, Error: err.Error()})
		default:
			writeError(w, http.StatusBadGateway, "remote_unavailable", err.Error(), correlationID)
		}
		return
	}

	switch {
	case errors.Is(err, syncerr.ErrSchema):
		writeError(w, http.StatusBadRequest, "invalid_document", err.Error(), correlationID)
	case errors.Is(err, syncerr.ErrConflict):
		writeError(w, http.StatusPreconditionFailed, "precondition_failed", err.Error(), correlationID)
	default:
		writeError(w, http.StatusBadGateway, "remote_unavailable", err.Error(), correlationID)
	}
}

func setLoadHeaders(w http.ResponseWriter, result docsync.LoadResult) {
	w.Header().Set(HeaderSource, string(result.Source))
	w.Header().Set(HeaderStale, strconv.FormatBool(result.Stale))
	if result.Document.Version != "" {
		w.Header().Set("ETag", strconv.Quote(result.Document.Version))
	}
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
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

func normalizeIfMatchHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || value == "*" {
		return ""
	}
	if strings.HasPrefix(value, "W/") || strings.HasPrefix(value, "w/") {
		value = strings.TrimSpace(value[2:])
	}
	if len(value) >= 2 && strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"") {
		value = strings.TrimSpace(value[1 : len(value)-1])
	}
	return value
}
