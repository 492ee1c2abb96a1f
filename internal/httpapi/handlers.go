// Package httpapi serves the REST collaborator surface next to the WebSocket
// gateway: paginated history, full-text search, health, stats, and metrics.
// The history endpoint is what clients call to resynchronise after reconnect.
package httpapi

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"pulsechat/broker/internal/chat"
	"pulsechat/broker/internal/logging"
	"pulsechat/broker/internal/store"
)

// HistoryProvider exposes the store operations the REST surface needs.
type HistoryProvider interface {
	Page(page, limit int) ([]*chat.Message, store.Pagination, error)
	Search(query string, limit int) ([]*chat.Message, error)
}

// Stats is the operational snapshot served at /api/stats.
type Stats struct {
	Clients    int    `json:"clients"`
	Identities int    `json:"identities"`
	Broadcasts uint64 `json:"broadcasts"`
}

// StatsFunc returns cumulative gateway statistics.
type StatsFunc func() Stats

// Options configures the HandlerSet.
type Options struct {
	Logger          *zap.Logger
	History         HistoryProvider
	Stats           StatsFunc
	Metrics         http.Handler
	DefaultPageSize int
	MaxPageSize     int
}

// HandlerSet bundles the REST handlers.
type HandlerSet struct {
	logger          *zap.Logger
	history         HistoryProvider
	stats           StatsFunc
	metrics         http.Handler
	defaultPageSize int
	maxPageSize     int
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	defaultPageSize := opts.DefaultPageSize
	if defaultPageSize <= 0 {
		defaultPageSize = 50
	}
	maxPageSize := opts.MaxPageSize
	if maxPageSize <= 0 {
		maxPageSize = 200
	}
	return &HandlerSet{
		logger:          logger,
		history:         opts.History,
		stats:           opts.Stats,
		metrics:         opts.Metrics,
		defaultPageSize: defaultPageSize,
		maxPageSize:     maxPageSize,
	}
}

// Register attaches all handlers to the provided router.
func (h *HandlerSet) Register(r *mux.Router) {
	if h == nil || r == nil {
		return
	}
	r.HandleFunc("/messages", h.HistoryHandler).Methods(http.MethodGet)
	r.HandleFunc("/messages/search", h.SearchHandler).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", h.StatsHandler).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics).Methods(http.MethodGet)
	}
}

type historyResponse struct {
	Messages   []*chat.Message  `json:"messages"`
	Pagination store.Pagination `json:"pagination"`
}

// HistoryHandler serves GET /messages?page&limit.
func (h *HandlerSet) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}
	page := atoiDefault(r.URL.Query().Get("page"), 1)
	limit := atoiDefault(r.URL.Query().Get("limit"), h.defaultPageSize)
	if limit > h.maxPageSize {
		limit = h.maxPageSize
	}

	messages, pagination, err := h.history.Page(page, limit)
	if err != nil {
		h.logger.Error("history fetch failed", zap.Int("page", page), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if messages == nil {
		messages = []*chat.Message{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Messages: messages, Pagination: pagination})
}

// SearchHandler serves GET /messages/search?q&limit.
func (h *HandlerSet) SearchHandler(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "search unavailable")
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}
	limit := atoiDefault(r.URL.Query().Get("limit"), h.defaultPageSize)
	if limit > h.maxPageSize {
		limit = h.maxPageSize
	}

	matches, err := h.history.Search(query, limit)
	if err != nil {
		h.logger.Error("search failed", zap.String("query", query), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	if matches == nil {
		matches = []*chat.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": matches})
}

// HealthHandler reports process liveness.
func (h *HandlerSet) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatsHandler serves cumulative gateway statistics.
func (h *HandlerSet) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	if h.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, h.stats())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func atoiDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

// clientKey extracts the remote host for per-client rate limiting.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RequestLogger logs one line per request at debug level.
func RequestLogger(logger *zap.Logger) mux.MiddlewareFunc {
	if logger == nil {
		logger = logging.L()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("elapsed", time.Since(start)),
			)
		})
	}
}
