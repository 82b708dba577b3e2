package feedapi

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harborview/notifeed/internal/notifeed"
)

type ServerConfig struct {
	APIToken        string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Server is the local HTTP surface a UI renders the feed from. It is
// a thin layer over the session: all ordering, dedup, and mutation
// semantics live there.
type Server struct {
	session     *notifeed.Session
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

func NewServer(session *notifeed.Session) *Server {
	return NewServerWithConfig(session, ServerConfig{})
}

func NewServerWithConfig(session *notifeed.Session, cfg ServerConfig) *Server {
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
		session:     session,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")

	var route string
	switch {
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "feed" && r.Method == http.MethodGet:
		route = "feed"
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "feed" && r.Method == http.MethodDelete:
		route = "clear_all"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "feed" && parts[2] == "unread-count" && r.Method == http.MethodGet:
		route = "unread_count"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "feed" && parts[2] == "stream" && r.Method == http.MethodGet:
		route = "stream"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "feed" && parts[2] == "refresh" && r.Method == http.MethodPost:
		route = "refresh"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "feed" && parts[2] == "read-all" && r.Method == http.MethodPost:
		route = "read_all"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "feed" && parts[3] == "read" && r.Method == http.MethodPost:
		route = "read"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "feed" && !reservedFeedPath(parts[2]) && r.Method == http.MethodDelete:
		route = "delete"
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "status" && r.Method == http.MethodGet:
		route = "status"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "status" && parts[2] == "dismiss-error" && r.Method == http.MethodPost:
		route = "dismiss_error"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}

	if r.ContentLength > s.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	if authErr := authorizeBearer(bearerHeader(r, route), s.cfg.APIToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return
	}

	switch route {
	case "feed":
		s.handleFeed(w, r)
	case "unread_count":
		s.handleUnreadCount(w, r)
	case "stream":
		s.handleStream(w, r)
	case "refresh":
		s.handleRefresh(w, r)
	case "read":
		s.handleMarkRead(w, r, parts[2])
	case "read_all":
		s.handleMarkAllRead(w, r)
	case "delete":
		s.handleDelete(w, r, parts[2])
	case "clear_all":
		s.handleClearAll(w, r)
	case "status":
		writeJSON(w, http.StatusOK, s.session.Status())
	case "dismiss_error":
		s.session.DismissError()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

// reservedFeedPath reports whether a /v1/feed sub-path is a named
// operation rather than a record ID. Keeps DELETE /v1/feed/stream and
// friends from being treated as delete-by-id requests.
func reservedFeedPath(name string) bool {
	switch name {
	case "unread-count", "stream", "refresh", "read-all":
		return true
	}
	return false
}

// bearerHeader resolves the credential for a route. Browsers cannot
// set headers on a websocket upgrade, so the stream route also accepts
// the token as a query parameter.
func bearerHeader(r *http.Request, route string) string {
	header := r.Header.Get("Authorization")
	if header == "" && route == "stream" {
		if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
			header = "Bearer " + token
		}
	}
	return header
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

type feedPage struct {
	Records     []notifeed.Notification `json:"records"`
	UnreadCount int                     `json:"unreadCount"`
	NextCursor  *string                 `json:"nextCursor"`
}

// handleFeed serves the feed in display order with cursor pagination
// and optional category/isRead filters. The cursor is the ID of the
// last record of the previous page, resolved within the filtered view.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 50, 1, 500)
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	category := strings.TrimSpace(r.URL.Query().Get("category"))
	var isRead *bool
	if raw := strings.TrimSpace(r.URL.Query().Get("isRead")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid isRead")
			return
		}
		isRead = &parsed
	}

	records := s.session.Feed().Records()
	if category != "" || isRead != nil {
		filtered := records[:0]
		for _, n := range records {
			if category != "" && string(n.Category) != category {
				continue
			}
			if isRead != nil && n.IsRead != *isRead {
				continue
			}
			filtered = append(filtered, n)
		}
		records = filtered
	}
	start := 0
	if cursor != "" {
		found := false
		for i, n := range records {
			if n.ID == cursor {
				start = i + 1
				found = true
				break
			}
		}
		if !found {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid cursor")
			return
		}
	}
	end := start + limit
	if end > len(records) {
		end = len(records)
	}
	page := records[start:end]
	var nextCursor *string
	if end < len(records) && len(page) > 0 {
		next := page[len(page)-1].ID
		nextCursor = &next
	}
	writeJSON(w, http.StatusOK, feedPage{
		Records:     page,
		UnreadCount: s.session.Feed().UnreadCount(),
		NextCursor:  nextCursor,
	})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"unreadCount": s.session.Feed().UnreadCount(),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	filter := notifeed.HistoryFilter{}
	if category := strings.TrimSpace(r.URL.Query().Get("category")); category != "" {
		c := notifeed.Category(category)
		filter.Category = &c
	}
	if isReadRaw := strings.TrimSpace(r.URL.Query().Get("isRead")); isReadRaw != "" {
		isRead, err := strconv.ParseBool(isReadRaw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid isRead")
			return
		}
		filter.IsRead = &isRead
	}
	if err := s.session.Refresh(r.Context(), filter); err != nil {
		if errors.Is(err, notifeed.ErrStaleResponse) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "superseded"})
			return
		}
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"feedSize": s.session.Feed().Len(),
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.session.MarkAsRead(r.Context(), id); err != nil {
		s.writeMutationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"unreadCount": s.session.Feed().UnreadCount(),
	})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	if err := s.session.MarkAllAsRead(r.Context()); err != nil {
		s.writeMutationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"unreadCount": s.session.Feed().UnreadCount(),
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.session.DeleteNotification(r.Context(), id); err != nil {
		s.writeMutationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"feedSize": s.session.Feed().Len(),
	})
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	if err := s.session.ClearAllNotifications(r.Context()); err != nil {
		s.writeMutationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"feedSize": s.session.Feed().Len(),
	})
}

// writeMutationError maps a failed mutation to a response. Under the
// no-rollback policy the optimistic local change already took effect;
// 202 tells the caller the view changed even though the backend call
// failed.
func (s *Server) writeMutationError(w http.ResponseWriter, err error) {
	if errors.Is(err, notifeed.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if errors.Is(err, notifeed.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "applied_locally",
		"error":       err.Error(),
		"unreadCount": s.session.Feed().UnreadCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
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

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
