// Package httpx exposes the orchestrator's admin and observability surface:
// group management, fleet status, daily statistics, cache controls, and the
// live metric stream.
package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spamshield/platform/internal/configcache"
	"github.com/spamshield/platform/internal/domain"
	"github.com/spamshield/platform/internal/metrics"
	"github.com/spamshield/platform/internal/orchestrator"
	"github.com/spamshield/platform/internal/repository"
	"github.com/spamshield/platform/internal/stream"
)

const healthCheckTimeout = 2 * time.Second

// Controller is the orchestrator surface the router drives.
type Controller interface {
	Status() orchestrator.Status
	AddGroup(ctx context.Context, group *domain.Group) error
	RemoveGroup(ctx context.Context, groupID string) error
	TriggerReconcile()
}

// Router wires admin HTTP endpoints to the orchestrator and its stores.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	ctrl       Controller
	groups     repository.GroupRepository
	stats      repository.StatsRepository
	cache      *configcache.Cache
	collector  *metrics.Collector
	hub        *stream.Hub
	upgrader   websocket.Upgrader
	adminToken string
	dbHealth   func(context.Context) error
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, ctrl Controller, groups repository.GroupRepository, stats repository.StatsRepository, cache *configcache.Cache, collector *metrics.Collector, hub *stream.Hub, adminToken string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		ctrl:      ctrl,
		groups:    groups,
		stats:     stats,
		cache:     cache,
		collector: collector,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		adminToken: strings.TrimSpace(adminToken),
		dbHealth:   dbHealth,
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/status", r.audit(r.withAdminToken(r.handleStatus)))
	r.mux.HandleFunc("/summary", r.audit(r.withAdminToken(r.handleSummary)))
	r.mux.HandleFunc("/groups", r.audit(r.withAdminToken(r.handleGroups)))
	r.mux.HandleFunc("/groups/", r.audit(r.withAdminToken(r.handleGroupSubroutes)))
	r.mux.HandleFunc("/cache/stats", r.audit(r.withAdminToken(r.handleCacheStats)))
	r.mux.HandleFunc("/cache/reload", r.audit(r.withAdminToken(r.handleCacheReload)))
	r.mux.HandleFunc("/reconcile", r.audit(r.withAdminToken(r.handleReconcile)))
	r.mux.HandleFunc("/ws/metrics", r.audit(r.withAdminToken(r.handleMetricsWS)))
	r.mux.HandleFunc("/sse/metrics", r.audit(r.withAdminToken(r.handleMetricsSSE)))
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.ctrl.Status())
}

func (r *Router) handleSummary(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	summary, err := r.collector.Summary(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (r *Router) handleGroups(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			GroupID   string `json:"group_id"`
			GroupName string `json:"group_name"`
			OwnerID   string `json:"owner_id"`
			OwnerName string `json:"owner_name"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		payload.GroupID = strings.TrimSpace(payload.GroupID)
		if payload.GroupID == "" {
			writeError(w, http.StatusBadRequest, "group_id is required")
			return
		}
		group := &domain.Group{
			ID:        payload.GroupID,
			Name:      payload.GroupName,
			OwnerID:   payload.OwnerID,
			OwnerName: payload.OwnerName,
		}
		if err := r.ctrl.AddGroup(req.Context(), group); err != nil {
			writeRepoError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "monitoring"})
	case http.MethodGet:
		groups, err := r.groups.ListActiveGroups(req.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, groups)
	default:
		methodNotAllowed(w)
	}
}

func (r *Router) handleGroupSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/groups/")
	parts := strings.Split(trimmed, "/")
	groupID := parts[0]
	if groupID == "" {
		notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleGroup(w, req, groupID)
	case len(parts) == 2 && parts[1] == "config":
		r.handleGroupConfig(w, req, groupID)
	case len(parts) == 2 && parts[1] == "stats":
		r.handleGroupStats(w, req, groupID)
	case len(parts) == 2 && parts[1] == "realtime":
		r.handleGroupRealtime(w, req, groupID)
	default:
		notFound(w)
	}
}

func (r *Router) handleGroup(w http.ResponseWriter, req *http.Request, groupID string) {
	switch req.Method {
	case http.MethodGet:
		group, err := r.groups.GetGroup(req.Context(), groupID)
		if err != nil {
			writeRepoError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, group)
	case http.MethodDelete:
		if err := r.ctrl.RemoveGroup(req.Context(), groupID); err != nil {
			writeRepoError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	default:
		methodNotAllowed(w)
	}
}

// handleGroupConfig reads or replaces a group's tunables. Updates invalidate
// the distributed config cache so workers converge on the next scan.
func (r *Router) handleGroupConfig(w http.ResponseWriter, req *http.Request, groupID string) {
	switch req.Method {
	case http.MethodGet:
		cfg, err := r.cache.Get(req.Context(), groupID)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, configPayloadFrom(cfg))
	case http.MethodPut:
		var payload configPayload
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		cfg := payload.toDomain(groupID)
		cfg.Normalize()
		if err := r.groups.UpsertGroupConfig(req.Context(), &cfg); err != nil {
			writeRepoError(w, err)
			return
		}
		if err := r.cache.Invalidate(req.Context(), groupID); err != nil {
			r.logger.Warn("config cache invalidation failed", "group_id", groupID, "error", err)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	default:
		methodNotAllowed(w)
	}
}

func (r *Router) handleGroupStats(w http.ResponseWriter, req *http.Request, groupID string) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	days, _ := strconv.Atoi(req.URL.Query().Get("days"))
	if days <= 0 {
		days = 7
	}
	to := time.Now().UTC().Truncate(24 * time.Hour)
	from := to.AddDate(0, 0, -days+1)
	stats, err := r.stats.ListDailyStats(req.Context(), groupID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handleGroupRealtime(w http.ResponseWriter, req *http.Request, groupID string) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.collector.Realtime(groupID))
}

func (r *Router) handleCacheStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.cache.Stats())
}

func (r *Router) handleCacheReload(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := r.cache.ReloadAll(req.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (r *Router) handleReconcile(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	r.ctrl.TriggerReconcile()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (r *Router) handleMetricsWS(w http.ResponseWriter, req *http.Request) {
	topic := req.URL.Query().Get("group_id")
	if topic == "" {
		topic = stream.TopicAll
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := stream.NewWSClient(conn, r.logger)
	r.hub.Register(topic, client)
	go func() {
		defer func() {
			r.hub.Unregister(topic, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleMetricsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	topic := req.URL.Query().Get("group_id")
	if topic == "" {
		topic = stream.TopicAll
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	client := stream.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(topic, client)
	defer func() {
		r.hub.Unregister(topic, client)
		client.Close()
	}()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-heartbeat.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// withAdminToken guards admin routes with the configured shared secret.
func (r *Router) withAdminToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		expected := r.adminToken
		if expected == "" {
			r.logger.Error("admin token not configured", "path", req.URL.Path)
			writeError(w, http.StatusInternalServerError, "admin authentication misconfigured")
			return
		}
		token := strings.TrimSpace(req.Header.Get("X-Admin-Token"))
		if token == "" {
			token = strings.TrimSpace(req.URL.Query().Get("admin_token"))
		}
		if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			r.logger.Warn("admin token mismatch", "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next(w, req)
	}
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

// configPayload is the JSON shape of group configuration on the wire.
type configPayload struct {
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	CheckIntervalSecs   int      `json:"check_interval_seconds"`
	AutoDelete          bool     `json:"auto_delete"`
	NotifyOnRemoval     bool     `json:"notify_on_removal"`
	NotifyAdmins        bool     `json:"notify_admins"`
	SendStartupMessage  bool     `json:"send_startup_message"`
	MaxMessageAgeHours  int      `json:"max_message_age_hours"`
	BatchSize           int      `json:"batch_size"`
	RateLimitPerMinute  int      `json:"rate_limit_per_minute"`
	ModelVersion        string   `json:"model_version"`
	CustomKeywords      []string `json:"custom_keywords"`
	WhitelistUsers      []string `json:"whitelist_users"`
}

func configPayloadFrom(cfg domain.GroupConfig) configPayload {
	return configPayload{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		CheckIntervalSecs:   int(cfg.CheckInterval.Seconds()),
		AutoDelete:          cfg.AutoDelete,
		NotifyOnRemoval:     cfg.NotifyOnRemoval,
		NotifyAdmins:        cfg.NotifyAdmins,
		SendStartupMessage:  cfg.SendStartupMessage,
		MaxMessageAgeHours:  int(cfg.MaxMessageAge.Hours()),
		BatchSize:           cfg.BatchSize,
		RateLimitPerMinute:  cfg.RateLimitPerMinute,
		ModelVersion:        cfg.ModelVersion,
		CustomKeywords:      cfg.CustomKeywords,
		WhitelistUsers:      cfg.WhitelistUsers,
	}
}

func (p configPayload) toDomain(groupID string) domain.GroupConfig {
	return domain.GroupConfig{
		GroupID:             groupID,
		ConfidenceThreshold: p.ConfidenceThreshold,
		CheckInterval:       time.Duration(p.CheckIntervalSecs) * time.Second,
		AutoDelete:          p.AutoDelete,
		NotifyOnRemoval:     p.NotifyOnRemoval,
		NotifyAdmins:        p.NotifyAdmins,
		SendStartupMessage:  p.SendStartupMessage,
		MaxMessageAge:       time.Duration(p.MaxMessageAgeHours) * time.Hour,
		BatchSize:           p.BatchSize,
		RateLimitPerMinute:  p.RateLimitPerMinute,
		ModelVersion:        p.ModelVersion,
		CustomKeywords:      p.CustomKeywords,
		WhitelistUsers:      p.WhitelistUsers,
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
