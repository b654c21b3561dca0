package httpx

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/imageforge/internal/domain"
	"github.com/splax/imageforge/internal/service/build"
	"github.com/splax/imageforge/internal/ws"
)

const (
	healthCheckTimeout = 2 * time.Second
	heartbeatInterval  = 15 * time.Second
	defaultListLimit   = 20
	maxListLimit       = 200
	maxRequestBytes    = 64 * 1024
)

// Builds is the build pipeline as seen by HTTP handlers.
type Builds interface {
	Start(ctx context.Context, req build.Request) (build.Accepted, error)
	Get(ctx context.Context, tenantID, buildID string) (*domain.Build, error)
	List(ctx context.Context, tenantID string, limit int) ([]domain.Build, error)
	Cancel(ctx context.Context, tenantID, buildID string) error
	Artifact(ctx context.Context, tenantID, buildID string) (domain.BuildArtifact, error)
	ListArtifacts(ctx context.Context, tenantID string) ([]domain.BuildArtifact, error)
	DeleteArtifact(ctx context.Context, tenantID, buildID string) error
	Quota(ctx context.Context, tenantID string) (domain.BuildQuota, domain.UsageCounters, error)
	Health(ctx context.Context) error
}

// LogHub delivers build output to streaming clients.
type LogHub interface {
	Register(buildID string, client ws.Subscriber)
	RegisterExisting(buildID string, client ws.Subscriber)
	Unregister(buildID string, client ws.Subscriber)
}

// Options configures a Router.
type Options struct {
	Logger    *slog.Logger
	Builds    Builds
	Hub       LogHub
	Limiter   RateLimiter
	JWTSecret string
	// RateLimit is the number of authenticated requests a tenant may make per RateWindow.
	RateLimit  int
	RateWindow time.Duration
	// DBHealth is optional; it is reported as the "database" component of /healthz.
	DBHealth   func(context.Context) error
	Registerer prometheus.Registerer
}

// Router exposes the build API.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	builds     Builds
	hub        LogHub
	upgrader   websocket.Upgrader
	limiter    RateLimiter
	jwtSecret  string
	rateLimit  int
	rateWindow time.Duration
	dbHealth   func(context.Context) error
	registerer prometheus.Registerer

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// New assembles routes with dependencies.
func New(opts Options) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: opts.Logger,
		builds: opts.Builds,
		hub:    opts.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		limiter:    opts.Limiter,
		jwtSecret:  opts.JWTSecret,
		rateLimit:  opts.RateLimit,
		rateWindow: opts.RateWindow,
		dbHealth:   opts.DBHealth,
		registerer: opts.Registerer,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.rateWindow <= 0 {
		r.rateWindow = time.Minute
	}
	if r.registerer == nil {
		r.registerer = prometheus.DefaultRegisterer
	}
	r.initMetrics()
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	r.limiter.Close()
}

func (r *Router) routes() {
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealth))
	r.mux.HandleFunc("/builds", r.instrument("/builds", r.authed("/builds", r.handleBuilds)))
	r.mux.HandleFunc("/builds/", r.instrument("/builds/:id", r.authed("/builds/:id", r.handleBuildSubroutes)))
	r.mux.HandleFunc("/artifacts", r.instrument("/artifacts", r.authed("/artifacts", r.handleArtifacts)))
	r.mux.HandleFunc("/quota", r.instrument("/quota", r.authed("/quota", r.handleQuota)))
}

func (r *Router) authed(route string, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.withTenantRate(route, next))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	components := map[string]any{"docker": componentStatus(r.builds.Health(ctx))}
	if r.dbHealth != nil {
		components["database"] = componentStatus(r.dbHealth(ctx))
	}
	status := "ok"
	for _, c := range components {
		if c.(map[string]any)["status"] != "up" {
			status = "degraded"
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

func componentStatus(err error) map[string]any {
	if err != nil {
		return map[string]any{"status": "down", "error": err.Error()}
	}
	return map[string]any{"status": "up"}
}

func (r *Router) handleBuilds(w http.ResponseWriter, req *http.Request) {
	tenant, _ := tenantFromContext(req.Context())
	switch req.Method {
	case http.MethodPost:
		var payload build.Request
		if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBytes)).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		payload.TenantID = tenant
		accepted, err := r.builds.Start(req.Context(), payload)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusAccepted, accepted)
	case http.MethodGet:
		limit, err := listLimit(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		builds, err := r.builds.List(req.Context(), tenant, limit)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"builds": builds})
	default:
		r.methodNotAllowed(w)
	}
}

func listLimit(req *http.Request) (int, error) {
	raw := strings.TrimSpace(req.URL.Query().Get("limit"))
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errInvalidLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}

func (r *Router) handleBuildSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/builds/"), "/"), "/")
	buildID := parts[0]
	if buildID == "" || len(parts) > 2 {
		r.notFound(w)
		return
	}
	if len(parts) == 1 {
		r.handleBuild(w, req, buildID)
		return
	}
	switch parts[1] {
	case "logs":
		r.handleBuildLogs(w, req, buildID)
	case "artifact":
		r.handleBuildArtifact(w, req, buildID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleBuild(w http.ResponseWriter, req *http.Request, buildID string) {
	tenant, _ := tenantFromContext(req.Context())
	switch req.Method {
	case http.MethodGet:
		b, err := r.builds.Get(req.Context(), tenant, buildID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	case http.MethodDelete:
		if err := r.builds.Cancel(req.Context(), tenant, buildID); err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleBuildArtifact(w http.ResponseWriter, req *http.Request, buildID string) {
	tenant, _ := tenantFromContext(req.Context())
	switch req.Method {
	case http.MethodGet:
		a, err := r.builds.Artifact(req.Context(), tenant, buildID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	case http.MethodDelete:
		if err := r.builds.DeleteArtifact(req.Context(), tenant, buildID); err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleArtifacts(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	tenant, _ := tenantFromContext(req.Context())
	artifacts, err := r.builds.ListArtifacts(req.Context(), tenant)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}

func (r *Router) handleQuota(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	tenant, _ := tenantFromContext(req.Context())
	limits, usage, err := r.builds.Quota(req.Context(), tenant)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"limits": limits, "usage": usage})
}

func (r *Router) handleBuildLogs(w http.ResponseWriter, req *http.Request, buildID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	tenant, _ := tenantFromContext(req.Context())
	b, err := r.builds.Get(req.Context(), tenant, buildID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if websocket.IsWebSocketUpgrade(req) {
		r.streamWebsocket(w, req, buildID, r.subscriber(b))
		return
	}
	if strings.Contains(req.Header.Get("Accept"), "text/event-stream") {
		r.streamSSE(w, req, buildID, r.subscriber(b))
		return
	}
	writeError(w, http.StatusNotAcceptable, "use a websocket or text/event-stream client")
}

// subscriber picks how a log client joins the hub. Finished builds only attach
// to history the hub still holds.
func (r *Router) subscriber(b *domain.Build) func(string, ws.Subscriber) {
	if b.Finished() {
		return r.hub.RegisterExisting
	}
	return r.hub.Register
}

func (r *Router) streamWebsocket(w http.ResponseWriter, req *http.Request, buildID string, subscribe func(string, ws.Subscriber)) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "build_id", buildID, "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	subscribe(buildID, client)
	client.Wait()
	r.hub.Unregister(buildID, client)
}

func (r *Router) streamSSE(w http.ResponseWriter, req *http.Request, buildID string, subscribe func(string, ws.Subscriber)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	subscribe(buildID, client)
	defer r.hub.Unregister(buildID, client)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			client.Close()
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
