// Package httpx exposes the orchestrator HTTP API.
package httpx

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nanoscale/nanoscale/internal/domain"
	"github.com/nanoscale/nanoscale/internal/repository"
	"github.com/nanoscale/nanoscale/internal/service/auth"
	clustersvc "github.com/nanoscale/nanoscale/internal/service/cluster"
	"github.com/nanoscale/nanoscale/internal/service/jointoken"
	"github.com/nanoscale/nanoscale/internal/service/project"
	"github.com/nanoscale/nanoscale/internal/service/redeploy"
	"github.com/nanoscale/nanoscale/internal/service/webhook"
	"github.com/nanoscale/nanoscale/internal/ws"
	"github.com/nanoscale/nanoscale/pkg/cluster"
	jwtpkg "github.com/nanoscale/nanoscale/pkg/jwt"
)

// Authenticator issues and validates operator sessions.
type Authenticator interface {
	Setup(ctx context.Context, email, password string) (*domain.User, auth.Session, error)
	Login(ctx context.Context, email, password string) (*domain.User, auth.Session, error)
	Authorize(ctx context.Context, token string) (*domain.User, *jwtpkg.Claims, error)
}

// TokenIssuer mints join tokens.
type TokenIssuer interface {
	Issue() (jointoken.Token, error)
}

// Cluster runs the join handshake and tracks servers.
type Cluster interface {
	Join(ctx context.Context, req clustersvc.JoinRequest) (domain.Server, error)
	Heartbeat(ctx context.Context, serverID string) error
	List(ctx context.Context) ([]clustersvc.ServerView, error)
}

// Projects manages projects and manual redeploys.
type Projects interface {
	Create(ctx context.Context, req project.CreateRequest) (project.Created, error)
	List(ctx context.Context) ([]domain.Project, error)
	Get(ctx context.Context, id string) (*domain.Project, *domain.RepoBinding, error)
	Delete(ctx context.Context, id string) (redeploy.Outcome, error)
	Redeploy(ctx context.Context, id string) (redeploy.Outcome, error)
	Redeploys(ctx context.Context, id string, limit int) ([]domain.Redeploy, error)
}

// Webhooks ingests provider deliveries.
type Webhooks interface {
	Ingest(ctx context.Context, d webhook.Delivery) (webhook.Response, error)
}

// EventHub fans project events out to subscribers.
type EventHub interface {
	Register(projectID string, client ws.Subscriber)
	Unregister(projectID string, client ws.Subscriber)
}

// Dependencies are the collaborators the Router serves.
type Dependencies struct {
	Auth     Authenticator
	Tokens   TokenIssuer
	Cluster  Cluster
	Projects Projects
	Webhooks Webhooks
	Hub      EventHub
	// Verifier authenticates worker-to-orchestrator calls.
	Verifier *cluster.Verifier
	Limiter  RateLimiter
	DBHealth func(context.Context) error
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	auth     Authenticator
	tokens   TokenIssuer
	cluster  Cluster
	projects Projects
	webhooks Webhooks
	hub      EventHub
	verifier *cluster.Verifier
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error
	metrics  routerMetrics
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSetup     = 5
	rateLimitLogin     = 12
	rateLimitJoin      = 10
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitWebsocket = 30
	rateLimitWebhook   = 300
	rateLimitHeartbeat = 240
	healthCheckTimeout = 2 * time.Second
	sseHeartbeatEvery  = 25 * time.Second
	maxJSONBody        = 1 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deps Dependencies) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		auth:     deps.Auth,
		tokens:   deps.Tokens,
		cluster:  deps.Cluster,
		projects: deps.Projects,
		webhooks: deps.Webhooks,
		hub:      deps.Hub,
		verifier: deps.Verifier,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  deps.Limiter,
		dbHealth: deps.DBHealth,
		metrics:  newRouterMetrics(),
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.Handle("/metrics", promhttp.Handler())
	r.handle("/healthz", r.handleHealthz)
	r.handle("/api/auth/setup", r.withRateLimit("auth_setup", rateLimitSetup, rateWindowDefault, rateLimitKeyIP, r.handleSetup))
	r.handle("/api/auth/login", r.withRateLimit("auth_login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin))
	r.handle("/api/cluster/generate-token", r.handlerAuthRate("cluster_token", rateLimitUserWrite, rateWindowDefault, r.handleGenerateToken))
	r.handle("/api/cluster/join", r.withRateLimit("cluster_join", rateLimitJoin, rateWindowDefault, rateLimitKeyIP, r.handleJoin))
	r.handle("/api/servers", r.handlerAuthRate("servers", rateLimitUserRead, rateWindowDefault, r.handleServers))
	r.handle("/api/projects", r.handlerAuthRate("projects", rateLimitUserWrite, rateWindowDefault, r.handleProjects))
	r.handle("/api/projects/{id}", r.handlerAuthRate("project", rateLimitUserWrite, rateWindowDefault, r.handleProject))
	r.handle("/api/projects/{id}/redeploy", r.handlerAuthRate("project_redeploy", rateLimitUserWrite, rateWindowDefault, r.handleRedeploy))
	r.handle("/api/projects/{id}/redeploys", r.handlerAuthRate("project_redeploys", rateLimitUserRead, rateWindowDefault, r.handleRedeploys))
	r.handle("/api/integrations/github/webhook", r.withRateLimit("github_webhook", rateLimitWebhook, rateWindowDefault, rateLimitKeyIP, r.handleWebhook))
	r.handle("/api/events", r.handlerAuthRate("events", rateLimitWebsocket, rateWindowRealtime, r.handleEventsSSE))
	r.handle("/ws/projects", r.handlerAuthRate("ws_projects", rateLimitWebsocket, rateWindowRealtime, r.handleProjectsWS))
	if r.verifier != nil {
		heartbeat := r.withRateLimit("heartbeat", rateLimitHeartbeat, rateWindowDefault, rateLimitKeyServer, r.handleHeartbeat)
		r.mux.Handle("/internal/heartbeat", r.verifier.Middleware(r.audit(heartbeat)))
	}
}

func (r *Router) handle(pattern string, next http.HandlerFunc) {
	r.mux.HandleFunc(pattern, r.audit(next))
}

func rateLimitKeyServer(req *http.Request) string {
	if id, ok := cluster.ServerIDFromContext(req.Context()); ok {
		return "server:" + id
	}
	return ""
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			r.logger.Error("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxJSONBody*5))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	resp, err := r.webhooks.Ingest(req.Context(), webhook.Delivery{
		Event:      req.Header.Get(webhook.HeaderEvent),
		DeliveryID: req.Header.Get(webhook.HeaderDelivery),
		Signature:  req.Header.Get(webhook.HeaderSignature),
		Body:       body,
	})
	switch {
	case err == nil:
		writeJSON(w, resp.StatusCode, resp)
	case errors.Is(err, webhook.ErrMissingHeaders), errors.Is(err, webhook.ErrMalformedPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, webhook.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, "invalid signature")
	default:
		r.logger.Error("webhook ingestion failed", "error", err)
		writeError(w, http.StatusInternalServerError, "webhook processing failed")
	}
}

func (r *Router) handleProjectsWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	topic := strings.TrimSpace(req.URL.Query().Get("project_id"))
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(topic, client)
	go func() {
		defer func() {
			r.hub.Unregister(topic, client)
			client.Close()
		}()
		client.Serve()
	}()
}

func (r *Router) handleEventsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	topic := strings.TrimSpace(req.URL.Query().Get("project_id"))
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(topic, client)
	defer r.hub.Unregister(topic, client)

	ticker := time.NewTicker(sseHeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			client.Close()
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
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
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		r.metrics.recordRequest(req.Method, route, status, duration)

		actor := "anonymous"
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
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		} else if serverID, ok := cluster.ServerIDFromContext(req.Context()); ok {
			actor = "worker"
			fields = append(fields, "server_id", serverID)
		} else if strings.HasPrefix(req.URL.Path, "/api/integrations/") {
			actor = "github"
		}
		fields = append(fields, "actor", actor)

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

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
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

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
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
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func queryInt(req *http.Request, name string) int {
	v, err := strconv.Atoi(strings.TrimSpace(req.URL.Query().Get(name)))
	if err != nil {
		return 0
	}
	return v
}

func statusForLookup(err error) (int, string) {
	if errors.Is(err, repository.ErrNotFound) {
		return http.StatusNotFound, "not found"
	}
	return http.StatusInternalServerError, "internal error"
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
