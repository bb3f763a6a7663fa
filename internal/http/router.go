package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/devport/internal/queue"
	"github.com/splax/devport/internal/relay"
	"github.com/splax/devport/internal/service/deploy"
)

// Options carries the router settings that are not services.
type Options struct {
	DefaultOwnerID  string
	DeployRateLimit int
	DBHealth        func(context.Context) error
	RedisHealth     func(context.Context) error
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	deploy   deploy.Service
	relay    *relay.Relay
	queue    *queue.Queue
	upgrader websocket.Upgrader
	limiter  RateLimiter
	opts     Options
	metrics  *httpMetrics
}

const (
	healthCheckTimeout = 2 * time.Second
	maxBodyBytes       = 64 << 10
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deploySvc deploy.Service, logRelay *relay.Relay, jobs *queue.Queue, limiter RateLimiter, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger.With("component", "http"),
		deploy: deploySvc,
		relay:  logRelay,
		queue:  jobs,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter: limiter,
		opts:    opts,
		metrics: newHTTPMetrics(prometheus.DefaultRegisterer),
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
	r.handle("GET /healthz", r.handleHealthz)
	r.mux.Handle("GET /metrics", promhttp.Handler())

	r.handle("POST /deployment/deploy", r.withOwner(r.withRateLimit(r.deployPolicy(), r.handleDeploy)))
	r.handle("GET /deployment/history/{slug}", r.withOwner(r.withRateLimit(policyRead, r.handleHistory)))
	r.handle("GET /deployment/status/{id}", r.withOwner(r.withRateLimit(policyRead, r.handleStatus)))

	r.handle("GET /logs/{slug}", r.withRateLimit(policyRead, r.handleLogs))
	r.handleStream("GET /logs/{slug}/stream", r.withRateLimit(policyStream, r.handleLogStream))
	r.handleStream("GET /ws/logs", r.withRateLimit(policyStream, r.handleLogsWS))

	r.handle("GET /queue/stats", r.withRateLimit(policyRead, r.handleQueueStats))
	r.handle("GET /queue/failed", r.withRateLimit(policyRead, r.handleQueueFailed))
	r.handle("POST /queue/failed/{id}/retry", r.withRateLimit(policyQueue, r.handleQueueRetry))
	r.handleStream("GET /queue/events", r.withRateLimit(policyStream, r.handleQueueEvents))
}

func (r *Router) handle(pattern string, next http.HandlerFunc) {
	r.mux.HandleFunc(pattern, r.audit(pattern, false, next))
}

// handleStream registers a long-lived route, kept out of the latency histogram.
func (r *Router) handleStream(pattern string, next http.HandlerFunc) {
	r.mux.HandleFunc(pattern, r.audit(pattern, true, next))
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		SourceURL string `json:"sourceURL"`
		GitURL    string `json:"gitURL"`
		Slug      string `json:"slug"`
		Name      string `json:"name"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	source := payload.SourceURL
	if strings.TrimSpace(source) == "" {
		source = payload.GitURL
	}
	submission, err := r.deploy.Submit(req.Context(), deploy.SubmitInput{
		SourceURL: source,
		Slug:      payload.Slug,
		Name:      payload.Name,
		OwnerID:   ownerFromContext(req.Context()),
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submission)
}

func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) {
	history, err := r.deploy.History(req.Context(), ownerFromContext(req.Context()), req.PathValue("slug"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	deployment, err := r.deploy.Status(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, deployment)
}

func (r *Router) handleQueueStats(w http.ResponseWriter, req *http.Request) {
	stats, err := r.queue.Stats(req.Context())
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handleQueueFailed(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	jobs, err := r.queue.ListFailed(req.Context(), limit)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if jobs == nil {
		jobs = []queue.FailedJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (r *Router) handleQueueRetry(w http.ResponseWriter, req *http.Request) {
	id := strings.TrimSpace(req.PathValue("id"))
	if err := r.queue.RetryFailed(req.Context(), id); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requeued", "id": id})
}

// handleQueueEvents streams job events from the queue as Server-Sent Events.
func (r *Router) handleQueueEvents(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	events, err := r.queue.Watch(ctx)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	client, ok := r.openEventStream(w)
	if !ok {
		return
	}
	defer client.Close()
	defer r.metrics.streamOpened(streamQueueEvents)()

	ticker := time.NewTicker(sseIdleCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := client.Send(payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := pingIfIdle(client); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	check := func(name string, ping func(context.Context) error) {
		if ping == nil {
			return
		}
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := ping(ctx); err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			return
		}
		components[name] = map[string]any{"status": "up"}
	}
	check("database", r.opts.DBHealth)
	check("redis", r.opts.RedisHealth)

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

func (r *Router) audit(pattern string, streaming bool, next http.HandlerFunc) http.HandlerFunc {
	route := routeLabel(pattern)
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
		r.metrics.observeRequest(req.Method, route, status, duration, streaming)

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
		if owner := ownerFromContext(ctx); owner != "" {
			fields = append(fields, "owner_id", owner)
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

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
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
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
