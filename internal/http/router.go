// Package httpx exposes the delivery server's HTTP surface: the push
// webhook, the operator API, run event streams, and health and metrics
// endpoints.
package httpx

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slipway-sh/slipway/internal/delivery"
	"github.com/slipway-sh/slipway/internal/run"
	"github.com/slipway-sh/slipway/internal/store"
	"github.com/slipway-sh/slipway/internal/ws"
)

//go:embed static/index.html
var indexHTML []byte

// Deployer triggers pipeline runs.
type Deployer interface {
	Trigger(ctx context.Context, req delivery.TriggerRequest) (*run.Run, error)
	Active() string
}

// HealthCheck probes one dependency of the server.
type HealthCheck func(context.Context) error

// Router wires HTTP endpoints to the delivery service and run store.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	runs          store.Runs
	deployer      Deployer
	hub           *ws.Hub
	upgrader      websocket.Upgrader
	limiter       RateLimiter
	operatorToken string
	webhookSecret string
	deployBranch  string
	checks        map[string]HealthCheck

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitWebhook   = 30
	rateLimitOperator  = 60
	rateLimitStream    = 30
	healthCheckTimeout = 2 * time.Second
	heartbeatInterval  = 15 * time.Second
)

var zeroSHA = strings.Repeat("0", 40)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, runs store.Runs, deployer Deployer, hub *ws.Hub, limiter RateLimiter, operatorToken, webhookSecret, deployBranch string, checks map[string]HealthCheck) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		runs:     runs,
		deployer: deployer,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:       limiter,
		operatorToken: strings.TrimSpace(operatorToken),
		webhookSecret: strings.TrimSpace(webhookSecret),
		deployBranch:  strings.TrimSpace(deployBranch),
		checks:        checks,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
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
	r.mux.HandleFunc("/", r.instrument("/", r.handleIndex))
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealthz))
	r.mux.HandleFunc("/hooks/push", r.instrument("/hooks/push", r.withRateLimit("/hooks/push", rateLimitWebhook, rateWindowDefault, rateLimitKeyIP, r.handlePushHook)))
	r.mux.HandleFunc("/api/runs", r.instrument("/api/runs", r.requireOperator(r.withRateLimit("/api/runs", rateLimitOperator, rateWindowDefault, rateLimitKeyIP, r.handleRuns))))
	r.mux.HandleFunc("/api/runs/", r.instrument("/api/runs/:id", r.requireOperator(r.handleRunSubroutes)))
	r.mux.HandleFunc("/api/ws", r.instrument("/api/ws", r.requireOperator(r.withRateLimit("/api/ws", rateLimitStream, rateWindowRealtime, rateLimitKeyIP, r.handleRunWS))))
}

func (r *Router) handleIndex(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(indexHTML)
}

func (r *Router) handlePushHook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.webhookSecret == "" {
		r.logger.Error("webhook secret not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "webhook authentication misconfigured")
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	if err := r.verifySignature(body, req.Header.Get("X-Slipway-Signature")); err != nil {
		r.logger.Warn("webhook signature rejected", "error", err)
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var event struct {
		Ref    string `json:"ref"`
		After  string `json:"after"`
		Pusher struct {
			Name string `json:"name"`
		} `json:"pusher"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	branch := strings.TrimPrefix(event.Ref, "refs/heads/")
	if r.deployBranch != "" && branch != r.deployBranch {
		r.logger.Info("push ignored", "branch", branch, "deploy_branch", r.deployBranch)
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "ignored",
			"reason": "push to branch " + branch + " does not deploy",
		})
		return
	}
	if event.After == zeroSHA {
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "ignored",
			"reason": "branch deleted",
		})
		return
	}

	triggeredBy := "webhook"
	if name := strings.TrimSpace(event.Pusher.Name); name != "" {
		triggeredBy = "webhook:" + name
	}
	rn, err := r.deployer.Trigger(req.Context(), delivery.TriggerRequest{
		Commit:      event.After,
		Branch:      branch,
		TriggeredBy: triggeredBy,
	})
	if err != nil {
		r.writeTriggerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "run": rn})
}

func (r *Router) handleRuns(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Commit string `json:"commit"`
			Branch string `json:"branch"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		rn, err := r.deployer.Trigger(req.Context(), delivery.TriggerRequest{
			Commit:      payload.Commit,
			Branch:      payload.Branch,
			TriggeredBy: "operator",
		})
		if err != nil {
			r.writeTriggerError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, rn)
	case http.MethodGet:
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		runs, err := r.runs.ListRuns(req.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if runs == nil {
			runs = []run.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleRunSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/api/runs/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	runID := parts[0]
	if len(parts) == 1 {
		r.handleRunDetail(w, req, runID)
		return
	}
	if len(parts) == 2 && parts[1] == "events" {
		r.handleRunEvents(w, req, runID)
		return
	}
	r.notFound(w)
}

func (r *Router) handleRunDetail(w http.ResponseWriter, req *http.Request, runID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	rn, err := r.runs.GetRunByID(req.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

func (r *Router) handleRunEvents(w http.ResponseWriter, req *http.Request, runID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
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
	r.hub.Register(runID, client)
	defer func() {
		r.hub.Unregister(runID, client)
		client.Close()
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleRunWS(w http.ResponseWriter, req *http.Request) {
	runID := req.URL.Query().Get("run")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(runID, client)
	go func() {
		defer func() {
			r.hub.Unregister(runID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	for name, check := range r.checks {
		if err := check(ctx); err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components[name] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if r.deployer != nil {
		if active := r.deployer.Active(); active != "" {
			payload["active_run"] = active
		}
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) writeTriggerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, delivery.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, delivery.ErrInvalidCommit):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// verifySignature checks the HMAC-SHA256 hex digest of the request body
// against the X-Slipway-Signature header.
func (r *Router) verifySignature(body []byte, header string) error {
	sig := strings.TrimSpace(header)
	sig = strings.TrimPrefix(sig, "sha256=")
	if sig == "" {
		return errors.New("missing signature header")
	}
	mac := hmac.New(sha256.New, []byte(r.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return errors.New("signature mismatch")
	}
	return nil
}

// verifyOperatorToken ensures API requests carry the configured operator
// token, from the X-Operator-Token header or the token query parameter for
// browser event streams.
func (r *Router) verifyOperatorToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.operatorToken
	if expected == "" {
		r.logger.Error("operator token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "operator authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Operator-Token"))
	if token == "" {
		token = strings.TrimSpace(req.URL.Query().Get("token"))
	}
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("operator token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid operator token")
		return false
	}
	return true
}

func (r *Router) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !r.verifyOperatorToken(w, req) {
			return
		}
		next(w, req)
	}
}

func (r *Router) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

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

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
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

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
