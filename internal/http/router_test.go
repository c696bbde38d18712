package httpx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/slipway-sh/slipway/internal/delivery"
	"github.com/slipway-sh/slipway/internal/run"
	"github.com/slipway-sh/slipway/internal/store"
	"github.com/slipway-sh/slipway/internal/ws"
)

const (
	testOperatorToken = "operator-secret"
	testWebhookSecret = "hook-secret"
	testPushCommit    = "d670460b4b4aece5915caf5c68d12f560a9fe3e4"
)

func TestPushHookTriggersRun(t *testing.T) {
	deployer := newDeployerStub()
	router := newTestRouter(t, deployer, newRunsStoreStub(), nil)

	body := pushEventBody("refs/heads/main", testPushCommit, "alice")
	req := httptest.NewRequest(http.MethodPost, "/hooks/push", bytes.NewReader(body))
	req.Header.Set("X-Slipway-Signature", signPayload(testWebhookSecret, body))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var payload struct {
		Status string  `json:"status"`
		Run    run.Run `json:"run"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Status != "queued" {
		t.Fatalf("unexpected status %q", payload.Status)
	}
	if payload.Run.Commit != testPushCommit {
		t.Fatalf("unexpected run commit %q", payload.Run.Commit)
	}

	calls := deployer.triggerCalls()
	if len(calls) != 1 {
		t.Fatalf("expected one trigger, got %d", len(calls))
	}
	if calls[0].Commit != testPushCommit {
		t.Fatalf("unexpected commit %q", calls[0].Commit)
	}
	if calls[0].Branch != "main" {
		t.Fatalf("unexpected branch %q", calls[0].Branch)
	}
	if calls[0].TriggeredBy != "webhook:alice" {
		t.Fatalf("unexpected triggered_by %q", calls[0].TriggeredBy)
	}
}

func TestPushHookRejectsBadSignature(t *testing.T) {
	deployer := newDeployerStub()
	router := newTestRouter(t, deployer, newRunsStoreStub(), nil)

	body := pushEventBody("refs/heads/main", testPushCommit, "alice")

	for name, header := range map[string]string{
		"missing":  "",
		"mismatch": signPayload("wrong-secret", body),
		"garbage":  "sha256=zzzz",
	} {
		req := httptest.NewRequest(http.MethodPost, "/hooks/push", bytes.NewReader(body))
		if header != "" {
			req.Header.Set("X-Slipway-Signature", header)
		}
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s signature: expected status 401, got %d", name, rr.Code)
		}
	}
	if calls := deployer.triggerCalls(); len(calls) != 0 {
		t.Fatalf("expected no triggers, got %d", len(calls))
	}
}

func TestPushHookIgnoresOtherBranches(t *testing.T) {
	deployer := newDeployerStub()
	router := newTestRouter(t, deployer, newRunsStoreStub(), nil)

	body := pushEventBody("refs/heads/feature", testPushCommit, "alice")
	req := httptest.NewRequest(http.MethodPost, "/hooks/push", bytes.NewReader(body))
	req.Header.Set("X-Slipway-Signature", signPayload(testWebhookSecret, body))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rr.Code)
	}
	var payload map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["status"] != "ignored" {
		t.Fatalf("unexpected status %q", payload["status"])
	}
	if calls := deployer.triggerCalls(); len(calls) != 0 {
		t.Fatalf("expected no triggers, got %d", len(calls))
	}
}

func TestPushHookIgnoresBranchDeletion(t *testing.T) {
	deployer := newDeployerStub()
	router := newTestRouter(t, deployer, newRunsStoreStub(), nil)

	body := pushEventBody("refs/heads/main", strings.Repeat("0", 40), "alice")
	req := httptest.NewRequest(http.MethodPost, "/hooks/push", bytes.NewReader(body))
	req.Header.Set("X-Slipway-Signature", signPayload(testWebhookSecret, body))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rr.Code)
	}
	var payload map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["status"] != "ignored" {
		t.Fatalf("unexpected status %q", payload["status"])
	}
	if calls := deployer.triggerCalls(); len(calls) != 0 {
		t.Fatalf("expected no triggers, got %d", len(calls))
	}
}

func TestPushHookConflictsWhileRunActive(t *testing.T) {
	deployer := newDeployerStub()
	deployer.triggerFn = func(delivery.TriggerRequest) (*run.Run, error) {
		return nil, delivery.ErrRunInProgress
	}
	router := newTestRouter(t, deployer, newRunsStoreStub(), nil)

	body := pushEventBody("refs/heads/main", testPushCommit, "alice")
	req := httptest.NewRequest(http.MethodPost, "/hooks/push", bytes.NewReader(body))
	req.Header.Set("X-Slipway-Signature", signPayload(testWebhookSecret, body))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestOperatorTokenGuardsAPI(t *testing.T) {
	deployer := newDeployerStub()
	runs := newRunsStoreStub()
	router := newTestRouter(t, deployer, runs, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 without token, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set("X-Operator-Token", "not-the-token")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 with wrong token, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set("X-Operator-Token", testOperatorToken)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 with header token, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/runs?token="+testOperatorToken, nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 with query token, got %d", rr.Code)
	}
}

func TestCreateRunEndpoint(t *testing.T) {
	deployer := newDeployerStub()
	router := newTestRouter(t, deployer, newRunsStoreStub(), nil)

	body := fmt.Sprintf(`{"commit":%q,"branch":"main"}`, testPushCommit)
	req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(body))
	req.Header.Set("X-Operator-Token", testOperatorToken)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var created run.Run
	if err := json.NewDecoder(rr.Body).Decode(&created); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if created.Commit != testPushCommit {
		t.Fatalf("unexpected commit %q", created.Commit)
	}

	calls := deployer.triggerCalls()
	if len(calls) != 1 {
		t.Fatalf("expected one trigger, got %d", len(calls))
	}
	if calls[0].TriggeredBy != "operator" {
		t.Fatalf("unexpected triggered_by %q", calls[0].TriggeredBy)
	}
}

func TestCreateRunRejectsInvalidCommit(t *testing.T) {
	deployer := newDeployerStub()
	deployer.triggerFn = func(delivery.TriggerRequest) (*run.Run, error) {
		return nil, delivery.ErrInvalidCommit
	}
	router := newTestRouter(t, deployer, newRunsStoreStub(), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(`{"commit":"nope"}`))
	req.Header.Set("X-Operator-Token", testOperatorToken)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestListRunsEndpoint(t *testing.T) {
	runs := newRunsStoreStub()
	runs.listResp = []run.Run{
		{ID: "run-2", Commit: testPushCommit, Status: run.StatusSucceeded},
		{ID: "run-1", Commit: testPushCommit, Status: run.StatusFailed},
	}
	router := newTestRouter(t, newDeployerStub(), runs, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/runs?limit=5", nil)
	req.Header.Set("X-Operator-Token", testOperatorToken)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var listed []run.Run
	if err := json.NewDecoder(rr.Body).Decode(&listed); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(listed) != 2 || listed[0].ID != "run-2" {
		t.Fatalf("unexpected list %+v", listed)
	}
	if got := runs.lastListLimit(); got != 5 {
		t.Fatalf("expected limit 5 passed through, got %d", got)
	}
}

func TestListRunsEncodesEmptyArray(t *testing.T) {
	router := newTestRouter(t, newDeployerStub(), newRunsStoreStub(), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set("X-Operator-Token", testOperatorToken)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if body := strings.TrimSpace(rr.Body.String()); body != "[]" {
		t.Fatalf("expected empty array, got %q", body)
	}
}

func TestRunDetail(t *testing.T) {
	runs := newRunsStoreStub()
	runs.byID["run-9"] = &run.Run{ID: "run-9", Commit: testPushCommit, Status: run.StatusRunning, Stage: run.StageBuild}
	router := newTestRouter(t, newDeployerStub(), runs, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/runs/run-9", nil)
	req.Header.Set("X-Operator-Token", testOperatorToken)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var detail run.Run
	if err := json.NewDecoder(rr.Body).Decode(&detail); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if detail.ID != "run-9" || detail.Stage != run.StageBuild {
		t.Fatalf("unexpected detail %+v", detail)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/runs/missing", nil)
	req.Header.Set("X-Operator-Token", testOperatorToken)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for unknown run, got %d", rr.Code)
	}
}

func TestHealthzReportsComponents(t *testing.T) {
	checks := map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
		"docker":   func(context.Context) error { return errors.New("daemon unreachable") },
	}
	router := newTestRouter(t, newDeployerStub(), newRunsStoreStub(), checks)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	var payload struct {
		Status     string                       `json:"status"`
		Components map[string]map[string]string `json:"components"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Status != "degraded" {
		t.Fatalf("unexpected status %q", payload.Status)
	}
	if payload.Components["database"]["status"] != "up" {
		t.Fatalf("expected database up, got %v", payload.Components["database"])
	}
	if payload.Components["docker"]["status"] != "down" {
		t.Fatalf("expected docker down, got %v", payload.Components["docker"])
	}
}

func TestHealthzOKWhenChecksPass(t *testing.T) {
	checks := map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
	}
	router := newTestRouter(t, newDeployerStub(), newRunsStoreStub(), checks)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestRunEventsStreamsHubEvents(t *testing.T) {
	router := newTestRouter(t, newDeployerStub(), newRunsStoreStub(), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/runs/run-7/events", nil)
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	req = req.WithContext(ctx)

	recorder := newStreamRecorder()
	done := make(chan struct{})
	go func() {
		router.handleRunEvents(recorder, req, "run-7")
		close(done)
	}()

	event := run.Event{
		RunID:  "run-7",
		Stage:  run.StageBuild,
		Status: run.StatusRunning,
		At:     time.Now().UTC(),
	}
	waitFor(t, 2*time.Second, func() bool {
		router.hub.PublishEvent(event)
		return strings.Contains(recorder.body(), "data: ")
	})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("events handler did not exit after context cancel")
	}

	if ct := recorder.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if recorder.Header().Get("Cache-Control") != "no-cache" {
		t.Fatalf("expected no-cache header")
	}
	if recorder.flushCount() == 0 {
		t.Fatalf("expected flusher to be invoked")
	}

	payloads, err := extractSSEPayloads(recorder.body())
	if err != nil {
		t.Fatalf("extract sse payloads: %v", err)
	}
	if len(payloads) == 0 {
		t.Fatal("expected at least one SSE payload")
	}
	first := payloads[0]
	if first["run_id"] != "run-7" {
		t.Fatalf("unexpected run_id %v", first["run_id"])
	}
	if first["stage"] != run.StageBuild {
		t.Fatalf("unexpected stage %v", first["stage"])
	}
}

func TestRunEventsRequiresFlusher(t *testing.T) {
	router := newTestRouter(t, newDeployerStub(), newRunsStoreStub(), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/runs/run-7/events", nil)
	w := newNoFlushRecorder()
	router.handleRunEvents(w, req, "run-7")

	if w.statusCode() != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", w.statusCode())
	}
}

func TestRateLimitedRequestsRejected(t *testing.T) {
	limiter := newRateLimiterStub()
	reset := time.Unix(1_960_000_000, 0)
	limiter.allowFn = func(key string, limit int, window time.Duration) rateDecision {
		return rateDecision{allowed: false, count: limit, windowEnd: reset}
	}
	router := newTestRouter(t, newDeployerStub(), newRunsStoreStub(), nil)
	router.limiter = limiter

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set("X-Operator-Token", testOperatorToken)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "60" {
		t.Fatalf("unexpected limit header %q", rr.Header().Get("X-RateLimit-Limit"))
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected remaining header %q", rr.Header().Get("X-RateLimit-Remaining"))
	}
	if rr.Header().Get("X-RateLimit-Reset") != "1960000000" {
		t.Fatalf("unexpected reset header %q", rr.Header().Get("X-RateLimit-Reset"))
	}

	limiter.mu.Lock()
	calls := len(limiter.calls)
	key := ""
	if calls > 0 {
		key = limiter.calls[0].key
	}
	limiter.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected limiter called once, got %d", calls)
	}
	if !strings.HasPrefix(key, "ip:") {
		t.Fatalf("unexpected limiter key %q", key)
	}
}

func TestIndexServesStatusPage(t *testing.T) {
	router := newTestRouter(t, newDeployerStub(), newRunsStoreStub(), nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(rr.Body.String(), "slipway") {
		t.Fatalf("expected page body to mention slipway")
	}

	req = httptest.NewRequest(http.MethodGet, "/nope", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for unknown path, got %d", rr.Code)
	}
}

type deployerStub struct {
	mu        sync.Mutex
	calls     []delivery.TriggerRequest
	triggerFn func(req delivery.TriggerRequest) (*run.Run, error)
	activeID  string
}

func newDeployerStub() *deployerStub {
	return &deployerStub{}
}

func (d *deployerStub) Trigger(_ context.Context, req delivery.TriggerRequest) (*run.Run, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req)
	fn := d.triggerFn
	d.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &run.Run{
		ID:          "run-1",
		Commit:      req.Commit,
		Branch:      req.Branch,
		Status:      run.StatusPending,
		TriggeredBy: req.TriggeredBy,
		StartedAt:   time.Now().UTC(),
	}, nil
}

func (d *deployerStub) Active() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeID
}

func (d *deployerStub) triggerCalls() []delivery.TriggerRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]delivery.TriggerRequest, len(d.calls))
	copy(out, d.calls)
	return out
}

type runsStoreStub struct {
	mu        sync.Mutex
	byID      map[string]*run.Run
	listResp  []run.Run
	listErr   error
	lastLimit int
}

func newRunsStoreStub() *runsStoreStub {
	return &runsStoreStub{byID: make(map[string]*run.Run)}
}

func (s *runsStoreStub) CreateRun(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *r
	s.byID[r.ID] = &copy
	return nil
}

func (s *runsStoreStub) UpdateRunStatus(_ context.Context, update run.StatusUpdate) error {
	return nil
}

func (s *runsStoreStub) GetRunByID(_ context.Context, id string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.byID[id]; ok {
		copy := *r
		return &copy, nil
	}
	return nil, store.ErrNotFound
}

func (s *runsStoreStub) ListRuns(_ context.Context, limit int) ([]run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLimit = limit
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]run.Run, len(s.listResp))
	copy(out, s.listResp)
	return out, nil
}

func (s *runsStoreStub) LatestRunByBranch(_ context.Context, branch string) (*run.Run, error) {
	return nil, store.ErrNotFound
}

func (s *runsStoreStub) lastListLimit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLimit
}

type rateLimiterStub struct {
	mu      sync.Mutex
	calls   []rateLimitCall
	allowFn func(key string, limit int, window time.Duration) rateDecision
}

type rateLimitCall struct {
	key    string
	limit  int
	window time.Duration
}

func newRateLimiterStub() *rateLimiterStub {
	return &rateLimiterStub{}
}

func (rl *rateLimiterStub) Allow(key string, limit int, window time.Duration) rateDecision {
	rl.mu.Lock()
	rl.calls = append(rl.calls, rateLimitCall{key: key, limit: limit, window: window})
	fn := rl.allowFn
	rl.mu.Unlock()
	if fn != nil {
		return fn(key, limit, window)
	}
	return rateDecision{allowed: true, count: 1, windowEnd: time.Now().Add(window)}
}

func (rl *rateLimiterStub) Close() {}

func newTestRouter(t *testing.T, deployer *deployerStub, runs *runsStoreStub, checks map[string]HealthCheck) *Router {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := ws.NewHub(logger)
	t.Cleanup(hub.Shutdown)
	router := NewRouter(logger, runs, deployer, hub, newRateLimiterStub(), testOperatorToken, testWebhookSecret, "main", checks)
	t.Cleanup(router.Close)
	return router
}

func pushEventBody(ref, after, pusher string) []byte {
	return []byte(fmt.Sprintf(`{"ref":%q,"after":%q,"pusher":{"name":%q}}`, ref, after, pusher))
}

func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type streamRecorder struct {
	mu     sync.Mutex
	header http.Header
	status int
	buf    bytes.Buffer
	flush  int
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{header: make(http.Header)}
}

func (s *streamRecorder) Header() http.Header {
	return s.header
}

func (s *streamRecorder) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.buf.Write(b)
}

func (s *streamRecorder) WriteHeader(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *streamRecorder) Flush() {
	s.mu.Lock()
	s.flush++
	s.mu.Unlock()
}

func (s *streamRecorder) body() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *streamRecorder) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush
}

type noFlushRecorder struct {
	header http.Header
	status int
	buf    bytes.Buffer
}

func newNoFlushRecorder() *noFlushRecorder {
	return &noFlushRecorder{header: make(http.Header)}
}

func (r *noFlushRecorder) Header() http.Header {
	return r.header
}

func (r *noFlushRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.buf.Write(b)
}

func (r *noFlushRecorder) WriteHeader(status int) {
	r.status = status
}

func (r *noFlushRecorder) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func extractSSEPayloads(body string) ([]map[string]any, error) {
	var payloads []map[string]any
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "data: ") {
			raw := strings.TrimPrefix(line, "data: ")
			var payload map[string]any
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				return nil, err
			}
			payloads = append(payloads, payload)
		}
	}
	return payloads, nil
}
