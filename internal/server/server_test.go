package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xweirdfor/xweirdfor/internal/config"
	"github.com/xweirdfor/xweirdfor/internal/pipeline"
	"github.com/xweirdfor/xweirdfor/internal/policy"
	"github.com/xweirdfor/xweirdfor/internal/rules"
)

const benignRecord = `{"headers": [["Host", "example.com"], ["User-Agent", "Mozilla/5.0 (X11; Linux x86_64) Firefox/120.0"], ["Accept", "text/html"], ["Accept-Language", "en-US"]]}`

const crlfRecord = `{"headers": [["Host", "example.com"], ["User-Agent", "Mozilla/5.0"], ["Accept", "*/*"], ["X-Note", "a\r\nSet-Cookie: x=1"]]}`

func newServer(t *testing.T, cfg config.ServerConfig) *Server {
	t.Helper()
	engine, err := rules.NewEngine(rules.Builtin())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	fuser, err := policy.NewFuser(policy.DefaultOptions())
	if err != nil {
		t.Fatalf("fuser: %v", err)
	}
	p, err := pipeline.New(engine, nil, fuser, pipeline.Options{Workers: 2})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	srv, err := New(p, cfg, Options{})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return srv
}

func defaultServerConfig() config.ServerConfig {
	return config.Default().Server
}

func post(t *testing.T, srv http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

type outcomeBody struct {
	Index   int             `json:"index"`
	ID      string          `json:"id"`
	State   string          `json:"state"`
	Verdict *policy.Verdict `json:"verdict"`
	Error   *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestClassifyBenign(t *testing.T) {
	srv := newServer(t, defaultServerConfig())

	rec := post(t, srv, "/v1/classify", benignRecord)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}

	var out outcomeBody
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if out.State != string(pipeline.StateReported) || out.Verdict == nil {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Verdict.Risk != policy.BandLow {
		t.Fatalf("expected low risk, got %s (%v)", out.Verdict.Risk, out.Verdict.Rules)
	}
	if !out.Verdict.Evidence.HeuristicOnly {
		t.Fatalf("expected heuristic-only evidence")
	}
}

func TestClassifyCRLFIsHigh(t *testing.T) {
	srv := newServer(t, defaultServerConfig())

	rec := post(t, srv, "/v1/classify", crlfRecord)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out outcomeBody
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if out.Verdict == nil || out.Verdict.Risk != policy.BandHigh {
		t.Fatalf("expected high verdict, got %+v", out.Verdict)
	}
	found := false
	for _, id := range out.Verdict.Rules {
		found = found || id == "header-injection-crlf"
	}
	if !found {
		t.Fatalf("expected header-injection-crlf in %v", out.Verdict.Rules)
	}
}

func TestClassifyMalformedRecord(t *testing.T) {
	srv := newServer(t, defaultServerConfig())

	rec := post(t, srv, "/v1/classify", `{"headers": 42}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var out outcomeBody
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if out.State != string(pipeline.StateErrored) || out.Error == nil || out.Error.Kind != pipeline.KindValidation {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestBatchIsolatesBadRecord(t *testing.T) {
	srv := newServer(t, defaultServerConfig())

	body := `{"requests": [` + benignRecord + `, {"headers": [["Host"]]}, ` + crlfRecord + `]}`
	rec := post(t, srv, "/v1/batch", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Outcomes []outcomeBody `json:"outcomes"`
		Errored  int           `json:"errored"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(resp.Outcomes) != 3 || resp.Errored != 1 {
		t.Fatalf("expected 3 outcomes with 1 errored, got %d/%d", len(resp.Outcomes), resp.Errored)
	}
	for i, o := range resp.Outcomes {
		if o.Index != i {
			t.Fatalf("outcome %d has index %d", i, o.Index)
		}
	}
	if resp.Outcomes[1].Error == nil || resp.Outcomes[0].Verdict == nil || resp.Outcomes[2].Verdict == nil {
		t.Fatalf("expected only the middle record to fail")
	}
}

func TestBatchRejectsBadEnvelope(t *testing.T) {
	srv := newServer(t, defaultServerConfig())

	for _, body := range []string{`not json`, `{}`, `{"requests": 5}`} {
		rec := post(t, srv, "/v1/batch", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestRejectsLargeBody(t *testing.T) {
	cfg := defaultServerConfig()
	cfg.MaxBodyBytes = 16
	srv := newServer(t, cfg)

	rec := post(t, srv, "/v1/classify", benignRecord)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := defaultServerConfig()
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, Key: "ip", RPS: 0.001, Burst: 1}
	srv := newServer(t, cfg)

	if rec := post(t, srv, "/v1/classify", benignRecord); rec.Code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", rec.Code)
	}
	if rec := post(t, srv, "/v1/classify", benignRecord); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected health check to bypass the limiter, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newServer(t, defaultServerConfig())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/classify", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

type cancelledClassifier struct{}

func (cancelledClassifier) Run(context.Context, []pipeline.Input) ([]pipeline.Outcome, error) {
	return nil, context.Canceled
}

func TestCancelledRunIsUnavailable(t *testing.T) {
	srv, err := New(cancelledClassifier{}, defaultServerConfig(), Options{})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	rec := post(t, srv, "/v1/batch", `{"requests": []}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	cfg := defaultServerConfig()
	cfg.Listen = "127.0.0.1:0"
	srv := newServer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}

func TestServeMetrics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	go func() { done <- ServeMetrics(ctx, "127.0.0.1:0", handler, nil) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("metrics server did not stop")
	}
}
