package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/strandline/ferryman/pkg/config"
	"github.com/strandline/ferryman/pkg/engine/enginetest"
	"github.com/strandline/ferryman/pkg/executor"
	"github.com/strandline/ferryman/pkg/logging"
	"github.com/strandline/ferryman/pkg/pool"
	"github.com/strandline/ferryman/pkg/task"
)

type testServer struct {
	srv *Server
	rt  *enginetest.Runtime
	p   *pool.Pool
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Pool.Size = 1
	cfg.Task.DefaultTimeout = 5 * time.Second
	cfg.Task.StepTimeout = time.Second
	if mutate != nil {
		mutate(cfg)
	}

	rt := enginetest.NewRuntime()
	rt.SetPage("https://shop.example/product/1", enginetest.Page{
		HTML: `<html><head><script type="application/ld+json">
			{"@type":"Product","brand":{"name":"Northfield"},"offers":{"price":"49.00"}}
			</script></head>
			<body><h1>Trail Hoodie</h1><div class="price">£49.00</div></body></html>`,
		Selectors: map[string]string{
			"h1":     "Trail Hoodie",
			".price": "£49.00",
		},
	})

	p, err := pool.New(rt, pool.Config{Size: cfg.Pool.Size}, logging.Nop(), pool.NewMetrics())
	if err != nil {
		t.Fatalf("pool.New failed: %v", err)
	}
	t.Cleanup(p.Close)

	exec := executor.New(p, executor.Config{
		DefaultTimeout: cfg.Task.DefaultTimeout,
		StepTimeout:    cfg.Task.StepTimeout,
	}, logging.Nop(), nil)

	srv := NewServer(ServerConfig{
		Config:   cfg,
		Executor: exec,
		Pool:     p,
		Logger:   logging.Nop(),
	})
	return &testServer{srv: srv, rt: rt, p: p}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, "GET", "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", w.Code)
	}
}

func TestReadyzReady(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, "GET", "/readyz", nil)
	if w.Code != http.StatusOK {
		t.Errorf("readyz status = %d, want 200", w.Code)
	}
}

func TestSubmitTaskSync(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, "POST", "/api/v1/tasks", SubmitTaskRequest{
		Steps: []task.Step{
			{Type: task.StepNavigate, URL: "https://shop.example/product/1"},
			{Type: task.StepExtract, Fields: map[string]string{"title": "h1"}},
		},
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
	var res task.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Status != task.StatusSucceeded {
		t.Errorf("result status = %s, want succeeded (error: %+v)", res.Status, res.Error)
	}
	if res.Data["title"] != "Trail Hoodie" {
		t.Errorf("title = %q, want Trail Hoodie", res.Data["title"])
	}
}

func TestSubmitTaskValidationFailure(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name   string
		req    SubmitTaskRequest
		reason string
	}{
		{
			name:   "empty steps",
			req:    SubmitTaskRequest{},
			reason: "empty_steps",
		},
		{
			name: "malformed url",
			req: SubmitTaskRequest{Steps: []task.Step{
				{Type: task.StepNavigate, URL: "not-a-url"},
			}},
			reason: "invalid_url",
		},
		{
			name: "unsupported action",
			req: SubmitTaskRequest{Steps: []task.Step{
				{Type: task.StepNavigate, URL: "https://shop.example/product/1"},
				{Type: task.StepInteract, Action: "hover", Target: "#x"},
			}},
			reason: "schema",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, "POST", "/api/v1/tasks", tt.req)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400; body = %s", w.Code, w.Body.String())
			}
			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body["code"] != tt.reason {
				t.Errorf("reason code = %q, want %q", body["code"], tt.reason)
			}
		})
	}

	// No browser resource is touched by rejected requests.
	if got := ts.rt.ContextsOpened.Load(); got != 0 {
		t.Errorf("contexts opened by rejected requests = %d, want 0", got)
	}
}

func TestSubmitTaskBadJSON(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest("POST", "/api/v1/tasks", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestSubmitTaskTimeoutMapsTo504(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, "POST", "/api/v1/tasks", SubmitTaskRequest{
		Steps: []task.Step{
			{Type: task.StepNavigate, URL: "https://shop.example/product/1"},
			{Type: task.StepWaitFor, Selector: "#never-appears"},
		},
		TimeoutMS: 200,
	})

	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504; body = %s", w.Code, w.Body.String())
	}
	var res task.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Status != task.StatusTimedOut {
		t.Errorf("result status = %s, want timed_out", res.Status)
	}
}

func TestSubmitTaskStepFailureReturnsResult(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, "POST", "/api/v1/tasks", SubmitTaskRequest{
		Steps: []task.Step{
			{Type: task.StepNavigate, URL: "https://unreachable.example/"},
		},
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
	var res task.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Status != task.StatusFailed {
		t.Errorf("result status = %s, want failed", res.Status)
	}
	if res.Error == nil || res.Error.Code != "NAVIGATION" {
		t.Errorf("error = %+v, want NAVIGATION", res.Error)
	}
}

func TestSubmitTaskAsyncAndPoll(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, "POST", "/api/v1/tasks", SubmitTaskRequest{
		Steps: []task.Step{
			{Type: task.StepNavigate, URL: "https://shop.example/product/1"},
			{Type: task.StepExtract, Fields: map[string]string{"title": "h1"}},
		},
		Async: true,
	})

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", w.Code, w.Body.String())
	}
	var accepted map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &accepted); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	id := accepted["task_id"]
	if id == "" {
		t.Fatal("no task_id in 202 response")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		w := ts.do(t, "GET", "/api/v1/tasks/"+id, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("poll status = %d, want 200", w.Code)
		}
		var rec TaskRecord
		if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
			t.Fatalf("decode record: %v", err)
		}
		if rec.State == StateCompleted {
			if rec.Result == nil || rec.Result.Data["title"] != "Trail Hoodie" {
				t.Errorf("record result = %+v, want extracted title", rec.Result)
			}
			break
		}
		if rec.State == StateFailed || rec.State == StateTimedOut || rec.State == StateRejected {
			t.Fatalf("task ended in state %s", rec.State)
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never completed, last state %s", rec.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, "GET", "/api/v1/tasks/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestPoolStatsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, "GET", "/api/v1/pool", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var stats pool.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Target != 1 || stats.Ready != 1 {
		t.Errorf("stats = %+v, want target 1 ready 1", stats)
	}
}

func TestAuthRequiredWhenConfigured(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.AuthToken = "sekrit"
	})

	w := ts.do(t, "GET", "/api/v1/pool", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/v1/pool", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status with token = %d, want 200", rec.Code)
	}

	// Health endpoints stay open for probes.
	w = ts.do(t, "GET", "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Errorf("healthz with auth enabled = %d, want 200", w.Code)
	}
}

func TestScrapeEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, "POST", "/api/v1/scrape", ScrapeRequest{
		ProductURL: "https://shop.example/product/1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}

	var product map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &product); err != nil {
		t.Fatalf("decode product: %v", err)
	}
	if product["product_name"] != "Trail Hoodie" {
		t.Errorf("product_name = %v, want Trail Hoodie", product["product_name"])
	}
	if product["brand"] != "Northfield" {
		t.Errorf("brand = %v, want Northfield", product["brand"])
	}
	if product["source_domain"] != "shop.example" {
		t.Errorf("source_domain = %v", product["source_domain"])
	}
	if product["scraped_at"] == "" {
		t.Error("scraped_at not stamped")
	}
	if product["category"] != nil {
		t.Errorf("category = %v, want null", product["category"])
	}
}

func TestScrapeInvalidURL(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, "POST", "/api/v1/scrape", ScrapeRequest{ProductURL: "/relative"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, "GET", "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ferryman_pool_ready_handles") {
		t.Error("pool gauge missing from metrics output")
	}
}

func TestRequestStateMachine(t *testing.T) {
	rec := &TaskRecord{ID: "x", State: StateReceived}

	legal := []RequestState{StateValidated, StateQueued, StateExecuting, StateCompleted}
	for _, next := range legal {
		if err := rec.advance(next); err != nil {
			t.Fatalf("advance(%s): %v", next, err)
		}
	}

	// Terminal states are never left and no state is re-entered.
	for _, next := range []RequestState{StateExecuting, StateFailed, StateReceived, StateCompleted} {
		if err := rec.advance(next); err == nil {
			t.Errorf("advance(%s) from terminal state succeeded, want error", next)
		}
	}

	rejected := &TaskRecord{ID: "y", State: StateReceived}
	if err := rejected.advance(StateRejected); err != nil {
		t.Fatalf("advance(rejected): %v", err)
	}
	if err := rejected.advance(StateValidated); err == nil {
		t.Error("left the rejected state, want error")
	}
}

func TestConcurrentSubmitsRespectPoolCap(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Pool.Size = 2
	})
	done := make(chan int, 8)
	for i := 0; i < 8; i++ {
		go func() {
			w := ts.do(t, "POST", "/api/v1/tasks", SubmitTaskRequest{
				Steps: []task.Step{
					{Type: task.StepNavigate, URL: "https://shop.example/product/1"},
					{Type: task.StepExtract, Fields: map[string]string{"title": "h1"}},
				},
			})
			done <- w.Code
		}()
	}
	for i := 0; i < 8; i++ {
		if code := <-done; code != http.StatusOK {
			t.Errorf("concurrent submit status = %d, want 200", code)
		}
	}

	opened, closed := ts.rt.ContextsOpened.Load(), ts.rt.ContextsClosed.Load()
	if opened != closed {
		t.Errorf("context leak: opened %d closed %d", opened, closed)
	}
	if opened != 8 {
		t.Errorf("contexts opened = %d, want 8", opened)
	}
}
