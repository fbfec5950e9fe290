//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/strandline/ferryman/pkg/api"
	"github.com/strandline/ferryman/pkg/bus"
	"github.com/strandline/ferryman/pkg/config"
	"github.com/strandline/ferryman/pkg/engine/enginetest"
	"github.com/strandline/ferryman/pkg/executor"
	"github.com/strandline/ferryman/pkg/logging"
	"github.com/strandline/ferryman/pkg/pool"
	"github.com/strandline/ferryman/pkg/task"
)

type stack struct {
	ts  *httptest.Server
	rt  *enginetest.Runtime
	p   *pool.Pool
	bus bus.MessageBus
}

// newStack wires the whole service against the fake engine runtime: pool,
// executor, event bus and HTTP gateway.
func newStack(t *testing.T, poolSize int) *stack {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Pool.Size = poolSize
	cfg.Task.DefaultTimeout = 5 * time.Second
	cfg.Task.StepTimeout = time.Second

	rt := enginetest.NewRuntime()
	rt.SetPage("https://shop.example/product/1", enginetest.Page{
		HTML: `<html><body><h1>Trail Hoodie</h1><div class="price">£49.00</div></body></html>`,
		Selectors: map[string]string{
			"h1":     "Trail Hoodie",
			".price": "£49.00",
		},
	})

	eventBus := bus.NewMemoryBus()
	t.Cleanup(func() { eventBus.Close() })

	metrics := pool.NewMetrics()
	metrics.EnableBus(eventBus)

	p, err := pool.New(rt, pool.Config{
		Size:             poolSize,
		CrashRetryLimit:  cfg.Pool.CrashRetryLimit,
		CrashRetryWindow: cfg.Pool.CrashRetryWindow,
	}, logging.Nop(), metrics)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	t.Cleanup(p.Close)

	exec := executor.New(p, executor.Config{
		DefaultTimeout: cfg.Task.DefaultTimeout,
		StepTimeout:    cfg.Task.StepTimeout,
	}, logging.Nop(), eventBus)

	srv := api.NewServer(api.ServerConfig{
		Config:   cfg,
		Executor: exec,
		Pool:     p,
		Logger:   logging.Nop(),
		EventBus: eventBus,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &stack{ts: ts, rt: rt, p: p, bus: eventBus}
}

func (s *stack) submit(t *testing.T, req api.SubmitTaskRequest) (*http.Response, task.Result) {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(s.ts.URL+"/api/v1/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/v1/tasks: %v", err)
	}
	defer resp.Body.Close()

	var res task.Result
	_ = json.NewDecoder(resp.Body).Decode(&res)
	return resp, res
}

func extractTask() api.SubmitTaskRequest {
	return api.SubmitTaskRequest{
		Steps: []task.Step{
			{Type: task.StepNavigate, URL: "https://shop.example/product/1"},
			{Type: task.StepExtract, Fields: map[string]string{"title": "h1", "price": ".price"}},
		},
	}
}

func TestEndToEndTaskFlow(t *testing.T) {
	s := newStack(t, 2)

	resp, res := s.submit(t, extractTask())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if res.Status != task.StatusSucceeded {
		t.Fatalf("result status = %s (error %+v)", res.Status, res.Error)
	}
	if res.Data["title"] != "Trail Hoodie" || res.Data["price"] != "£49.00" {
		t.Errorf("data = %v", res.Data)
	}
}

// A pool of one serializes concurrent tasks: all of them succeed, never
// more than one context is in flight, and nothing leaks.
func TestPoolOfOneSerializesTasks(t *testing.T) {
	s := newStack(t, 1)

	var inFlight, peak atomic.Int32
	go func() {
		for {
			n := s.rt.ContextsOpened.Load() - s.rt.ContextsClosed.Load()
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			if inFlight.Load() < 0 {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, res := s.submit(t, extractTask())
			if resp.StatusCode != http.StatusOK || res.Status != task.StatusSucceeded {
				t.Errorf("status = %d result = %s", resp.StatusCode, res.Status)
			}
		}()
	}
	wg.Wait()
	inFlight.Store(-1)

	if got := peak.Load(); got > 1 {
		t.Errorf("contexts in flight peaked at %d, want <= 1", got)
	}
	if opened, closed := s.rt.ContextsOpened.Load(), s.rt.ContextsClosed.Load(); opened != closed {
		t.Errorf("context leak: opened %d closed %d", opened, closed)
	}
}

// Mid-task crash: the in-flight task fails with a non-pool error, the
// crashed engine is replaced, and the next task succeeds.
func TestCrashRecoveryThroughGateway(t *testing.T) {
	s := newStack(t, 1)

	go func() {
		time.Sleep(50 * time.Millisecond)
		s.rt.Engines()[0].Crash()
	}()

	resp, res := s.submit(t, api.SubmitTaskRequest{
		Steps: []task.Step{
			{Type: task.StepNavigate, URL: "https://shop.example/product/1"},
			{Type: task.StepWaitFor, Selector: "#never-appears"},
		},
	})
	if res.Status != task.StatusFailed {
		t.Fatalf("status = %d result = %s, want failed result", resp.StatusCode, res.Status)
	}
	if res.Error == nil || res.Error.Code == "POOL_EXHAUSTED" || res.Error.Code == "POOL_DEGRADED" {
		t.Errorf("error = %+v, want a non-pool error", res.Error)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.p.Stats().Ready == 0 {
		if time.Now().After(deadline) {
			t.Fatal("replacement engine never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, res = s.submit(t, extractTask())
	if resp.StatusCode != http.StatusOK || res.Status != task.StatusSucceeded {
		t.Fatalf("post-crash status = %d result = %s (error %+v)", resp.StatusCode, res.Status, res.Error)
	}
}

// A degraded pool surfaces as 503 on task submission and as not-ready on
// the readiness probe.
func TestDegradedPoolSurfacesAs503(t *testing.T) {
	s := newStack(t, 1)

	// Crash the only engine and make every replacement fail past the
	// crash budget.
	s.rt.FailNextStarts(10)
	s.rt.Engines()[0].Crash()

	resp, _ := s.submit(t, api.SubmitTaskRequest{
		Steps: []task.Step{
			{Type: task.StepNavigate, URL: "https://shop.example/product/1"},
		},
		TimeoutMS: 500,
	})
	_ = resp

	deadline := time.Now().Add(3 * time.Second)
	for !s.p.Degraded() {
		if time.Now().After(deadline) {
			t.Fatal("pool never degraded")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, res := s.submit(t, extractTask())
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("submit on degraded pool = %d, want 503", resp.StatusCode)
	}
	if res.Error == nil || res.Error.Code != "POOL_DEGRADED" {
		t.Errorf("error = %+v, want POOL_DEGRADED", res.Error)
	}

	probe, err := http.Get(s.ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	probe.Body.Close()
	if probe.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz on degraded pool = %d, want 503", probe.StatusCode)
	}
}

// Task lifecycle events flow over the bus end to end.
func TestLifecycleEventsOnBus(t *testing.T) {
	s := newStack(t, 1)

	var submitted, finished atomic.Int32
	subSubmitted, err := s.bus.Subscribe(context.Background(), bus.SubjectTaskSubmitted, func(msg *bus.Message) []byte {
		submitted.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe submitted: %v", err)
	}
	defer subSubmitted.Unsubscribe()

	subFinished, err := s.bus.Subscribe(context.Background(), bus.SubjectTaskFinished, func(msg *bus.Message) []byte {
		finished.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe finished: %v", err)
	}
	defer subFinished.Unsubscribe()

	resp, _ := s.submit(t, extractTask())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for submitted.Load() < 1 || finished.Load() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("events: submitted=%d finished=%d, want >=1 each", submitted.Load(), finished.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
