package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// mockWorkerPool implements WorkerPool for testing.
type mockWorkerPool struct {
	running  bool
	workers  int
	depth    int
	capacity int
}

func (m *mockWorkerPool) IsRunning() bool     { return m.running }
func (m *mockWorkerPool) RunningWorkers() int { return m.workers }
func (m *mockWorkerPool) QueueDepth() int     { return m.depth }
func (m *mockWorkerPool) QueueCapacity() int  { return m.capacity }

type staticCheck struct {
	name string
	err  error
}

func (c staticCheck) Name() string                    { return c.name }
func (c staticCheck) Check(ctx context.Context) error { return c.err }

func TestWorkersCheck_Name(t *testing.T) {
	check := NewWorkersCheck(&mockWorkerPool{})

	if check.Name() != "workers" {
		t.Errorf("expected name 'workers', got '%s'", check.Name())
	}
}

func TestWorkersCheck_Healthy(t *testing.T) {
	pool := &mockWorkerPool{running: true, workers: 3, depth: 1, capacity: 16}
	check := NewWorkersCheck(pool)

	if err := check.Check(context.Background()); err != nil {
		t.Errorf("expected no error, got %v", err)
	}

	result := check.CheckDetailed(context.Background())
	if result.Status != StatusHealthy {
		t.Errorf("expected status healthy, got %s", result.Status)
	}
	if result.Details["workers"] != "3" {
		t.Errorf("expected workers=3, got %s", result.Details["workers"])
	}
	if result.Details["queue_depth"] != "1" {
		t.Errorf("expected queue_depth=1, got %s", result.Details["queue_depth"])
	}
}

func TestWorkersCheck_Unhealthy(t *testing.T) {
	tests := []struct {
		name string
		pool *mockWorkerPool
	}{
		{"stopped", &mockWorkerPool{running: false, workers: 2}},
		{"no workers", &mockWorkerPool{running: true, workers: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := NewWorkersCheck(tt.pool)
			if err := check.Check(context.Background()); err == nil {
				t.Error("expected error for unhealthy pool")
			}
			if result := check.CheckDetailed(context.Background()); result.Status != StatusUnhealthy {
				t.Errorf("expected status unhealthy, got %s", result.Status)
			}
		})
	}
}

func TestWorkersCheck_Degraded(t *testing.T) {
	pool := &mockWorkerPool{running: true, workers: 3, depth: 14, capacity: 16}
	result := NewWorkersCheck(pool).CheckDetailed(context.Background())

	if result.Status != StatusDegraded {
		t.Errorf("expected status degraded, got %s", result.Status)
	}
}

func TestWorkersCheck_WithOptions(t *testing.T) {
	pool := &mockWorkerPool{running: true, workers: 3, depth: 4, capacity: 16}
	result := NewWorkersCheck(pool, WithQueueFullThreshold(0.25)).CheckDetailed(context.Background())

	if result.Status != StatusDegraded {
		t.Errorf("expected status degraded with custom threshold, got %s", result.Status)
	}
}

func TestRun_WorstStatusWins(t *testing.T) {
	degraded := NewWorkersCheck(&mockWorkerPool{running: true, workers: 1, depth: 16, capacity: 16})
	ok := staticCheck{name: "ledger"}

	report := Run(context.Background(), ok, degraded)
	if report.Status != StatusDegraded {
		t.Errorf("expected status degraded, got %s", report.Status)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("expected 2 results, got %d", len(report.Checks))
	}

	report = Run(context.Background(), degraded, staticCheck{name: "ledger", err: errors.New("disk full")})
	if report.Status != StatusUnhealthy {
		t.Errorf("expected status unhealthy, got %s", report.Status)
	}
	if report.Checks[1].Message != "disk full" {
		t.Errorf("expected message 'disk full', got '%s'", report.Checks[1].Message)
	}
}

func TestHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler(staticCheck{name: "ledger"}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	var report Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if report.Status != StatusHealthy {
		t.Errorf("expected status healthy, got %s", report.Status)
	}

	rec = httptest.NewRecorder()
	Handler(staticCheck{name: "ledger", err: errors.New("closed")}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rec.Code)
	}
}
