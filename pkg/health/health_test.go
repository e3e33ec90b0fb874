package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func reset() {
	checker = &Checker{
		components: make(map[string]Component),
		startTime:  time.Now(),
	}
}

func TestRegister(t *testing.T) {
	reset()
	Register("vfs", true, "running")

	if len(checker.components) != 1 {
		t.Fatalf("expected 1 component, got %d", len(checker.components))
	}

	comp := checker.components["vfs"]
	if !comp.Healthy {
		t.Error("component should be healthy")
	}
	if comp.Message != "running" {
		t.Errorf("expected message 'running', got %q", comp.Message)
	}
}

func TestGet_AllHealthy(t *testing.T) {
	reset()
	checker.version = "1.0.0"

	Register("vfs", true, "")
	Register("smgr", true, "")

	status := Get()
	if status.Status != "healthy" {
		t.Errorf("expected healthy, got %q", status.Status)
	}
	if len(status.Components) != 2 {
		t.Errorf("expected 2 components, got %d", len(status.Components))
	}
	if status.Version != "1.0.0" {
		t.Errorf("expected version 1.0.0, got %q", status.Version)
	}
}

func TestGet_OneUnhealthy(t *testing.T) {
	reset()
	Register("vfs", true, "")
	Register("xlog", false, "recovery stalled")

	status := Get()
	if status.Status != "unhealthy" {
		t.Errorf("expected unhealthy, got %q", status.Status)
	}
	if status.Components["xlog"] != "unhealthy: recovery stalled" {
		t.Errorf("unexpected xlog status: %s", status.Components["xlog"])
	}
}

func TestReadiness_MissingCriticalComponent(t *testing.T) {
	reset()
	Register("vfs", true, "")
	// smgr and xlog never registered

	r := Readiness()
	if r.Status != "not_ready" {
		t.Errorf("expected not_ready, got %q", r.Status)
	}
	if r.Message == "" {
		t.Error("expected message explaining why not ready")
	}
}

func TestReadiness_AllReady(t *testing.T) {
	reset()
	Register("vfs", true, "")
	Register("smgr", true, "")
	Register("xlog", true, "")

	r := Readiness()
	if r.Status != "ready" {
		t.Errorf("expected ready, got %q", r.Status)
	}
}

func TestHandler_Unhealthy(t *testing.T) {
	reset()
	Register("vfs", false, "broken")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	Handler()(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}

	var status Status
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != "unhealthy" {
		t.Errorf("expected unhealthy body, got %q", status.Status)
	}
}

func TestLiveHandler(t *testing.T) {
	reset()

	req := httptest.NewRequest("GET", "/live", nil)
	w := httptest.NewRecorder()
	LiveHandler()(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "alive" {
		t.Errorf("expected alive, got %q", body["status"])
	}
}
