package agent

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWakeupEndpoint(t *testing.T) {
	a := newTestAgent(t, "http://127.0.0.1:0")
	srv := httptest.NewServer(a.wakeupRouter())
	defer srv.Close()

	// Missing bearer: 401, state untouched.
	resp, err := http.Post(srv.URL+"/wakeup", "", nil)
	if err != nil {
		t.Fatalf("POST /wakeup: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no-auth status = %d, want 401", resp.StatusCode)
	}
	a.mu.Lock()
	if a.mode != modeIdle {
		t.Error("unauthorized wakeup must not change state")
	}
	a.mu.Unlock()

	// Wrong token: 401.
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/wakeup", nil)
	req.Header.Set("Authorization", "Bearer nope")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /wakeup: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad-token status = %d, want 401", resp.StatusCode)
	}

	// Correct token: 200, agent goes active, sleep collapses.
	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/wakeup", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /wakeup: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authorized status = %d, want 200", resp.StatusCode)
	}
	a.mu.Lock()
	if a.mode != modeActive {
		t.Error("authorized wakeup should set mode active")
	}
	if time.Until(a.activeGearUntil) <= 0 {
		t.Error("authorized wakeup should extend the gear window")
	}
	a.mu.Unlock()

	select {
	case <-a.wakeupCh:
	default:
		t.Error("wakeup event should be pending after an authorized request")
	}
}

func TestWakeupUnknownPaths(t *testing.T) {
	a := newTestAgent(t, "http://127.0.0.1:0")
	srv := httptest.NewServer(a.wakeupRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/wakeup")
	if err != nil {
		t.Fatalf("GET /wakeup: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Error("GET /wakeup must not be accepted")
	}

	resp, err = http.Post(srv.URL+"/other", "", nil)
	if err != nil {
		t.Fatalf("POST /other: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestAgent(t, "http://127.0.0.1:0")
	srv := httptest.NewServer(a.wakeupRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", resp.StatusCode)
	}
}
