package agent

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sonuryildirim-max/video-factory-agent/internal/config"
)

func testConfig(t *testing.T, apiURL string) *config.Config {
	t.Helper()
	return &config.Config{
		APIBaseURL:          apiURL,
		BearerToken:         "test-token",
		WorkerID:            "test-worker",
		FFmpegPath:          "ffmpeg",
		FFprobePath:         "ffprobe",
		TempDir:             t.TempDir(),
		MaxConcurrentJobs:   2,
		ActiveWait:          60 * time.Second,
		ActiveGearDuration:  300 * time.Second,
		IdleWait:            3600 * time.Second,
		IdleHeartbeat:       3600 * time.Second,
		IdleToDeepThreshold: 7200 * time.Second,
		Deep1Wait:           21600 * time.Second,
		Deep2Wait:           86400 * time.Second,
		MaxURLDownloadBytes: 5 << 30,
		TimeoutMinutes:      60,
		RAMWarningGB:        28,
		RAMCriticalGB:       31.5,
		ThumbnailScale:      "360:-2",
		CDNBaseURL:          "https://cdn.bilgekarga.tr",
		CRFMap:              map[string]int{"native": 14, "dengeli": 14, "ultra": 16, "kucuk_dosya": 18},
	}
}

func newTestAgent(t *testing.T, apiURL string) *Agent {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(testConfig(t, apiURL), log, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestCanClaim(t *testing.T) {
	a := newTestAgent(t, "http://127.0.0.1:0")
	a.maxConcurrent = 2
	now := time.Now()

	if !a.canClaim(now) {
		t.Fatal("fresh agent should be able to claim")
	}

	a.mu.Lock()
	a.paused = true
	a.mu.Unlock()
	if a.canClaim(now) {
		t.Error("paused agent must not claim")
	}
	a.mu.Lock()
	a.paused = false
	a.mu.Unlock()

	a.ramCritical.Store(true)
	if a.canClaim(now) {
		t.Error("ram-critical agent must not claim")
	}
	a.ramCritical.Store(false)

	a.mu.Lock()
	a.activeJobs[1] = "w1"
	a.activeJobs[2] = "w2"
	a.mu.Unlock()
	if a.canClaim(now) {
		t.Error("full worker pool must not claim")
	}
	a.mu.Lock()
	delete(a.activeJobs, 1)
	delete(a.activeJobs, 2)
	a.mu.Unlock()

	a.mu.Lock()
	a.lastClaimTime = now.Add(-30 * time.Second)
	a.mu.Unlock()
	if a.canClaim(now) {
		t.Error("claims must be at least active_wait apart")
	}
	a.mu.Lock()
	a.lastClaimTime = now.Add(-60 * time.Second)
	a.mu.Unlock()
	if !a.canClaim(now) {
		t.Error("claim pacing of exactly active_wait should pass")
	}
}

func TestCurrentTier(t *testing.T) {
	a := newTestAgent(t, "http://127.0.0.1:0")
	now := time.Now()

	// Fresh agent: idle, recent lastJobTime.
	if tier := a.currentTier(now); tier != tierIdle {
		t.Errorf("tier = %v, want idle", tier)
	}

	// Active gear in the future.
	a.mu.Lock()
	a.mode = modeActive
	a.activeGearUntil = now.Add(2 * time.Minute)
	a.mu.Unlock()
	if tier := a.currentTier(now); tier != tierActive {
		t.Errorf("tier = %v, want active", tier)
	}

	// Gear elapsed: falls back to idle and flips mode.
	a.mu.Lock()
	a.activeGearUntil = now.Add(-time.Second)
	a.mu.Unlock()
	if tier := a.currentTier(now); tier != tierIdle {
		t.Errorf("tier after gear expiry = %v, want idle", tier)
	}
	a.mu.Lock()
	if a.mode != modeIdle {
		t.Errorf("mode = %v, want idle after gear expiry", a.mode)
	}
	a.mu.Unlock()

	// Long quiet spell: deep-1.
	a.mu.Lock()
	a.lastJobTime = now.Add(-3 * time.Hour)
	a.mu.Unlock()
	if tier := a.currentTier(now); tier != tierDeep1 {
		t.Errorf("tier = %v, want deep1", tier)
	}

	// Heartbeat silence dominates: deep-2.
	a.mu.Lock()
	a.heartbeatMisses = 3
	a.mu.Unlock()
	if tier := a.currentTier(now); tier != tierDeep2 {
		t.Errorf("tier = %v, want deep2", tier)
	}

	// A wakeup collapses everything back to active.
	a.wake()
	if tier := a.currentTier(time.Now()); tier != tierActive {
		t.Errorf("tier after wake = %v, want active", tier)
	}
}

func TestWakeSignalsSleep(t *testing.T) {
	a := newTestAgent(t, "http://127.0.0.1:0")
	a.wake()

	start := time.Now()
	a.cancellableSleep(context.Background(), 10*time.Second)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("sleep not preempted by wakeup, took %v", elapsed)
	}

	a.mu.Lock()
	if a.mode != modeActive {
		t.Error("wake should set mode active")
	}
	if !a.lastClaimTime.IsZero() {
		t.Error("wake should zero last_claim_time")
	}
	a.mu.Unlock()
}

func TestTieredHeartbeatEscalation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL)
	ctx := context.Background()
	last := time.Time{}

	for i := 1; i <= 3; i++ {
		last = a.tieredHeartbeat(ctx, time.Now(), last)
		a.mu.Lock()
		misses := a.heartbeatMisses
		a.mu.Unlock()
		if misses != i {
			t.Fatalf("after %d failed heartbeats, misses = %d", i, misses)
		}
		last = time.Time{} // force the next heartbeat to be due
	}
	if tier := a.currentTier(time.Now()); tier != tierDeep2 {
		t.Errorf("tier = %v, want deep2 after 3 misses", tier)
	}
}

func TestTieredHeartbeatRecovers(t *testing.T) {
	fail := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL)
	ctx := context.Background()

	a.tieredHeartbeat(ctx, time.Now(), time.Time{})
	a.mu.Lock()
	if a.heartbeatMisses != 1 {
		t.Fatalf("misses = %d, want 1", a.heartbeatMisses)
	}
	a.mu.Unlock()

	fail = false
	a.tieredHeartbeat(ctx, time.Now(), time.Time{})
	a.mu.Lock()
	if a.heartbeatMisses != 0 {
		t.Errorf("misses = %d, want reset to 0 on success", a.heartbeatMisses)
	}
	a.mu.Unlock()
}

func TestTieredHeartbeat4xxDoesNotCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL)
	a.tieredHeartbeat(context.Background(), time.Now(), time.Time{})
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.heartbeatMisses != 0 {
		t.Errorf("misses = %d, want 0: a 4xx is an answered heartbeat", a.heartbeatMisses)
	}
}

func TestClaimTickEnqueues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/jobs/mark-zombies":
			w.WriteHeader(http.StatusNoContent)
		case "/api/jobs/claim":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"id":101,"clean_name":"a.mp4","quality":"720p","processing_profile":"crf_14","download_url":"https://cdn.example/in.mp4","file_size_input":1000}`)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL)
	a.downloader.FreeBytes = func(string) (uint64, error) { return 1 << 40, nil }

	now := time.Now()
	a.claimTick(context.Background(), now)

	job, ok := a.jobs.Take(time.Second)
	if !ok || job == nil || job.ID != 101 {
		t.Fatalf("queue should hold job 101, got (%v, %v)", job, ok)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mode != modeActive {
		t.Error("successful claim should enter active gear")
	}
	if !a.activeGearUntil.After(now) {
		t.Error("successful claim should extend the active gear window")
	}
	if !a.lastClaimTime.Equal(now) {
		t.Error("claim tick should stamp last_claim_time")
	}
	if !a.lastJobTime.Equal(now) {
		t.Error("claim tick should stamp last_job_time")
	}
}

func TestClaimTickDiskRefusal(t *testing.T) {
	var failedStage string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/jobs/claim":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"id":55,"clean_name":"big.mp4","quality":"720p","processing_profile":"crf_14","download_url":"https://cdn.example/in.mp4","file_size_input":1000}`)
		case "/api/jobs/fail":
			body, _ := io.ReadAll(r.Body)
			if string(body) != "" {
				failedStage = string(body)
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL)
	a.downloader.FreeBytes = func(string) (uint64, error) { return 1999, nil } // < 2x 1000

	a.claimTick(context.Background(), time.Now())

	if _, ok := a.jobs.Take(50 * time.Millisecond); ok {
		t.Fatal("disk-refused job must not be enqueued")
	}
	if failedStage == "" {
		t.Fatal("jobs/fail should have been called")
	}
	if want := `"stage":"claim"`; !strings.Contains(failedStage, want) {
		t.Errorf("fail body = %s, want stage claim", failedStage)
	}
}
