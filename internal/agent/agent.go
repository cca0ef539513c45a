package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sonuryildirim-max/video-factory-agent/internal/api"
	"github.com/sonuryildirim-max/video-factory-agent/internal/config"
	"github.com/sonuryildirim-max/video-factory-agent/internal/download"
	"github.com/sonuryildirim-max/video-factory-agent/internal/history"
	"github.com/sonuryildirim-max/video-factory-agent/internal/metrics"
	"github.com/sonuryildirim-max/video-factory-agent/internal/notify"
	"github.com/sonuryildirim-max/video-factory-agent/internal/queue"
	"github.com/sonuryildirim-max/video-factory-agent/internal/safeurl"
	"github.com/sonuryildirim-max/video-factory-agent/internal/telemetry"
	"github.com/sonuryildirim-max/video-factory-agent/internal/transcode"
)

type mode string

const (
	modeActive mode = "active"
	modeIdle   mode = "idle"
)

type sleepTier int

const (
	tierActive sleepTier = iota
	tierIdle
	tierDeep1
	tierDeep2
)

const heartbeatMissCap = 10

// Agent is the long-lived worker process: it claims jobs, runs the pipeline
// through a bounded worker pool, and modulates its poll cadence through the
// active/idle/deep-sleep tiers.
type Agent struct {
	cfg        *config.Config
	log        *slog.Logger
	client     *api.Client
	notifier   *notify.Notifier
	guard      *safeurl.Guard
	transform  *safeurl.Transformer
	downloader *download.Downloader
	transcoder *transcode.Transcoder
	jobs       *queue.JobQueue
	store      *history.Store

	maxConcurrent int
	startTime     time.Time

	// mu protects the tuple of mode, timers, maps and the pause flag.
	mu              sync.Mutex
	mode            mode
	activeGearUntil time.Time
	lastClaimTime   time.Time
	lastJobTime     time.Time
	heartbeatMisses int
	activeJobs      map[int64]string
	activeProcs     map[int64]*exec.Cmd
	paused          bool

	// Monotonic flags, safe to read without the lock.
	ramCritical atomic.Bool
	running     atomic.Bool

	// External downloads are globally serialized to bound bandwidth.
	urlSem *semaphore.Weighted

	// One-shot auto-reset wakeup signal; collapses any sleep tier.
	wakeupCh chan struct{}

	loopWG   sync.WaitGroup
	workerWG sync.WaitGroup
}

// New wires the agent. The temp dir is created and swept for orphans;
// the worker pool size is computed from the host unless overridden.
func New(cfg *config.Config, log *slog.Logger, store *history.Store) (*Agent, error) {
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}

	a := &Agent{
		cfg:       cfg,
		log:       log,
		client:    api.NewClient(cfg.APIBaseURL, cfg.BearerToken, cfg.WorkerID, log),
		notifier:  notify.New(cfg.TelegramToken, cfg.TelegramChatID, cfg.FallbackWebhookURL, log),
		guard:     safeurl.NewGuard(),
		transform: safeurl.NewTransformer(),
		transcoder: &transcode.Transcoder{
			FFmpegPath:  cfg.FFmpegPath,
			FFprobePath: cfg.FFprobePath,
			CRFMap:      cfg.CRFMap,
			Timeout:     time.Duration(cfg.TimeoutMinutes) * time.Minute,
			Log:         log,
		},
		store:       store,
		startTime:   time.Now(),
		mode:        modeIdle,
		lastJobTime: time.Now(),
		activeJobs:  make(map[int64]string),
		activeProcs: make(map[int64]*exec.Cmd),
		urlSem:      semaphore.NewWeighted(1),
		wakeupCh:    make(chan struct{}, 1),
	}
	a.downloader = download.New(cfg.TempDir, cfg.MaxURLDownloadBytes, log)
	a.maxConcurrent = a.computeMaxConcurrent()
	a.jobs = queue.New(2 * a.maxConcurrent)

	a.cleanupOrphanFiles()
	log.Info("agent initialized", "worker_id", cfg.WorkerID, "max_concurrent", a.maxConcurrent)
	return a, nil
}

// Validate fails fast on missing required configuration.
func (a *Agent) Validate(ctx context.Context) error {
	if a.cfg.BearerToken == "" {
		return fmt.Errorf("BK_BEARER_TOKEN not set")
	}
	if err := a.transcoder.Verify(ctx); err != nil {
		return err
	}
	return nil
}

// computeMaxConcurrent sizes the worker pool: one CPU is left for the
// system, each render is budgeted ~4 GiB RAM, ceiling 8 (16 with an
// explicit override).
func (a *Agent) computeMaxConcurrent() int {
	if a.cfg.MaxConcurrentJobs > 0 {
		return clamp(a.cfg.MaxConcurrentJobs, 1, 16)
	}
	health := telemetry.Snapshot(a.cfg.TempDir)
	cpus := telemetry.CPUCount(4)
	ramGB := health.RAMAvailableGB
	if ramGB <= 0 {
		ramGB = health.RAMTotalGB
	}
	byRAM := 1
	if ramGB > 0 {
		byRAM = max(1, int(ramGB/4))
	}
	n := min(max(1, cpus-1), byRAM, 8)
	a.log.Info("computed worker pool size", "cpus", cpus, "ram_gb", ramGB, "max_concurrent", n)
	return n
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// signalWakeup sets the one-shot wakeup event without blocking.
func (a *Agent) signalWakeup() {
	select {
	case a.wakeupCh <- struct{}{}:
	default:
	}
}

// cancellableSleep waits up to d, returning early on wakeup or context
// cancel.
func (a *Agent) cancellableSleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-a.wakeupCh:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// wake transitions the state machine into ACTIVE and collapses any sleep.
func (a *Agent) wake() {
	a.mu.Lock()
	a.mode = modeActive
	a.activeGearUntil = time.Now().Add(a.cfg.ActiveGearDuration)
	a.lastClaimTime = time.Time{}
	a.mu.Unlock()
	a.signalWakeup()
}

// currentTier picks the polling tier for this tick. The active gear is
// expired here as a side effect, mirroring the claim loop's view.
func (a *Agent) currentTier(now time.Time) sleepTier {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mode == modeActive && !now.Before(a.activeGearUntil) {
		a.mode = modeIdle
	}
	if a.mode == modeActive {
		return tierActive
	}
	if a.heartbeatMisses >= 3 {
		return tierDeep2
	}
	if now.Sub(a.lastJobTime) >= a.cfg.IdleToDeepThreshold {
		return tierDeep1
	}
	return tierIdle
}

// canClaim is the claim admission rule, evaluated atomically per tick.
func (a *Agent) canClaim(now time.Time) bool {
	if a.ramCritical.Load() {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.paused &&
		len(a.activeJobs) < a.maxConcurrent &&
		now.Sub(a.lastClaimTime) >= a.cfg.ActiveWait
}

// Run drives the agent until ctx is cancelled (SIGTERM) or the critical-RAM
// latch drains the pool.
func (a *Agent) Run(ctx context.Context) error {
	a.running.Store(true)
	a.log.Info("agent starting (stealth idle + active gear)", "worker_id", a.cfg.WorkerID)

	if !a.notifier.Send(ctx, "🟢 SYSTEM ONLINE | NODE: Primary Core") {
		a.log.Debug("startup message skipped (no chat config)")
	}

	loopCtx, cancelLoops := context.WithCancel(context.Background())
	defer cancelLoops()

	srv := a.startWakeupServer()
	defer a.stopWakeupServer(srv)

	a.recoverInterruptedJobs(ctx)

	a.spawnLoop(loopCtx, "stealth-heartbeat", a.stealthHeartbeatLoop)
	a.spawnLoop(loopCtx, "samaritan-status", a.statusLoop)
	a.spawnLoop(loopCtx, "samaritan-ping", a.pingLoop)
	a.spawnLoop(loopCtx, "ram-watchdog", a.ramWatchdogLoop)
	if a.notifier.Enabled() {
		a.spawnLoop(loopCtx, "command-channel", a.commandLoop)
	}

	for i := 0; i < a.maxConcurrent; i++ {
		a.workerWG.Add(1)
		go a.workerLoop(i + 1)
	}

	a.mainLoop(ctx)

	a.running.Store(false)
	for i := 0; i < a.maxConcurrent; i++ {
		a.jobs.Push(nil)
	}
	waitTimeout(&a.workerWG, 5*time.Second)
	cancelLoops()
	a.loopWG.Wait()
	a.log.Info("agent stopped")
	return nil
}

func (a *Agent) spawnLoop(ctx context.Context, name string, fn func(context.Context)) {
	a.loopWG.Add(1)
	go func() {
		defer a.loopWG.Done()
		fn(ctx)
		a.log.Debug("background loop stopped", "loop", name)
	}()
}

func (a *Agent) mainLoop(ctx context.Context) {
	var lastHeartbeat time.Time
	for a.running.Load() {
		select {
		case <-ctx.Done():
			a.log.Info("shutdown signal received, stopping agent")
			return
		default:
		}

		now := time.Now()
		tier := a.currentTier(now)

		a.mu.Lock()
		active := len(a.activeJobs)
		a.mu.Unlock()

		if a.ramCritical.Load() && active == 0 && a.jobs.Len() == 0 {
			a.log.Info("graceful shutdown: no active jobs left, stopping")
			return
		}

		var wait time.Duration
		switch tier {
		case tierActive:
			wait = a.cfg.ActiveWait
			a.mu.Lock()
			a.heartbeatMisses = 0
			a.mu.Unlock()
			if now.Sub(lastHeartbeat) >= 30*time.Second {
				if a.sendHeartbeat(ctx) == nil {
					lastHeartbeat = now
				}
			}
			if a.canClaim(now) {
				a.claimTick(ctx, now)
			}

		case tierDeep2:
			wait = a.cfg.Deep2Wait
			lastHeartbeat = a.tieredHeartbeat(ctx, now, lastHeartbeat)

		case tierDeep1:
			wait = a.cfg.Deep1Wait
			lastHeartbeat = a.tieredHeartbeat(ctx, now, lastHeartbeat)

		default:
			wait = a.cfg.IdleWait
			lastHeartbeat = a.tieredHeartbeat(ctx, now, lastHeartbeat)
			a.log.Info("idle: next check scheduled", "wait", wait)
		}

		a.cancellableSleep(ctx, wait)
	}
}

// claimTick performs one zombie sweep + claim + enqueue. last_claim_time,
// last_job_time and active_gear_until are updated under one lock hold so
// observers see them together.
func (a *Agent) claimTick(ctx context.Context, now time.Time) {
	a.client.MarkZombies(ctx)
	job, err := a.client.ClaimJob(ctx)
	if err != nil {
		a.log.Debug("claim failed", "error", err)
	}

	if job == nil {
		a.mu.Lock()
		a.lastClaimTime = now
		if !now.Before(a.activeGearUntil) {
			a.mode = modeIdle
		}
		a.mu.Unlock()
		return
	}

	metrics.ClaimsTotal.Inc()
	if !a.ensureDiskSpaceForJob(ctx, job) {
		a.mu.Lock()
		a.lastClaimTime = now
		a.mu.Unlock()
		a.client.FailJob(ctx, job.ID, "insufficient disk space (need 2x file size free)", "claim", "")
		return
	}

	a.jobs.Push(job)
	metrics.QueueDepth.Set(float64(a.jobs.Len()))

	a.mu.Lock()
	a.lastClaimTime = now
	a.lastJobTime = now
	a.activeGearUntil = now.Add(a.cfg.ActiveGearDuration)
	a.mode = modeActive
	a.mu.Unlock()
	a.log.Info("job claimed", "job_id", job.ID, "quality", job.Quality, "profile", job.ProcessingProfile)
}

// tieredHeartbeat sends a heartbeat when the idle cadence is due and
// maintains the no-response counter that escalates into deep sleep.
func (a *Agent) tieredHeartbeat(ctx context.Context, now time.Time, last time.Time) time.Time {
	if now.Sub(last) < a.cfg.IdleHeartbeat {
		return last
	}
	err := a.sendHeartbeat(ctx)
	switch {
	case err == nil:
		a.mu.Lock()
		a.heartbeatMisses = 0
		a.mu.Unlock()
	case api.IsNoResponse(err):
		metrics.HeartbeatFailures.Inc()
		a.mu.Lock()
		if a.heartbeatMisses < heartbeatMissCap {
			a.heartbeatMisses++
		}
		misses := a.heartbeatMisses
		a.mu.Unlock()
		if misses == 2 {
			a.log.Info("hibernation advisory: 2 unanswered heartbeats, one more moves polling to 24 hour waits")
		}
		if misses == 3 {
			a.log.Info("hibernation: 3 unanswered heartbeats, escalating to 24 hour waits")
		}
	}
	return now
}

func (a *Agent) sendHeartbeat(ctx context.Context) error {
	a.mu.Lock()
	active := len(a.activeJobs)
	var currentJob *int64
	for id := range a.activeJobs {
		idCopy := id
		currentJob = &idCopy
		break
	}
	a.mu.Unlock()

	return a.client.SendHeartbeat(ctx, api.Heartbeat{
		Status:       "ACTIVE",
		CurrentJobID: currentJob,
		ActiveJobs:   active,
		QueueSize:    a.jobs.Len(),
		IPAddress:    localIP(),
	})
}

func (a *Agent) workerLoop(id int) {
	defer a.workerWG.Done()
	for a.running.Load() {
		job, ok := a.jobs.Take(60 * time.Second)
		if !ok {
			continue
		}
		if job == nil {
			return
		}
		metrics.QueueDepth.Set(float64(a.jobs.Len()))
		a.processJob(context.Background(), job, fmt.Sprintf("worker-%d", id))
	}
}

// ensureDiskSpaceForJob requires free >= 2x the expected file size before a
// claimed job is accepted into the queue.
func (a *Agent) ensureDiskSpaceForJob(ctx context.Context, job *api.Job) bool {
	size := job.FileSizeInput
	if size <= 0 {
		url := job.SourceURL
		if url == "" {
			url = job.DownloadURL
		}
		if url != "" {
			if n, err := a.downloader.ContentLength(ctx, a.transform.Transform(ctx, url)); err == nil {
				size = n
			}
		}
	}
	if size <= 0 {
		size = a.cfg.MaxURLDownloadBytes
	}
	free, err := a.downloader.FreeBytes(a.cfg.TempDir)
	if err != nil {
		a.log.Warn("disk usage check failed", "error", err)
		return false
	}
	if free < uint64(2*size) {
		a.log.Warn("insufficient disk for job", "job_id", job.ID, "free", free, "required", 2*size)
		return false
	}
	return true
}

// cleanupOrphanFiles removes stale .part/.mov/.mp4 leftovers older than an
// hour from the temp dir.
func (a *Agent) cleanupOrphanFiles() {
	cutoff := time.Now().Add(-time.Hour)
	removed := 0
	filepath.WalkDir(a.cfg.TempDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".part", ".mov", ".mp4":
		default:
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				a.log.Warn("orphan cleanup: could not remove", "path", path, "error", err)
			} else {
				removed++
			}
		}
		return nil
	})
	if removed > 0 {
		a.log.Info("orphan cleanup removed stale files", "count", removed)
	}
}

// localIP discovers the outbound interface address without sending traffic.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "unknown"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "unknown"
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
