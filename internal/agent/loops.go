package agent

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sonuryildirim-max/video-factory-agent/internal/api"
	"github.com/sonuryildirim-max/video-factory-agent/internal/telemetry"
)

// stealthHeartbeatLoop pushes a heartbeat every stealth interval. Silent on
// success, error log only on failure.
func (a *Agent) stealthHeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.StealthHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !a.running.Load() {
			return
		}
		if err := a.sendHeartbeat(ctx); err != nil {
			a.log.Error("stealth heartbeat failed", "error", err)
		}
	}
}

// statusLoop posts the routine node-stability line every status interval.
func (a *Agent) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !a.running.Load() {
			return
		}
		h := telemetry.Snapshot(a.cfg.TempDir)
		uptime := time.Since(a.startTime).Hours()
		totals, _ := a.store.Totals()
		text := fmt.Sprintf(
			"💠 <b>ROUTINE CHECK: NODE STABILITY</b> | CPU: %%%d | RAM: %.1f/%.1f GB | DISK FREE: %.1f GB | UPTIME: %.1fh | RENDERED: %d (%s) | STATUS: OPTIMAL",
			int(h.CPUPercent), h.RAMUsedGB, h.RAMTotalGB, h.DiskFreeGB, uptime,
			totals.Completed, humanize.Bytes(uint64(totals.OutputBytes)),
		)
		a.notifier.Send(ctx, text)
	}
}

// pingLoop pushes telemetry to the samaritan endpoint. Disabled without the
// shared secret.
func (a *Agent) pingLoop(ctx context.Context) {
	if a.cfg.SamaritanSecret == "" {
		a.log.Debug("samaritan ping disabled (no secret)")
		return
	}
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !a.running.Load() {
			return
		}
		h := telemetry.Snapshot(a.cfg.TempDir)
		a.mu.Lock()
		jobs := len(a.activeJobs)
		a.mu.Unlock()
		err := a.client.SamaritanPing(ctx, a.cfg.SamaritanSecret, api.Ping{
			CPU:         h.CPUPercent,
			RAM:         h.RAMUsedGB,
			UptimeHours: float64(int(time.Since(a.startTime).Hours()*100)) / 100,
			Jobs:        jobs,
			Node:        "Primary Core",
			Timestamp:   time.Now().Format(time.RFC3339),
		})
		if err != nil {
			a.log.Debug("samaritan ping failed", "error", err)
		}
	}
}

// commandLoop long-polls the chat update feed and executes /status, /pause
// and /resume from the single authorized chat.
func (a *Agent) commandLoop(ctx context.Context) {
	var offset int64
	for {
		if ctx.Err() != nil || !a.running.Load() {
			return
		}
		updates, status, err := a.notifier.GetUpdates(ctx, offset)
		if err != nil {
			if status == http.StatusConflict {
				a.log.Warn("command channel conflict (409): a webhook is configured on the bot; long-poll paused for 5 minutes")
				sleepCtx(ctx, 5*time.Minute)
				continue
			}
			a.log.Debug("command channel poll failed", "error", err)
			sleepCtx(ctx, a.cfg.TelegramPollInterval)
			continue
		}
		for _, upd := range updates {
			offset = upd.UpdateID + 1
			if upd.ChatID != strings.TrimSpace(a.cfg.TelegramChatID) {
				continue
			}
			a.handleCommand(ctx, strings.ToLower(strings.TrimSpace(upd.Text)))
		}
	}
}

func (a *Agent) handleCommand(ctx context.Context, text string) {
	switch text {
	case "/status":
		a.notifier.Send(ctx, a.statusReport())
	case "/pause":
		a.mu.Lock()
		a.paused = true
		a.mu.Unlock()
		a.log.Info("paused by operator command")
		a.notifier.Send(ctx, "⏸ <b>PAUSE</b> — New jobs disabled. Current work and queue will finish.")
	case "/resume":
		a.mu.Lock()
		a.paused = false
		a.mu.Unlock()
		a.log.Info("resumed by operator command")
		a.notifier.Send(ctx, "▶ <b>RESUME</b> — Accepting new jobs again.")
	}
}

// statusReport formats the operator-facing snapshot.
func (a *Agent) statusReport() string {
	h := telemetry.Snapshot(a.cfg.TempDir)
	a.mu.Lock()
	activeIDs := make([]int64, 0, len(a.activeJobs))
	for id := range a.activeJobs {
		activeIDs = append(activeIDs, id)
	}
	paused := a.paused
	a.mu.Unlock()

	modeStr := "ACTIVE"
	if paused {
		modeStr = "PAUSED"
	}
	totals, _ := a.store.Totals()

	lines := []string{
		"🔎 <b>SAMARITAN STATUS</b>",
		fmt.Sprintf("[ > ] <b>NODE:</b> %s", a.cfg.WorkerID),
		fmt.Sprintf("[ > ] <b>CPU:</b> %%%.0f", h.CPUPercent),
		fmt.Sprintf("[ > ] <b>RAM:</b> %.1f / %.1f GB", h.RAMUsedGB, h.RAMTotalGB),
		fmt.Sprintf("[ > ] <b>DISK FREE:</b> %.1f GB", h.DiskFreeGB),
		fmt.Sprintf("[ > ] <b>ACTIVE JOBS:</b> %d", len(activeIDs)),
		fmt.Sprintf("[ > ] <b>QUEUE:</b> %d", a.jobs.Len()),
		fmt.Sprintf("[ > ] <b>UPTIME:</b> %.1fh", time.Since(a.startTime).Hours()),
		fmt.Sprintf("[ > ] <b>LIFETIME:</b> %d done / %d failed / %s out", totals.Completed, totals.Failed, humanize.Bytes(uint64(totals.OutputBytes))),
		fmt.Sprintf("[ ! ] <b>MODE:</b> %s", modeStr),
	}
	if len(activeIDs) > 0 {
		ids := make([]string, len(activeIDs))
		for i, id := range activeIDs {
			ids[i] = fmt.Sprintf("%d", id)
		}
		lines = append(lines, "[ > ] <b>JOB IDs:</b> "+strings.Join(ids, ", "))
	}
	return strings.Join(lines, "\n")
}

// recoverInterruptedJobs runs once at startup: surface interrupted jobs and
// optionally push them back to pending.
func (a *Agent) recoverInterruptedJobs(ctx context.Context) {
	jobs, err := a.client.InterruptedJobs(ctx, 100)
	if err != nil {
		a.log.Warn("interrupted jobs check failed", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}
	a.log.Info("found interrupted jobs from a previous run", "count", len(jobs))
	a.notifier.Send(ctx, fmt.Sprintf(
		"⚠️ <b>INTERRUPTED JOBS</b>: %d job(s) found. Retry via dashboard or set AUTO_RESUME_INTERRUPTED=1 to auto-resume on next start.",
		len(jobs)))

	if !a.cfg.AutoResumeInterrupted {
		return
	}
	ids := make([]int64, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	retried, err := a.client.RetryInterrupted(ctx, ids)
	if err != nil {
		a.log.Warn("auto-resume failed", "error", err)
		return
	}
	if retried > 0 {
		a.log.Info("auto-resumed interrupted jobs", "count", retried)
		a.notifier.Send(ctx, fmt.Sprintf("✅ Auto-resumed %d interrupted job(s).", retried))
	}
}

// sendAssetPreview posts the rendered thumbnail with an acquisition caption.
// Fire-and-forget.
func (a *Agent) sendAssetPreview(ctx context.Context, job *api.Job, result *api.Result) {
	if !a.notifier.Enabled() {
		return
	}
	name := result.CleanName
	if name == "" {
		name = job.CleanName
	}
	caption := fmt.Sprintf(
		"> 🎬 <b>ASSET ACQUIRED</b>\n[ > ] <b>FILE:</b> %s\n[ > ] <b>DURATION:</b> %ds\n> <b>STATUS:</b> READY FOR DEPLOYMENT.",
		name, result.Duration)
	if result.ThumbnailKey != "" {
		a.notifier.SendPhoto(ctx, PublicURL(a.cfg.CDNBaseURL, result.ThumbnailKey), caption)
		return
	}
	a.notifier.Send(ctx, caption)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
