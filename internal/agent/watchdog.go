package agent

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"golang.org/x/time/rate"

	"github.com/sonuryildirim-max/video-factory-agent/internal/history"
	"github.com/sonuryildirim-max/video-factory-agent/internal/metrics"
	"github.com/sonuryildirim-max/video-factory-agent/internal/telemetry"
	"github.com/sonuryildirim-max/video-factory-agent/internal/transcode"
)

// ramWatchdogLoop samples RAM every 30 seconds. Above the warning threshold
// it emits a rate-limited anomaly alert; at the critical threshold it
// latches ram_critical, kills the active transcoders, posts interrupts and
// exits. The latch never clears within the process lifetime.
func (a *Agent) ramWatchdogLoop(ctx context.Context) {
	warnLimiter := rate.NewLimiter(rate.Every(5*time.Minute), 1)
	ticker := time.NewTicker(30 * time.Second)
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

		used := telemetry.Snapshot(a.cfg.TempDir).RAMUsedGB
		switch {
		case used >= a.cfg.RAMCriticalGB:
			msg := "🔺 RAM CRITICAL — graceful shutdown (no new claims, draining)"
			a.log.Error("RAM critical threshold crossed", "used_gb", used, "critical_gb", a.cfg.RAMCriticalGB)
			a.ramCritical.Store(true)
			a.client.SystemAlert(ctx, "critical", msg)
			a.notifier.Send(ctx, msg)
			a.interruptActiveJobs(ctx, "ram_critical")
			a.signalWakeup()
			return

		case used > a.cfg.RAMWarningGB:
			if warnLimiter.Allow() {
				msg := "⚠️ SYSTEM ANOMALY"
				a.log.Warn("RAM above warning threshold", "used_gb", used, "warning_gb", a.cfg.RAMWarningGB)
				a.client.SystemAlert(ctx, "warning", msg)
				a.notifier.Send(ctx, msg)
			}
		}
	}
}

// interruptActiveJobs terminates running transcoder subprocesses (soft
// terminate, 5 second grace, then kill) and marks each owning job
// interrupted so the coordinator can reschedule. FFmpeg dies first to
// release RAM before any API round-trips.
func (a *Agent) interruptActiveJobs(ctx context.Context, stage string) {
	a.mu.Lock()
	jobIDs := make([]int64, 0, len(a.activeJobs))
	for id := range a.activeJobs {
		jobIDs = append(jobIDs, id)
	}
	procs := make(map[int64]*exec.Cmd, len(a.activeProcs))
	for id, cmd := range a.activeProcs {
		procs[id] = cmd
	}
	a.mu.Unlock()

	for id, cmd := range procs {
		if cmd.Process == nil {
			continue
		}
		if err := transcode.SoftTerminate(cmd); err != nil {
			a.log.Warn("soft terminate failed", "job_id", id, "error", err)
		} else {
			a.log.Info("soft terminate sent to transcoder", "job_id", id, "pid", cmd.Process.Pid)
		}
	}
	if len(procs) > 0 {
		time.Sleep(5 * time.Second)
		for id, cmd := range procs {
			if cmd.Process == nil {
				continue
			}
			if err := cmd.Process.Kill(); err == nil {
				a.log.Info("force killed transcoder", "job_id", id, "pid", cmd.Process.Pid)
			}
		}
	}

	for _, id := range jobIDs {
		metrics.JobsInterruptedTotal.Inc()
		a.store.Record(history.JobRecord{JobID: id, Outcome: "interrupted", Stage: stage})
		if err := a.client.InterruptJob(ctx, id, stage); err != nil {
			a.log.Warn("interrupt call failed", "job_id", id, "error", err)
		}
	}
	if len(jobIDs) > 0 {
		a.log.Info(fmt.Sprintf("interrupted %d active job(s)", len(jobIDs)), "stage", stage)
	}
}
