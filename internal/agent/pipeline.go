package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sonuryildirim-max/video-factory-agent/internal/api"
	"github.com/sonuryildirim-max/video-factory-agent/internal/download"
	"github.com/sonuryildirim-max/video-factory-agent/internal/history"
	"github.com/sonuryildirim-max/video-factory-agent/internal/metrics"
	"github.com/sonuryildirim-max/video-factory-agent/internal/transcode"
)

const checkpointDownloadDone = "download_done"
const rawKeyPending = "url-import-pending"

// canResume reports whether the job's source is already mirrored in
// coordinator-controlled storage: checkpoint reached and a real raw key.
func canResume(job *api.Job) bool {
	key := strings.TrimSpace(job.R2RawKey)
	return strings.TrimSpace(job.ProcessingCheckpoint) == checkpointDownloadDone &&
		key != "" && key != rawKeyPending
}

// processJob runs the full pipeline for one claimed job. Every exit path
// reports exactly one terminal call (complete, fail or interrupt — the
// latter only via the watchdog) and releases the scratch dir.
func (a *Agent) processJob(ctx context.Context, job *api.Job, worker string) {
	a.mu.Lock()
	a.activeJobs[job.ID] = worker
	metrics.ActiveJobs.Set(float64(len(a.activeJobs)))
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.activeJobs, job.ID)
		metrics.ActiveJobs.Set(float64(len(a.activeJobs)))
		a.mu.Unlock()
		if a.ramCritical.Load() {
			a.signalWakeup()
		}
	}()

	workDir, err := os.MkdirTemp(a.cfg.TempDir, fmt.Sprintf("bk-%d-", job.ID))
	if err != nil {
		a.failJob(ctx, job.ID, "scratch dir: "+err.Error(), "unknown", "")
		return
	}
	defer os.RemoveAll(workDir)

	inputPath := filepath.Join(workDir, "input.mp4")
	if !a.acquireSource(ctx, job, inputPath) {
		return
	}

	result, ok := a.renderAndUpload(ctx, job, inputPath, workDir)
	if !ok {
		return
	}

	if err := a.client.CompleteJob(ctx, job.ID, *result); err != nil {
		a.failJob(ctx, job.ID, "complete call failed", "complete", "")
		return
	}
	metrics.JobsCompletedTotal.Inc()
	a.store.Record(history.JobRecord{
		JobID:             job.ID,
		Outcome:           "completed",
		OutputBytes:       result.FileSizeOutput,
		ProcessingSeconds: result.ProcessingTimeSeconds,
	})
	a.sendAssetPreview(ctx, job, result)
	a.log.Info("job completed", "job_id", job.ID, "output", result.CleanName)
}

// acquireSource resolves the input file per the checkpoint/raw-key state:
// resume from the coordinator mirror when possible, otherwise fetch the
// external source and mirror it before checkpointing.
func (a *Agent) acquireSource(ctx context.Context, job *api.Job, inputPath string) bool {
	resume := canResume(job)

	switch {
	case job.SourceURL != "" && resume && job.DownloadURL != "":
		// Raw already mirrored; the presigned URL is faster and internal.
		a.log.Info("checkpoint download_done: fetching from raw mirror", "job_id", job.ID, "key", job.R2RawKey)
		return a.fetchToFile(ctx, job, job.DownloadURL, inputPath)

	case job.SourceURL != "":
		if !a.fetchToFile(ctx, job, job.SourceURL, inputPath) {
			return false
		}
		fi, err := os.Stat(inputPath)
		if err != nil {
			a.failJob(ctx, job.ID, "stat downloaded input: "+err.Error(), "download", "")
			return false
		}
		rawKey := fmt.Sprintf("raw-uploads/%d-%d-%s", time.Now().Unix(), job.ID, job.CleanName)
		if _, err := a.uploadToStorage(ctx, job.ID, inputPath, "raw", rawKey, "video/mp4"); err != nil {
			a.failJob(ctx, job.ID, "failed to upload raw mirror", "upload", "")
			return false
		}
		if err := a.client.URLImportDone(ctx, job.ID, rawKey, fi.Size()); err != nil {
			a.failJob(ctx, job.ID, "url-import-done failed", "upload", "")
			return false
		}
		a.checkpoint(ctx, job.ID, checkpointDownloadDone)
		return true

	case resume && job.DownloadURL != "":
		a.log.Info("checkpoint download_done: re-fetching via presigned URL", "job_id", job.ID)
		return a.fetchToFile(ctx, job, job.DownloadURL, inputPath)

	case job.DownloadURL != "":
		if !a.fetchToFile(ctx, job, job.DownloadURL, inputPath) {
			return false
		}
		a.checkpoint(ctx, job.ID, checkpointDownloadDone)
		return true

	default:
		a.failJob(ctx, job.ID, "missing download_url", "download", "")
		return false
	}
}

// fetchToFile validates, transforms and downloads one URL under the global
// 1-permit download semaphore.
func (a *Agent) fetchToFile(ctx context.Context, job *api.Job, rawURL, dest string) bool {
	if err := a.guard.Validate(ctx, rawURL); err != nil {
		a.failJob(ctx, job.ID, "SSRF: blocked URL", "download", "")
		return false
	}
	url := a.transform.Transform(ctx, rawURL)

	if err := a.urlSem.Acquire(ctx, 1); err != nil {
		a.failJob(ctx, job.ID, "download cancelled", "download", "")
		return false
	}
	defer a.urlSem.Release(1)

	a.client.UpdateStatus(ctx, job.ID, "DOWNLOADING")
	err := a.downloader.Fetch(ctx, url, dest, func(downloaded, total int64) {
		a.client.DownloadProgress(ctx, job.ID, downloaded, total)
	})
	if err != nil {
		switch {
		case errors.Is(err, download.ErrSizeLimit):
			a.failJob(ctx, job.ID, "download exceeds the 5 GB limit", "download", "")
		case errors.Is(err, download.ErrDiskSpace):
			a.failJob(ctx, job.ID, "insufficient disk space (need 2x file size free)", "download", "")
		default:
			a.failJob(ctx, job.ID, err.Error(), "download", "")
		}
		return false
	}
	if fi, err := os.Stat(dest); err == nil {
		metrics.BytesDownloadedTotal.Add(float64(fi.Size()))
	}
	return true
}

// renderAndUpload probes, transcodes, uploads the primary output and the
// best-effort thumbnail, and assembles the completion result.
func (a *Agent) renderAndUpload(ctx context.Context, job *api.Job, inputPath, workDir string) (*api.Result, bool) {
	a.client.UpdateStatus(ctx, job.ID, "CONVERTING")

	meta := a.transcoder.Probe(ctx, inputPath)
	plan := a.transcoder.BuildPlan(job.ProcessingProfile, job.Quality, job.CleanName, meta, inputPath, workDir)

	start := time.Now()
	stdout, stderr, err := a.transcoder.Run(ctx, plan, func(cmd *exec.Cmd) {
		a.mu.Lock()
		a.activeProcs[job.ID] = cmd
		a.mu.Unlock()
	})
	a.mu.Lock()
	delete(a.activeProcs, job.ID)
	a.mu.Unlock()
	elapsed := int(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, transcode.ErrTimeout) {
			a.failJob(ctx, job.ID, "FFmpeg timeout", "convert", "")
		} else {
			out := stderr
			if out == "" {
				out = stdout
			}
			a.failJob(ctx, job.ID, "FFmpeg failed", "convert", out)
		}
		return nil, false
	}

	a.client.UpdateStatus(ctx, job.ID, "UPLOADING")
	now := time.Now()
	videoKey := fmt.Sprintf("videos/%d/%02d/%d_%s", now.Year(), int(now.Month()), job.ID, plan.OutputFilename)
	publicURL, err := a.uploadToStorage(ctx, job.ID, plan.OutputFile, "public", videoKey, "video/mp4")
	if err != nil {
		a.failJob(ctx, job.ID, "storage upload failed", "upload", "")
		return nil, false
	}

	outMeta := a.transcoder.ProbeOutput(ctx, plan.OutputFile)
	if outMeta.Resolution == "" {
		outMeta.Resolution = plan.TargetRes
	}
	if outMeta.FrameRate == 0 {
		outMeta.FrameRate = meta.FPS
	}

	thumbnailKey := a.uploadThumbnail(ctx, job.ID, plan, workDir)

	var outputSize int64
	if fi, err := os.Stat(plan.OutputFile); err == nil {
		outputSize = fi.Size()
	}

	return &api.Result{
		PublicURL:             publicURL,
		FileSizeOutput:        outputSize,
		Duration:              outMeta.Duration,
		ProcessingTimeSeconds: elapsed,
		Resolution:            outMeta.Resolution,
		Bitrate:               meta.BitrateKbps,
		Codec:                 "h264",
		FrameRate:             outMeta.FrameRate,
		AudioCodec:            "aac",
		AudioBitrate:          128,
		FFmpegCommand:         plan.CommandString(),
		FFmpegOutput:          stdout + stderr,
		ThumbnailKey:          thumbnailKey,
		CleanName:             plan.OutputFilename,
	}, true
}

// uploadThumbnail renders and uploads the preview frame. Best-effort: any
// failure logs a warning and returns an empty key.
func (a *Agent) uploadThumbnail(ctx context.Context, jobID int64, plan transcode.Plan, workDir string) string {
	thumbFilename := strings.Replace(plan.OutputFilename, ".mp4", "-thumb.jpg", 1)
	thumbPath := filepath.Join(workDir, thumbFilename)
	if err := a.transcoder.Thumbnail(ctx, plan.OutputFile, thumbPath, a.cfg.ThumbnailScale); err != nil {
		a.log.Warn("thumbnail step skipped", "job_id", jobID, "error", err)
		return ""
	}
	key := fmt.Sprintf("thumbnails/%d/%s", jobID, thumbFilename)
	if _, err := a.uploadToStorage(ctx, jobID, thumbPath, "public", key, "image/jpeg"); err != nil {
		a.log.Warn("thumbnail upload skipped", "job_id", jobID, "error", err)
		return ""
	}
	a.log.Info("thumbnail generated and uploaded", "job_id", jobID, "key", key)
	return key
}

// uploadToStorage requests a presigned PUT and streams the file to it,
// returning the public CDN URL for the key.
func (a *Agent) uploadToStorage(ctx context.Context, jobID int64, path, bucket, key, contentType string) (string, error) {
	uploadURL, err := a.client.PresignedUpload(ctx, jobID, bucket, key, contentType)
	if err != nil {
		return "", err
	}
	if err := a.client.UploadFile(ctx, uploadURL, path); err != nil {
		return "", err
	}
	return PublicURL(a.cfg.CDNBaseURL, key), nil
}

// PublicURL joins the CDN base and a storage key, forcing https when the
// base has no scheme. A bare domain or relative path must never reach the
// coordinator.
func PublicURL(cdnBase, key string) string {
	base := strings.TrimRight(cdnBase, "/")
	if !strings.HasPrefix(base, "https://") && !strings.HasPrefix(base, "http://") {
		base = "https://" + base
	}
	return base + "/" + strings.TrimLeft(key, "/")
}

func (a *Agent) checkpoint(ctx context.Context, jobID int64, checkpoint string) {
	// Fire-and-forget: a missed checkpoint only costs a redundant re-fetch.
	if err := a.client.Checkpoint(ctx, jobID, checkpoint); err != nil {
		a.log.Debug("checkpoint update failed", "job_id", jobID, "checkpoint", checkpoint, "error", err)
	}
}

func (a *Agent) failJob(ctx context.Context, jobID int64, msg, stage, ffmpegOutput string) {
	metrics.JobsFailedTotal.WithLabelValues(stage).Inc()
	a.store.Record(history.JobRecord{JobID: jobID, Outcome: "failed", Stage: stage})
	if err := a.client.FailJob(ctx, jobID, msg, stage, ffmpegOutput); err != nil {
		a.log.Error("fail call did not reach coordinator", "job_id", jobID, "stage", stage, "error", err)
	}
}
