package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

const (
	postTimeout   = 60 * time.Second
	getTimeout    = 30 * time.Second
	uploadTimeout = 600 * time.Second

	clientVersion = "2.0"
)

// Job is the descriptor returned by a successful claim. At least one of
// SourceURL or DownloadURL is set. R2RawKey carries the sentinel
// "url-import-pending" until the raw mirror exists.
type Job struct {
	ID                   int64  `json:"id"`
	CleanName            string `json:"clean_name"`
	Quality              string `json:"quality"`
	ProcessingProfile    string `json:"processing_profile"`
	SourceURL            string `json:"source_url"`
	DownloadURL          string `json:"download_url"`
	R2RawKey             string `json:"r2_raw_key"`
	ProcessingCheckpoint string `json:"processing_checkpoint"`
	FileSizeInput        int64  `json:"file_size_input"`
}

// Heartbeat is the body of POST /api/heartbeat.
type Heartbeat struct {
	Status       string `json:"status"`
	CurrentJobID *int64 `json:"current_job_id"`
	ActiveJobs   int    `json:"active_jobs"`
	QueueSize    int    `json:"queue_size"`
	IPAddress    string `json:"ip_address"`
	Version      string `json:"version"`
}

// Result carries the output metrics reported on job completion.
type Result struct {
	PublicURL             string  `json:"public_url"`
	FileSizeOutput        int64   `json:"file_size_output"`
	Duration              int     `json:"duration"`
	ProcessingTimeSeconds int     `json:"processing_time_seconds"`
	Resolution            string  `json:"resolution"`
	Bitrate               int     `json:"bitrate"`
	Codec                 string  `json:"codec"`
	FrameRate             float64 `json:"frame_rate"`
	AudioCodec            string  `json:"audio_codec"`
	AudioBitrate          int     `json:"audio_bitrate"`
	FFmpegCommand         string  `json:"ffmpeg_command"`
	FFmpegOutput          string  `json:"ffmpeg_output"`
	ThumbnailKey          string  `json:"thumbnail_key"`
	CleanName             string  `json:"clean_name"`
}

// Ping is the samaritan telemetry payload.
type Ping struct {
	CPU         float64 `json:"cpu"`
	RAM         float64 `json:"ram"`
	UptimeHours float64 `json:"uptime_hours"`
	Jobs        int     `json:"jobs"`
	Node        string  `json:"node"`
	Timestamp   string  `json:"timestamp"`
}

// StatusError is a non-2xx coordinator response.
type StatusError struct {
	Code     int
	Endpoint string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api %s: status %d", e.Endpoint, e.Code)
}

// ErrRedirect marks a 3xx answer: the API must never redirect, so any 3xx is
// surfaced loudly as misrouted traffic rather than followed.
var ErrRedirect = errors.New("api redirect")

// IsNoResponse reports whether err should count as a missed heartbeat.
// Transport errors, timeouts and 5xx count; a 4xx means the coordinator
// answered, just unhappily.
func IsNoResponse(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	if errors.Is(err, ErrRedirect) {
		return false
	}
	return true
}

// Client talks JSON-over-HTTPS to the coordinator. Stateless and safe for
// concurrent use.
type Client struct {
	baseURL  string
	bearer   string
	workerID string
	http     *http.Client
	uploader *http.Client
	log      *slog.Logger
}

func NewClient(baseURL, bearer, workerID string, log *slog.Logger) *Client {
	noRedirect := func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		bearer:   bearer,
		workerID: workerID,
		http:     &http.Client{CheckRedirect: noRedirect},
		uploader: &http.Client{Timeout: uploadTimeout},
		log:      log,
	}
}

// request performs one RPC. A nil result with nil error means 204/empty body.
func (c *Client) request(ctx context.Context, method, endpoint string, body any) (json.RawMessage, error) {
	url := c.baseURL + endpoint

	timeout := getTimeout
	var reqBody io.Reader
	if method == http.MethodPost {
		timeout = postTimeout
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("api %s: encode: %w", endpoint, err)
		}
		reqBody = bytes.NewReader(raw)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.bearer)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "BK-VF-Agent/"+c.workerID)
	req.Header.Set("x-worker-id", c.workerID)

	c.log.Debug("API request", "method", method, "endpoint", endpoint)
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Error("API request failed", "method", method, "endpoint", endpoint, "error", err)
		return nil, err
	}
	defer resp.Body.Close()
	c.log.Debug("API response", "method", method, "endpoint", endpoint, "status", resp.StatusCode)

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		c.log.Error("API redirect: the coordinator must not redirect /api/* traffic; fix the domain/CDN rule",
			"method", method, "endpoint", endpoint, "status", resp.StatusCode, "location", resp.Header.Get("Location"))
		return nil, fmt.Errorf("api %s: %w (status %d)", endpoint, ErrRedirect, resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Error("API error", "method", method, "endpoint", endpoint, "status", resp.StatusCode)
		return nil, &StatusError{Code: resp.StatusCode, Endpoint: endpoint}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("api %s: read body: %w", endpoint, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(ct, "application/json") {
		c.log.Error("API response is not JSON; check that /api is served by the worker backend",
			"endpoint", endpoint, "content_type", ct)
		return nil, fmt.Errorf("api %s: non-JSON response (Content-Type %q)", endpoint, ct)
	}
	return json.RawMessage(data), nil
}

func (c *Client) post(ctx context.Context, endpoint string, body, out any) error {
	raw, err := c.request(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	if out != nil && raw != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("api %s: decode: %w", endpoint, err)
		}
	}
	return nil
}

// ClaimJob leases at most one job. (nil, nil) means nothing to do.
func (c *Client) ClaimJob(ctx context.Context) (*Job, error) {
	var job Job
	raw, err := c.request(ctx, http.MethodPost, "/api/jobs/claim", map[string]any{"worker_id": c.workerID})
	if err != nil || raw == nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("api /api/jobs/claim: decode: %w", err)
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

func (c *Client) UpdateStatus(ctx context.Context, jobID int64, status string) error {
	return c.post(ctx, "/api/jobs/status", map[string]any{
		"job_id": jobID, "worker_id": c.workerID, "status": status,
	}, nil)
}

func (c *Client) DownloadProgress(ctx context.Context, jobID, downloaded, total int64) error {
	pct := 0.0
	if total > 0 {
		pct = float64(int(float64(downloaded)/float64(total)*1000+0.5)) / 10
	}
	return c.post(ctx, "/api/jobs/status", map[string]any{
		"job_id":            jobID,
		"worker_id":         c.workerID,
		"status":            "DOWNLOADING",
		"download_bytes":    downloaded,
		"download_total":    total,
		"download_progress": pct,
	}, nil)
}

func (c *Client) Checkpoint(ctx context.Context, jobID int64, checkpoint string) error {
	return c.post(ctx, "/api/jobs/checkpoint", map[string]any{
		"job_id": jobID, "worker_id": c.workerID, "checkpoint": checkpoint,
	}, nil)
}

func (c *Client) URLImportDone(ctx context.Context, jobID int64, rawKey string, fileSize int64) error {
	return c.post(ctx, "/api/jobs/url-import-done", map[string]any{
		"job_id": jobID, "worker_id": c.workerID, "r2_raw_key": rawKey, "file_size_input": fileSize,
	}, nil)
}

// PresignedUpload asks the coordinator for a time-limited PUT URL.
func (c *Client) PresignedUpload(ctx context.Context, jobID int64, bucket, key, contentType string) (string, error) {
	var resp struct {
		UploadURL string `json:"upload_url"`
	}
	err := c.post(ctx, "/api/jobs/presigned-upload", map[string]any{
		"job_id": jobID, "worker_id": c.workerID, "bucket": bucket, "key": key, "content_type": contentType,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.UploadURL == "" {
		return "", fmt.Errorf("api /api/jobs/presigned-upload: empty upload_url")
	}
	return resp.UploadURL, nil
}

// UploadFile streams a file to a presigned PUT URL.
func (c *Client) UploadFile(ctx context.Context, uploadURL, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, f)
	if err != nil {
		return err
	}
	req.ContentLength = fi.Size()
	resp, err := c.uploader.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("presigned upload: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) CompleteJob(ctx context.Context, jobID int64, res Result) error {
	return c.post(ctx, "/api/jobs/complete", map[string]any{
		"job_id":                  jobID,
		"worker_id":               c.workerID,
		"public_url":              res.PublicURL,
		"file_size_output":        res.FileSizeOutput,
		"duration":                res.Duration,
		"processing_time_seconds": res.ProcessingTimeSeconds,
		"resolution":              res.Resolution,
		"bitrate":                 res.Bitrate,
		"codec":                   res.Codec,
		"frame_rate":              res.FrameRate,
		"audio_codec":             res.AudioCodec,
		"audio_bitrate":           res.AudioBitrate,
		"ffmpeg_command":          res.FFmpegCommand,
		"ffmpeg_output":           res.FFmpegOutput,
		"thumbnail_key":           res.ThumbnailKey,
		"clean_name":              res.CleanName,
	}, nil)
}

func (c *Client) FailJob(ctx context.Context, jobID int64, errMsg, stage, ffmpegOutput string) error {
	if len(ffmpegOutput) > 4000 {
		ffmpegOutput = ffmpegOutput[:4000]
	}
	return c.post(ctx, "/api/jobs/fail", map[string]any{
		"job_id":        jobID,
		"worker_id":     c.workerID,
		"error_message": errMsg,
		"retry_count":   0,
		"status":        "FAILED",
		"stage":         stage,
		"ffmpeg_output": ffmpegOutput,
	}, nil)
}

func (c *Client) InterruptJob(ctx context.Context, jobID int64, stage string) error {
	return c.post(ctx, "/api/jobs/interrupt", map[string]any{
		"job_id": jobID, "worker_id": c.workerID, "stage": stage,
	}, nil)
}

// MarkZombies lets the coordinator time out stale leases before a claim.
func (c *Client) MarkZombies(ctx context.Context) error {
	return c.post(ctx, "/api/jobs/mark-zombies", map[string]any{}, nil)
}

func (c *Client) InterruptedJobs(ctx context.Context, limit int) ([]Job, error) {
	raw, err := c.request(ctx, http.MethodGet, fmt.Sprintf("/api/jobs/interrupted?limit=%d", limit), nil)
	if err != nil || raw == nil {
		return nil, err
	}
	var resp struct {
		Jobs []Job `json:"jobs"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("api /api/jobs/interrupted: decode: %w", err)
	}
	return resp.Jobs, nil
}

// RetryInterrupted re-queues the given jobs; returns how many the
// coordinator accepted.
func (c *Client) RetryInterrupted(ctx context.Context, jobIDs []int64) (int, error) {
	var resp struct {
		Retried int `json:"retried"`
	}
	err := c.post(ctx, "/api/jobs/interrupted/retry", map[string]any{"job_ids": jobIDs}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Retried, nil
}

func (c *Client) SendHeartbeat(ctx context.Context, hb Heartbeat) error {
	hb.Version = clientVersion
	return c.post(ctx, "/api/heartbeat", hb, nil)
}

func (c *Client) SystemAlert(ctx context.Context, status, message string) error {
	return c.post(ctx, "/api/system/alerts", map[string]any{"status": status, "message": message}, nil)
}

// SamaritanPing pushes telemetry with the shared-secret header instead of the
// usual bearer auth.
func (c *Client) SamaritanPing(ctx context.Context, secret string, p Ping) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/samaritan/ping", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("X-Samaritan-Secret", secret)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, Endpoint: "/api/samaritan/ping"}
	}
	return nil
}
