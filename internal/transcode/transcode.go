package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// ErrTimeout means the transcoder subprocess overran its deadline and was
// killed.
var ErrTimeout = errors.New("ffmpeg timeout")

// Meta describes the probed input stream.
type Meta struct {
	DurationSec float64
	FileBytes   int64
	Width       int
	Height      int
	Vertical    bool
	BitrateKbps int
	FPS         float64
}

// OutputMeta describes the probed output stream.
type OutputMeta struct {
	Resolution string
	FrameRate  float64
	Duration   int
}

// Plan is one fully-resolved ffmpeg invocation.
type Plan struct {
	Args           []string // argv including the ffmpeg binary
	OutputFile     string
	OutputFilename string
	TargetRes      string
}

// CommandString is the exact parameter list reported to the coordinator.
func (p Plan) CommandString() string { return strings.Join(p.Args, " ") }

// Transcoder probes inputs and drives ffmpeg subprocesses at reduced CPU and
// I/O priority.
type Transcoder struct {
	FFmpegPath  string
	FFprobePath string
	CRFMap      map[string]int
	Timeout     time.Duration
	Log         *slog.Logger
}

type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		BitRate   string `json:"bit_rate"`
		RFrame    string `json:"r_frame_rate"`
	} `json:"streams"`
}

// Probe reads stream metadata. Probe failures degrade to defaults instead of
// failing the job: ffmpeg itself is the authority on whether the input is
// usable.
func (t *Transcoder) Probe(ctx context.Context, path string) Meta {
	meta := Meta{Width: 1920, Height: 1080, FPS: 30}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	name, args := wrapPriority(t.FFprobePath, []string{
		"-v", "quiet", "-print_format", "json", "-show_format", "-show_streams", path,
	})
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		t.Log.Debug("ffprobe failed, using defaults", "path", path, "error", err)
		return withFallbacks(meta, path)
	}

	var probe ffprobeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		t.Log.Debug("ffprobe output unparseable", "error", err)
		return withFallbacks(meta, path)
	}

	meta.DurationSec, _ = strconv.ParseFloat(probe.Format.Duration, 64)
	meta.FileBytes, _ = strconv.ParseInt(probe.Format.Size, 10, 64)
	for _, s := range probe.Streams {
		if s.CodecType != "video" {
			continue
		}
		if s.Width > 0 {
			meta.Width = s.Width
		}
		if s.Height > 0 {
			meta.Height = s.Height
		}
		meta.Vertical = meta.Height > meta.Width
		raw, _ := strconv.Atoi(s.BitRate)
		if raw == 0 {
			raw, _ = strconv.Atoi(probe.Format.BitRate)
		}
		meta.BitrateKbps = raw / 1000
		meta.FPS = ParseFPS(s.RFrame)
		break
	}
	return withFallbacks(meta, path)
}

func withFallbacks(meta Meta, path string) Meta {
	if meta.FileBytes == 0 {
		if fi, err := os.Stat(path); err == nil {
			meta.FileBytes = fi.Size()
		}
	}
	if meta.BitrateKbps <= 0 && meta.DurationSec > 0 && meta.FileBytes > 0 {
		meta.BitrateKbps = int(float64(meta.FileBytes)*8/meta.DurationSec) / 1000
	}
	return meta
}

// ParseFPS parses ffprobe r_frame_rate fractions like "30000/1001".
func ParseFPS(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 30
	}
	if n, d, ok := strings.Cut(raw, "/"); ok {
		num, err1 := strconv.ParseFloat(n, 64)
		den, err2 := strconv.ParseFloat(d, 64)
		if err1 != nil || err2 != nil || den == 0 {
			return 30
		}
		return float64(int(num/den*100+0.5)) / 100
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 30
	}
	return f
}

// CRF resolves a processing profile to a constant-quality level: crf_<n>
// carries the value in the name, legacy names go through the map, anything
// else defaults to 14.
func (t *Transcoder) CRF(profile string) int {
	if rest, ok := strings.CutPrefix(profile, "crf_"); ok {
		if n, err := strconv.Atoi(rest); err == nil {
			return n
		}
		return 14
	}
	if crf, ok := t.CRFMap[profile]; ok {
		return crf
	}
	return 14
}

var scaleFilters = map[string][2]string{ // quality -> {vertical, horizontal}
	"720p":  {"scale=720:-2:flags=lanczos", "scale=-2:720:flags=lanczos"},
	"1080p": {"scale=1080:-2:flags=lanczos", "scale=-2:1080:flags=lanczos"},
	"2k":    {"scale=1440:-2:flags=lanczos", "scale=-2:1440:flags=lanczos"},
	"4k":    {"scale=2160:-2:flags=lanczos", "scale=-2:2160:flags=lanczos"},
}

var targetResolutions = map[string][2]string{
	"720p":  {"720x1280", "1280x720"},
	"1080p": {"1080x1920", "1920x1080"},
	"2k":    {"1440x2560", "2560x1440"},
	"4k":    {"2160x3840", "3840x2160"},
}

var qualitySuffix = map[string]string{
	"original": "original", "720p": "720", "1080p": "1080", "2k": "2k", "4k": "4k",
}

// Suffix maps a target quality to the output filename suffix.
func Suffix(quality string) string {
	if s, ok := qualitySuffix[quality]; ok {
		return s
	}
	return "720"
}

// BuildPlan resolves profile and quality into the ffmpeg argument list.
// web_opt stream-copies the video (bitrate and frame rate preserved); crf
// profiles re-encode with libx264. Audio is always dropped.
func (t *Transcoder) BuildPlan(profile, quality, cleanName string, meta Meta, inputPath, workDir string) Plan {
	base := strings.NewReplacer(".mp4", "", ".mov", "").Replace(cleanName)
	outputFilename := fmt.Sprintf("%s-%s.mp4", base, Suffix(quality))
	outputFile := filepath.Join(workDir, outputFilename)

	scale := ""
	targetRes := fmt.Sprintf("%dx%d", meta.Width, meta.Height)
	if filters, ok := scaleFilters[quality]; ok && quality != "original" {
		if meta.Vertical {
			scale = filters[0]
			targetRes = targetResolutions[quality][0]
		} else {
			scale = filters[1]
			targetRes = targetResolutions[quality][1]
		}
	}

	var args []string
	if profile == "web_opt" || profile == "web_optimize" {
		args = []string{
			t.FFmpegPath, "-i", inputPath,
			"-c:v", "copy", "-an", "-movflags", "+faststart",
			"-y", outputFile,
		}
	} else {
		crf := t.CRF(profile)
		args = []string{t.FFmpegPath, "-i", inputPath}
		if scale != "" {
			args = append(args, "-vf", scale)
		}
		args = append(args,
			"-c:v", "libx264", "-crf", strconv.Itoa(crf), "-preset", "slow", "-an",
			"-movflags", "+faststart",
			"-profile:v", "high", "-level", "4.1", "-pix_fmt", "yuv420p",
			"-y", outputFile,
		)
	}

	return Plan{Args: args, OutputFile: outputFile, OutputFilename: outputFilename, TargetRes: targetRes}
}

// Run executes the plan at reduced priority. onStart receives the live
// process handle so the caller can register it for watchdog termination; the
// process has exited by the time Run returns, and the caller removes it from
// its books then. Returns captured stdout/stderr.
func (t *Transcoder) Run(ctx context.Context, plan Plan, onStart func(*exec.Cmd)) (string, string, error) {
	name, args := wrapPriority(plan.Args[0], plan.Args[1:])
	cmd := exec.Command(name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", "", err
	}
	if onStart != nil {
		onStart(cmd)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return stdout.String(), stderr.String(), err
	case <-timer.C:
		cmd.Process.Kill()
		<-done
		return stdout.String(), stderr.String(), ErrTimeout
	case <-ctx.Done():
		cmd.Process.Kill()
		<-done
		return stdout.String(), stderr.String(), ctx.Err()
	}
}

// Thumbnail grabs a single frame five seconds in, scaled by the configured
// filter expression, JPEG quality 3.
func (t *Transcoder) Thumbnail(ctx context.Context, videoPath, thumbPath, scaleExpr string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	name, args := wrapPriority(t.FFmpegPath, []string{
		"-ss", "00:00:05",
		"-i", videoPath,
		"-vframes", "1",
		"-vf", "scale=" + scaleExpr,
		"-q:v", "3",
		"-y", thumbPath,
	})
	if out, err := exec.CommandContext(ctx, name, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("thumbnail: %w (%s)", err, firstLine(out))
	}
	if _, err := os.Stat(thumbPath); err != nil {
		return fmt.Errorf("thumbnail: no output file: %w", err)
	}
	return nil
}

// ProbeOutput reads resolution, frame rate and duration from the rendered
// file. Best-effort: zero values on failure.
func (t *Transcoder) ProbeOutput(ctx context.Context, path string) OutputMeta {
	var om OutputMeta
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	name, args := wrapPriority(t.FFprobePath, []string{
		"-v", "quiet", "-print_format", "json", "-show_format", "-show_streams", path,
	})
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return om
	}
	var probe ffprobeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return om
	}
	for _, s := range probe.Streams {
		if s.CodecType == "video" {
			om.Resolution = fmt.Sprintf("%dx%d", s.Width, s.Height)
			om.FrameRate = ParseFPS(s.RFrame)
			break
		}
	}
	if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
		om.Duration = int(d)
	}
	return om
}

// Verify runs `ffmpeg -version` to confirm the binary is reachable.
func (t *Transcoder) Verify(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	name, args := wrapPriority(t.FFmpegPath, []string{"-version"})
	if err := exec.CommandContext(ctx, name, args...).Run(); err != nil {
		return fmt.Errorf("ffmpeg not found at %q: %w", t.FFmpegPath, err)
	}
	return nil
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
