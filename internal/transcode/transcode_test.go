package transcode

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestTranscoder() *Transcoder {
	return &Transcoder{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		CRFMap:      map[string]int{"native": 14, "dengeli": 14, "ultra": 16, "kucuk_dosya": 18},
		Timeout:     time.Hour,
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestCRF(t *testing.T) {
	tr := newTestTranscoder()
	cases := []struct {
		profile string
		want    int
	}{
		{"crf_10", 10},
		{"crf_14", 14},
		{"crf_22", 22},
		{"crf_abc", 14},
		{"crf_", 14},
		{"native", 14},
		{"dengeli", 14},
		{"ultra", 16},
		{"kucuk_dosya", 18},
		{"whatever", 14},
	}
	for _, tc := range cases {
		if got := tr.CRF(tc.profile); got != tc.want {
			t.Errorf("CRF(%q) = %d, want %d", tc.profile, got, tc.want)
		}
	}
}

func TestParseFPS(t *testing.T) {
	cases := []struct {
		raw  string
		want float64
	}{
		{"30/1", 30},
		{"30000/1001", 29.97},
		{"25", 25},
		{"24000/1001", 23.98},
		{"0/0", 30},
		{"garbage", 30},
		{"", 30},
	}
	for _, tc := range cases {
		if got := ParseFPS(tc.raw); got != tc.want {
			t.Errorf("ParseFPS(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestBuildPlanWebOpt(t *testing.T) {
	tr := newTestTranscoder()
	meta := Meta{Width: 1920, Height: 1080, FPS: 30}
	plan := tr.BuildPlan("web_opt", "1080p", "b.mov", meta, "/work/input.mp4", "/work")

	cmd := plan.CommandString()
	if !strings.Contains(cmd, "-c:v copy") {
		t.Errorf("web_opt must stream-copy, got %q", cmd)
	}
	if !strings.Contains(cmd, "-an") {
		t.Errorf("audio must be dropped, got %q", cmd)
	}
	if !strings.Contains(cmd, "-movflags +faststart") {
		t.Errorf("faststart missing, got %q", cmd)
	}
	if strings.Contains(cmd, "-crf") {
		t.Errorf("web_opt must bypass CRF entirely, got %q", cmd)
	}
	if plan.OutputFilename != "b-1080.mp4" {
		t.Errorf("OutputFilename = %q, want b-1080.mp4", plan.OutputFilename)
	}
}

func TestBuildPlanCRFHorizontal(t *testing.T) {
	tr := newTestTranscoder()
	meta := Meta{Width: 1920, Height: 1080, Vertical: false, FPS: 30}
	plan := tr.BuildPlan("crf_14", "720p", "a.mp4", meta, "/work/input.mp4", "/work")

	cmd := plan.CommandString()
	for _, frag := range []string{
		"-vf scale=-2:720:flags=lanczos",
		"-c:v libx264", "-crf 14", "-preset slow", "-an",
		"-profile:v high", "-level 4.1", "-pix_fmt yuv420p",
	} {
		if !strings.Contains(cmd, frag) {
			t.Errorf("command missing %q: %q", frag, cmd)
		}
	}
	if plan.TargetRes != "1280x720" {
		t.Errorf("TargetRes = %q, want 1280x720", plan.TargetRes)
	}
	if plan.OutputFilename != "a-720.mp4" {
		t.Errorf("OutputFilename = %q, want a-720.mp4", plan.OutputFilename)
	}
	if plan.OutputFile != filepath.Join("/work", "a-720.mp4") {
		t.Errorf("OutputFile = %q", plan.OutputFile)
	}
}

func TestBuildPlanVertical(t *testing.T) {
	tr := newTestTranscoder()
	meta := Meta{Width: 1080, Height: 1920, Vertical: true, FPS: 30}
	plan := tr.BuildPlan("crf_16", "1080p", "v.mp4", meta, "/w/in.mp4", "/w")

	if !strings.Contains(plan.CommandString(), "scale=1080:-2:flags=lanczos") {
		t.Errorf("vertical branch should scale width, got %q", plan.CommandString())
	}
	if plan.TargetRes != "1080x1920" {
		t.Errorf("TargetRes = %q, want 1080x1920", plan.TargetRes)
	}
}

func TestBuildPlanOriginalNoScale(t *testing.T) {
	tr := newTestTranscoder()
	meta := Meta{Width: 1234, Height: 700, FPS: 30}
	plan := tr.BuildPlan("crf_14", "original", "o.mp4", meta, "/w/in.mp4", "/w")

	if strings.Contains(plan.CommandString(), "-vf") {
		t.Errorf("original quality must not scale, got %q", plan.CommandString())
	}
	if plan.TargetRes != "1234x700" {
		t.Errorf("TargetRes = %q, want source resolution", plan.TargetRes)
	}
	if plan.OutputFilename != "o-original.mp4" {
		t.Errorf("OutputFilename = %q", plan.OutputFilename)
	}
}

func TestBuildPlanLegacyProfile(t *testing.T) {
	tr := newTestTranscoder()
	meta := Meta{Width: 1920, Height: 1080}
	plan := tr.BuildPlan("ultra", "720p", "u.mp4", meta, "/w/in.mp4", "/w")
	if !strings.Contains(plan.CommandString(), "-crf 16") {
		t.Errorf("ultra should map to CRF 16, got %q", plan.CommandString())
	}
}

func TestWithFallbacksBitrate(t *testing.T) {
	meta := withFallbacks(Meta{DurationSec: 10, FileBytes: 10_000_000}, "/nonexistent")
	// 10 MB over 10 s = 8 Mbit/s = 8000 kbit/s.
	if meta.BitrateKbps != 8000 {
		t.Errorf("BitrateKbps = %d, want 8000", meta.BitrateKbps)
	}
}
