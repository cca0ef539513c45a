package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds every runtime option of the agent. Populated from environment
// variables once at startup; never mutated afterwards.
type Config struct {
	APIBaseURL  string
	BearerToken string
	WorkerID    string
	FFmpegPath  string
	FFprobePath string
	TempDir     string

	// Parallel processing. 0 means "compute from CPU/RAM at startup".
	MaxConcurrentJobs int

	// Polling tiers. No tier ever waits less than ActiveWait.
	ActiveWait          time.Duration
	ActiveGearDuration  time.Duration
	IdleWait            time.Duration
	IdleHeartbeat       time.Duration
	IdleToDeepThreshold time.Duration
	Deep1Wait           time.Duration
	Deep2Wait           time.Duration

	WakeupPort       int
	StealthHeartbeat time.Duration

	// Processing limits.
	MaxFileSize         int64
	MaxURLDownloadBytes int64
	TimeoutMinutes      int
	RAMWarningGB        float64
	RAMCriticalGB       float64
	ThumbnailScale      string
	CDNBaseURL          string

	// Legacy profile name -> CRF. New presets encode the CRF in the name
	// (crf_10, crf_14, ...) and bypass this map.
	CRFMap map[string]int

	// Samaritan: alerts, command channel, telemetry push.
	TelegramToken        string
	TelegramChatID       string
	TelegramPollInterval time.Duration
	SamaritanSecret      string
	StatusInterval       time.Duration
	PingInterval         time.Duration
	FallbackWebhookURL   string

	AutoResumeInterrupted bool

	LogLevel string
	LogFile  string
}

// Load builds a Config from the environment, applying defaults for anything
// unset. It never fails: unparseable values fall back to defaults.
func Load() *Config {
	cfg := &Config{
		APIBaseURL:  envString("BK_API_BASE_URL", "https://v.bilgekarga.tr"),
		BearerToken: envString("BK_BEARER_TOKEN", ""),
		WorkerID:    envString("BK_WORKER_ID", ""),
		FFmpegPath:  envString("FFMPEG_PATH", "ffmpeg"),
		FFprobePath: envString("FFPROBE_PATH", "ffprobe"),
		TempDir:     envString("TEMP_DIR", filepath.Join(os.TempDir(), "video-processing")),

		MaxConcurrentJobs: envInt("MAX_CONCURRENT_JOBS", 0),

		ActiveWait:          envSeconds("ACTIVE_WAIT", 60),
		ActiveGearDuration:  envSeconds("ACTIVE_GEAR_DURATION", 300),
		IdleWait:            envSeconds("IDLE_WAIT", 3600),
		IdleHeartbeat:       envSeconds("IDLE_HEARTBEAT_INTERVAL", 3600),
		IdleToDeepThreshold: envSeconds("IDLE_TO_DEEP_THRESHOLD", 7200),
		Deep1Wait:           envSeconds("DEEP1_WAIT", 21600),
		Deep2Wait:           envSeconds("DEEP2_WAIT", 86400),

		WakeupPort:       envInt("WAKEUP_PORT", 8080),
		StealthHeartbeat: envSeconds("STEALTH_HEARTBEAT_INTERVAL", 600),

		MaxFileSize:         envInt64("MAX_FILE_SIZE", 1<<30),
		MaxURLDownloadBytes: envInt64("MAX_URL_DOWNLOAD_BYTES", 5<<30),
		TimeoutMinutes:      envInt("TIMEOUT_MINUTES", 60),
		RAMWarningGB:        envFloat("RAM_WARNING_GB", 28.0),
		RAMCriticalGB:       envFloat("RAM_CRITICAL_GB", 31.5),
		ThumbnailScale:      envString("THUMBNAIL_SCALE", "360:-2"),
		CDNBaseURL:          envString("CDN_BASE_URL", "https://cdn.bilgekarga.tr"),

		CRFMap: map[string]int{
			"native":      14,
			"dengeli":     14,
			"ultra":       16,
			"kucuk_dosya": 18,
		},

		TelegramToken:        envString("TELEGRAM_TOKEN", ""),
		TelegramChatID:       envString("TELEGRAM_CHAT_ID", ""),
		TelegramPollInterval: envSeconds("TELEGRAM_POLL_INTERVAL", 5),
		SamaritanSecret:      envString("SAMARITAN_SECRET", ""),
		StatusInterval:       envSeconds("SAMARITAN_STATUS_INTERVAL", 21600),
		PingInterval:         envSeconds("SAMARITAN_PING_INTERVAL", 300),
		FallbackWebhookURL:   envString("FALLBACK_WEBHOOK_URL", envString("DISCORD_WEBHOOK_URL", "")),

		AutoResumeInterrupted: envBool("AUTO_RESUME_INTERRUPTED"),

		LogLevel: envString("LOG_LEVEL", "debug"),
		LogFile:  envString("LOG_FILE", ""),
	}

	if cfg.WorkerID == "" {
		cfg.WorkerID = "hetner-" + uuid.NewString()[:8]
	}
	if cfg.TelegramPollInterval < 2*time.Second {
		cfg.TelegramPollInterval = 2 * time.Second
	}
	for _, wait := range []*time.Duration{&cfg.IdleWait, &cfg.Deep1Wait, &cfg.Deep2Wait} {
		if *wait < cfg.ActiveWait {
			*wait = cfg.ActiveWait
		}
	}
	return cfg
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// envSeconds reads an integer number of seconds.
func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes":
		return true
	}
	return false
}
