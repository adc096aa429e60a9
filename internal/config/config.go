package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr       string
	OutputsDir string
	YtdlpBin   string

	MaxConcurrent      int64
	ProbeTimeout       time.Duration
	DownloadTimeout    time.Duration
	ArtifactRetryDelay time.Duration
	ProgressInterval   time.Duration

	JobTTL          time.Duration
	CleanupInterval time.Duration

	RedisURL     string
	RedisChannel string

	LogLevel slog.Level
}

// Load reads .env files (when present) and then the process environment. Variables
// already set in the environment win over .env values.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !os.IsNotExist(err) {
		return Config{}, err
	}

	return Config{
		Addr:       envOrDefault("APP_ADDR", ":8080"),
		OutputsDir: envOrDefault("OUTPUTS_DIR", "downloads"),
		YtdlpBin:   envOrDefault("YTDLP_BIN", "yt-dlp"),

		MaxConcurrent:      envInt64OrDefault("MAX_CONCURRENT_DOWNLOADS", 0),
		ProbeTimeout:       envDurationOrDefault("PROBE_TIMEOUT", 2*time.Minute),
		DownloadTimeout:    envDurationOrDefault("DOWNLOAD_TIMEOUT", time.Hour),
		ArtifactRetryDelay: envDurationOrDefault("ARTIFACT_RETRY_DELAY", time.Second),
		ProgressInterval:   envDurationOrDefault("PROGRESS_INTERVAL", 0),

		JobTTL:          envDurationOrDefault("JOB_TTL", 0),
		CleanupInterval: envDurationOrDefault("CLEANUP_INTERVAL", 30*time.Minute),

		RedisURL:     os.Getenv("REDIS_URL"),
		RedisChannel: envOrDefault("REDIS_CHANNEL", "job-update"),

		LogLevel: parseLevel(os.Getenv("LOG_LEVEL")),
	}, nil
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envInt64OrDefault(key string, fallback int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

// envDurationOrDefault accepts Go durations ("90s", "1h") or a plain number of seconds.
func envDurationOrDefault(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	if secs, err := strconv.ParseInt(val, 10, 64); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

func parseLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
