package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServerAddr string
	JWTSecret  string
	LogLevel   string
	// Origins allowed for CORS and WebSocket upgrades; empty allows any
	AllowedOrigins []string

	// Limits
	MaxFileSizeMB       int
	MaxDownloadsPerHour int
	RateLimitWindow     time.Duration
	RateLimitBackend    string
	MaxConcurrentJobs   int
	SessionTimeout      time.Duration
	DownloadTimeout     time.Duration
	ResolveTimeout      time.Duration
	UploadTimeout       time.Duration
	UploadRetries       int

	// Progress throttle
	ProgressMinStep     int
	ProgressMinInterval time.Duration

	// Temp files
	TempDir    string
	TempMaxAge time.Duration

	// Backend binaries
	YtdlpPath  string
	FFmpegPath string

	// Optional infrastructure; empty disables
	RedisURL        string
	ResolveCacheTTL time.Duration
	DatabaseURL     string

	// Artifact delivery
	StorageDriver  string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
	S3Region       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
	Bucket         string
	PresignExpiry  time.Duration
	LocalDir       string
	PublicBaseURL  string
}

func Load() *Config {
	return &Config{
		ServerAddr: getEnvOrDefault("SERVER_ADDR", ":8080"),
		JWTSecret:  getEnvOrDefault("JWT_SECRET", generateDefaultSecret()),
		LogLevel:   getEnvOrDefault("LOG_LEVEL", "info"),

		AllowedOrigins: getListOrDefault("ALLOWED_ORIGINS", nil),

		MaxFileSizeMB:       getIntOrDefault("MAX_FILE_SIZE_MB", 50),
		MaxDownloadsPerHour: getIntOrDefault("MAX_DOWNLOADS_PER_HOUR", 5),
		RateLimitWindow:     getDurationOrDefault("RATE_LIMIT_WINDOW", time.Hour),
		RateLimitBackend:    getEnvOrDefault("RATE_LIMIT_BACKEND", "memory"),
		MaxConcurrentJobs:   getIntOrDefault("MAX_CONCURRENT_JOBS", 3),
		SessionTimeout:      getDurationOrDefault("SESSION_TIMEOUT", 10*time.Minute),
		DownloadTimeout:     getDurationOrDefault("DOWNLOAD_TIMEOUT", 300*time.Second),
		ResolveTimeout:      getDurationOrDefault("RESOLVE_TIMEOUT", 30*time.Second),
		UploadTimeout:       getDurationOrDefault("UPLOAD_TIMEOUT", 120*time.Second),
		UploadRetries:       getIntOrDefault("UPLOAD_RETRIES", 2),

		ProgressMinStep:     getIntOrDefault("PROGRESS_MIN_STEP", 5),
		ProgressMinInterval: getDurationOrDefault("PROGRESS_MIN_INTERVAL", 3*time.Second),

		TempDir:    getEnvOrDefault("TEMP_DIR", "./downloads"),
		TempMaxAge: getDurationOrDefault("TEMP_MAX_AGE", time.Hour),

		YtdlpPath:  getEnvOrDefault("YTDLP_PATH", "yt-dlp"),
		FFmpegPath: getEnvOrDefault("FFMPEG_PATH", "ffmpeg"),

		RedisURL:        os.Getenv("REDIS_URL"),
		ResolveCacheTTL: getDurationOrDefault("RESOLVE_CACHE_TTL", 10*time.Minute),
		DatabaseURL:     os.Getenv("DATABASE_URL"),

		StorageDriver:  getEnvOrDefault("STORAGE_DRIVER", "minio"),
		MinioEndpoint:  getEnvOrDefault("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey: getEnvOrDefault("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey: getEnvOrDefault("MINIO_SECRET_KEY", "minioadmin"),
		MinioUseSSL:    getBoolOrDefault("MINIO_USE_SSL", false),
		S3Region:       getEnvOrDefault("S3_REGION", "us-east-1"),
		S3Endpoint:     os.Getenv("S3_ENDPOINT"),
		S3AccessKey:    os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:    os.Getenv("S3_SECRET_KEY"),
		S3UsePathStyle: getBoolOrDefault("S3_USE_PATH_STYLE", false),
		Bucket:         getEnvOrDefault("STORAGE_BUCKET", "media-artifacts"),
		PresignExpiry:  getDurationOrDefault("PRESIGN_EXPIRY", time.Hour),
		LocalDir:       getEnvOrDefault("LOCAL_STORAGE_DIR", "./artifacts"),
		PublicBaseURL:  getEnvOrDefault("PUBLIC_BASE_URL", "http://localhost:8080"),
	}
}

// Validate rejects limits the rest of the service cannot work with.
func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"MAX_FILE_SIZE_MB", c.MaxFileSizeMB},
		{"MAX_DOWNLOADS_PER_HOUR", c.MaxDownloadsPerHour},
		{"MAX_CONCURRENT_JOBS", c.MaxConcurrentJobs},
		{"PROGRESS_MIN_STEP", c.ProgressMinStep},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}
	if c.UploadRetries < 0 {
		return fmt.Errorf("UPLOAD_RETRIES must not be negative, got %d", c.UploadRetries)
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"RATE_LIMIT_WINDOW", c.RateLimitWindow},
		{"SESSION_TIMEOUT", c.SessionTimeout},
		{"DOWNLOAD_TIMEOUT", c.DownloadTimeout},
		{"RESOLVE_TIMEOUT", c.ResolveTimeout},
		{"UPLOAD_TIMEOUT", c.UploadTimeout},
		{"PROGRESS_MIN_INTERVAL", c.ProgressMinInterval},
		{"TEMP_MAX_AGE", c.TempMaxAge},
		{"PRESIGN_EXPIRY", c.PresignExpiry},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}

	switch c.RateLimitBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("RATE_LIMIT_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimitBackend)
	}

	switch c.StorageDriver {
	case "minio", "s3", "local":
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}

	return nil
}

// MaxFileSizeBytes returns the size cap in bytes
func (c *Config) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getIntOrDefault(key string, defaultValue int) int {
	v, err := strconv.Atoi(getEnvOrDefault(key, strconv.Itoa(defaultValue)))
	if err != nil {
		return defaultValue
	}
	return v
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	v, err := strconv.ParseBool(getEnvOrDefault(key, strconv.FormatBool(defaultValue)))
	if err != nil {
		return defaultValue
	}
	return v
}

// getDurationOrDefault accepts Go durations ("90s") or bare seconds ("300").
func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return defaultValue
}

func generateDefaultSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "dev-secret-change-in-production"
	}
	return hex.EncodeToString(bytes)
}
