// Package config centralizes how ShiftProof reads environment variables and
// exposes them as strongly typed values.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the service, the worker and the
// CLI. Every field has a default so a bare environment still produces a
// working offline setup.
type Config struct {
	Address        string
	DBPath         string
	MaxUploadBytes int64

	MaxImageDim int
	JPEGQuality int

	OCREndpoint string
	OCRLanguage string
	OCRTimeout  time.Duration

	BlobAPIBase string
	SyncBackend string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3Region    string
	S3UseSSL    bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RetentionDays int
	AutoBackup    bool
	Concurrency   int

	CDNOrigins []string
}

const (
	defaultAddress     = ":8080"
	defaultDBPath      = "shiftproof.db"
	defaultMaxUpload   = 10 << 20 // 10 MiB per photo
	defaultImageDim    = 600
	defaultJPEGQuality = 70
	defaultOCRLanguage = "spa"
	defaultOCRTimeout  = 30 * time.Second
	defaultBlobAPI     = "https://api.github.com"
	defaultBackend     = "gist"
	defaultRetention   = 30
	defaultConcurrency = 2
	defaultRedisAddr   = "127.0.0.1:6379"
	defaultS3Bucket    = "shiftproof-backups"
	defaultCDNOrigins  = "https://cdn.tailwindcss.com,https://cdn.jsdelivr.net,https://unpkg.com"
)

// Load reads configuration from environment variables falling back to defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Address:        readEnv("SHIFTPROOF_ADDRESS", defaultAddress),
		DBPath:         readEnv("SHIFTPROOF_DB_PATH", defaultDBPath),
		MaxUploadBytes: parseInt64("SHIFTPROOF_MAX_UPLOAD_BYTES", defaultMaxUpload),
		MaxImageDim:    parseInt("SHIFTPROOF_MAX_IMAGE_DIM", defaultImageDim),
		JPEGQuality:    parseInt("SHIFTPROOF_JPEG_QUALITY", defaultJPEGQuality),
		OCREndpoint:    readEnv("SHIFTPROOF_OCR_ENDPOINT", ""),
		OCRLanguage:    readEnv("SHIFTPROOF_OCR_LANG", defaultOCRLanguage),
		OCRTimeout:     parseDuration("SHIFTPROOF_OCR_TIMEOUT", defaultOCRTimeout),
		BlobAPIBase:    readEnv("SHIFTPROOF_BLOB_API", defaultBlobAPI),
		SyncBackend:    readEnv("SHIFTPROOF_SYNC_BACKEND", defaultBackend),
		S3Endpoint:     readEnv("SHIFTPROOF_S3_ENDPOINT", ""),
		S3AccessKey:    readEnv("SHIFTPROOF_S3_ACCESS_KEY", ""),
		S3SecretKey:    readEnv("SHIFTPROOF_S3_SECRET_KEY", ""),
		S3Bucket:       readEnv("SHIFTPROOF_S3_BUCKET", defaultS3Bucket),
		S3Region:       readEnv("SHIFTPROOF_S3_REGION", "us-east-1"),
		S3UseSSL:       parseBool("SHIFTPROOF_S3_USE_SSL", true),
		RedisAddr:      readEnv("SHIFTPROOF_REDIS_ADDR", defaultRedisAddr),
		RedisPassword:  readEnv("SHIFTPROOF_REDIS_PASSWORD", ""),
		RedisDB:        parseInt("SHIFTPROOF_REDIS_DB", 0),
		RetentionDays:  parseInt("SHIFTPROOF_RETENTION_DAYS", defaultRetention),
		AutoBackup:     parseBool("SHIFTPROOF_AUTO_BACKUP", false),
		Concurrency:    parseInt("SHIFTPROOF_WORKERS", defaultConcurrency),
		CDNOrigins:     parseList("SHIFTPROOF_CDN_ORIGINS", defaultCDNOrigins),
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUpload
	}
	if cfg.MaxImageDim <= 0 {
		cfg.MaxImageDim = defaultImageDim
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = defaultJPEGQuality
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaultRetention
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return cfg, nil
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseList(key, def string) []string {
	val := readEnv(key, def)
	out := strings.Split(val, ",")
	for i := range out {
		out[i] = strings.TrimSpace(out[i])
	}
	return out
}

func parseInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}
