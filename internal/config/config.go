package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPort            = "8080"
	defaultNamespace       = "streamkit"
	defaultStorageURL      = "memory:"
	defaultMaxStorageBytes = 5 * 1024 * 1024
	defaultWarnRatio       = 0.8
	defaultStreamAgeHours  = 24
	defaultCleanupMinutes  = 10
	defaultFrontendOrigin  = "http://localhost:5173"
)

type Config struct {
	Port               string
	Environment        string
	AllowedOrigins     []string
	StorageURL         string
	StorageAuthToken   string
	Namespace          string
	MaxStorageBytes    int64
	WarnStorageBytes   int64
	MaxStreamAge       time.Duration
	CleanupInterval    time.Duration
	CompressionEnabled bool
	EncryptionEnabled  bool
}

func (c Config) ListenAddress() string {
	return fmt.Sprintf(":%s", c.Port)
}

func Load() (Config, error) {
	cfg := Config{
		Port:               envOrDefault("PORT", defaultPort),
		Environment:        envOrDefault("APP_ENV", "development"),
		StorageURL:         envOrDefault("STREAM_STORAGE_URL", defaultStorageURL),
		StorageAuthToken:   strings.TrimSpace(os.Getenv("STREAM_STORAGE_AUTH_TOKEN")),
		Namespace:          envOrDefault("STREAM_NAMESPACE", defaultNamespace),
		CompressionEnabled: boolOrDefault("STREAM_COMPRESSION_ENABLED", false),
		EncryptionEnabled:  boolOrDefault("STREAM_ENCRYPTION_ENABLED", false),
	}

	maxBytes := int64(intOrDefault("STREAM_MAX_STORAGE_BYTES", defaultMaxStorageBytes))
	if maxBytes <= 0 {
		return Config{}, errors.New("STREAM_MAX_STORAGE_BYTES must be > 0")
	}
	cfg.MaxStorageBytes = maxBytes
	cfg.WarnStorageBytes = int64(float64(maxBytes) * defaultWarnRatio)

	ageHours := intOrDefault("STREAM_MAX_AGE_HOURS", defaultStreamAgeHours)
	if ageHours <= 0 {
		return Config{}, errors.New("STREAM_MAX_AGE_HOURS must be > 0")
	}
	cfg.MaxStreamAge = time.Duration(ageHours) * time.Hour

	cleanupMinutes := intOrDefault("STREAM_CLEANUP_INTERVAL_MINUTES", defaultCleanupMinutes)
	if cleanupMinutes <= 0 {
		return Config{}, errors.New("STREAM_CLEANUP_INTERVAL_MINUTES must be > 0")
	}
	cfg.CleanupInterval = time.Duration(cleanupMinutes) * time.Minute

	origins := parseList(envOrDefault("CORS_ALLOWED_ORIGINS", defaultFrontendOrigin))
	if len(origins) == 0 {
		return Config{}, errors.New("CORS_ALLOWED_ORIGINS must include at least one origin")
	}
	cfg.AllowedOrigins = origins

	if strings.TrimSpace(cfg.StorageURL) == "" {
		return Config{}, errors.New("STREAM_STORAGE_URL is required")
	}
	if strings.HasPrefix(cfg.StorageURL, "libsql://") && cfg.StorageAuthToken == "" {
		return Config{}, errors.New("STREAM_STORAGE_AUTH_TOKEN is required for libsql:// URLs")
	}
	if strings.TrimSpace(cfg.Namespace) == "" {
		return Config{}, errors.New("STREAM_NAMESPACE must not be empty")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func boolOrDefault(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func intOrDefault(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
