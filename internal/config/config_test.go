package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	unsetIfSet(t, "PORT")
	unsetIfSet(t, "STREAM_STORAGE_URL")
	unsetIfSet(t, "STREAM_NAMESPACE")
	unsetIfSet(t, "STREAM_MAX_STORAGE_BYTES")
	unsetIfSet(t, "STREAM_MAX_AGE_HOURS")
	unsetIfSet(t, "STREAM_CLEANUP_INTERVAL_MINUTES")
	unsetIfSet(t, "CORS_ALLOWED_ORIGINS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.StorageURL != "memory:" {
		t.Fatalf("unexpected default storage url: %s", cfg.StorageURL)
	}
	if cfg.Namespace != "streamkit" {
		t.Fatalf("unexpected default namespace: %s", cfg.Namespace)
	}
	if cfg.MaxStorageBytes != 5*1024*1024 {
		t.Fatalf("unexpected default max storage bytes: %d", cfg.MaxStorageBytes)
	}
	if cfg.WarnStorageBytes >= cfg.MaxStorageBytes {
		t.Fatalf("warning threshold %d should be below max %d", cfg.WarnStorageBytes, cfg.MaxStorageBytes)
	}
	if cfg.MaxStreamAge != 24*time.Hour {
		t.Fatalf("unexpected default stream age: %v", cfg.MaxStreamAge)
	}
	if cfg.CleanupInterval != 10*time.Minute {
		t.Fatalf("unexpected default cleanup interval: %v", cfg.CleanupInterval)
	}
	if len(cfg.AllowedOrigins) == 0 {
		t.Fatal("expected at least one default origin")
	}
}

func TestLoadRequiresTokenForLibsqlURL(t *testing.T) {
	t.Setenv("STREAM_STORAGE_URL", "libsql://streams.example.turso.io")
	t.Setenv("STREAM_STORAGE_AUTH_TOKEN", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when STREAM_STORAGE_AUTH_TOKEN is missing for libsql URL")
	}
}

func TestLoadRejectsNonPositiveLimits(t *testing.T) {
	t.Setenv("STREAM_STORAGE_URL", "file:streams.db")
	t.Setenv("STREAM_MAX_STORAGE_BYTES", "-1")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for non-positive STREAM_MAX_STORAGE_BYTES")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STREAM_STORAGE_URL", "file:streams.db")
	t.Setenv("STREAM_NAMESPACE", "acceptance")
	t.Setenv("STREAM_MAX_AGE_HOURS", "1")
	t.Setenv("STREAM_CLEANUP_INTERVAL_MINUTES", "2")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com, https://staging.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Namespace != "acceptance" {
		t.Fatalf("unexpected namespace: %s", cfg.Namespace)
	}
	if cfg.MaxStreamAge != time.Hour {
		t.Fatalf("unexpected stream age: %v", cfg.MaxStreamAge)
	}
	if cfg.CleanupInterval != 2*time.Minute {
		t.Fatalf("unexpected cleanup interval: %v", cfg.CleanupInterval)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://staging.example.com" {
		t.Fatalf("unexpected origins: %+v", cfg.AllowedOrigins)
	}
}

func unsetIfSet(t *testing.T, key string) {
	t.Helper()
	if _, ok := os.LookupEnv(key); ok {
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("unset env %s: %v", key, err)
		}
	}
}
