package config

import (
	"testing"
	"time"

	"github.com/collabhub/activity/infrastructure/runtime"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BucketCount != 64 {
		t.Errorf("BucketCount = %d, want 64", cfg.BucketCount)
	}
	if cfg.BucketLockTTL != 30*time.Second {
		t.Errorf("BucketLockTTL = %v, want 30s", cfg.BucketLockTTL)
	}
	if cfg.EmailDigestHour != 8 {
		t.Errorf("EmailDigestHour = %d, want 8", cfg.EmailDigestHour)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ACTIVITY_BUCKET_COUNT", "128")
	t.Setenv("ACTIVITY_EMAIL_DIGEST_HOUR", "14")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BucketCount != 128 {
		t.Errorf("BucketCount = %d, want 128", cfg.BucketCount)
	}
	if cfg.EmailDigestHour != 14 {
		t.Errorf("EmailDigestHour = %d, want 14", cfg.EmailDigestHour)
	}
}

func TestValidate(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestValidate_RejectsShortLockTTL(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.BucketLockTTL = time.Second
	cfg.CollectionPollingInterval = 5 * time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should reject a lock TTL shorter than the polling interval")
	}
}

func TestValidate_ProductionRequiresSigningKey(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.Env = runtime.Production
	cfg.SigningKeySecret = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should require a signing key in production")
	}
}

func TestValidate_RejectsBadBucketCount(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.BucketCount = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should reject a zero bucket count")
	}
}
