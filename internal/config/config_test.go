package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("DATABASE_URL", "postgres://gridduel:pw@localhost/gridduel?sslmode=disable")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LeaseTTL != time.Minute || cfg.RenewInterval != 30*time.Second {
		t.Fatalf("lease defaults wrong: ttl=%s renew=%s", cfg.LeaseTTL, cfg.RenewInterval)
	}
	if cfg.AbandonCutoff != 10*time.Minute || cfg.ConnectionCutoff != 3*time.Minute {
		t.Fatalf("cutoff defaults wrong: %s / %s", cfg.AbandonCutoff, cfg.ConnectionCutoff)
	}
	if cfg.RatingWindow != 100 || cfg.HTTPAddr != ":8080" {
		t.Fatalf("defaults wrong: window=%d http=%s", cfg.RatingWindow, cfg.HTTPAddr)
	}
}

func TestLoadRequiresBackends(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatalf("missing REDIS_URL accepted")
	}
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	if _, err := Load(); err == nil {
		t.Fatalf("missing DATABASE_URL accepted")
	}
}

func TestLoadOverridesAndValidation(t *testing.T) {
	setRequired(t)
	t.Setenv("LEASE_TTL", "90s")
	t.Setenv("RATING_WINDOW", "150")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LeaseTTL != 90*time.Second || cfg.RatingWindow != 150 {
		t.Fatalf("overrides lost: ttl=%s window=%d", cfg.LeaseTTL, cfg.RatingWindow)
	}

	t.Setenv("LEASE_TTL", "10s") // shorter than the renew interval
	if _, err := Load(); err == nil {
		t.Fatalf("renew interval >= ttl accepted")
	}

	t.Setenv("LEASE_TTL", "not-a-duration")
	if _, err := Load(); err == nil {
		t.Fatalf("garbage duration accepted")
	}
}
