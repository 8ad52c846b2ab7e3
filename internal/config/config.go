package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	RedisURL    string
	DatabaseURL string

	HTTPAddr string
	WSAddr   string

	// WorkerID identifies this process in lease and health keys.
	// Empty means derive one from the hostname at startup.
	WorkerID string

	LeaseTTL          time.Duration
	RenewInterval     time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	OrphanInterval    time.Duration
	ShutdownGrace     time.Duration

	// Orphan recovery cutoffs, measured against a session's last action.
	StaleAfter       time.Duration
	ConnectionCutoff time.Duration
	AbandonCutoff    time.Duration

	QueueEntryTTL  time.Duration
	RatingWindow   int
	CandidateLimit int

	MessageOverrideDir string
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		HTTPAddr: ":8080",
		WSAddr:   ":8081",

		LeaseTTL:          60 * time.Second,
		RenewInterval:     30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTTL:      90 * time.Second,
		OrphanInterval:    60 * time.Second,
		ShutdownGrace:     5 * time.Second,

		StaleAfter:       5 * time.Minute,
		ConnectionCutoff: 3 * time.Minute,
		AbandonCutoff:    10 * time.Minute,

		QueueEntryTTL:  10 * time.Minute,
		RatingWindow:   100,
		CandidateLimit: 50,
	}

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.WorkerID = strings.TrimSpace(os.Getenv("WORKER_ID"))
	cfg.MessageOverrideDir = strings.TrimSpace(os.Getenv("MESSAGE_OVERRIDE_DIR"))

	if v := strings.TrimSpace(os.Getenv("HTTP_ADDR")); v != "" {
		cfg.HTTPAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("WS_ADDR")); v != "" {
		cfg.WSAddr = v
	}

	durs := []struct {
		env string
		dst *time.Duration
	}{
		{"LEASE_TTL", &cfg.LeaseTTL},
		{"LEASE_RENEW_INTERVAL", &cfg.RenewInterval},
		{"HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"HEARTBEAT_TTL", &cfg.HeartbeatTTL},
		{"ORPHAN_SCAN_INTERVAL", &cfg.OrphanInterval},
		{"SHUTDOWN_GRACE", &cfg.ShutdownGrace},
		{"SESSION_STALE_AFTER", &cfg.StaleAfter},
		{"CONNECTION_TIMEOUT_CUTOFF", &cfg.ConnectionCutoff},
		{"ABANDONMENT_CUTOFF", &cfg.AbandonCutoff},
		{"QUEUE_ENTRY_TTL", &cfg.QueueEntryTTL},
	}
	for _, d := range durs {
		if v := strings.TrimSpace(os.Getenv(d.env)); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil || parsed <= 0 {
				return nil, fmt.Errorf("%s: invalid duration %q", d.env, v)
			}
			*d.dst = parsed
		}
	}

	if v := strings.TrimSpace(os.Getenv("RATING_WINDOW")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RatingWindow = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("QUEUE_CANDIDATE_LIMIT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CandidateLimit = n
		}
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RenewInterval >= cfg.LeaseTTL {
		return nil, errors.New("LEASE_RENEW_INTERVAL must be shorter than LEASE_TTL")
	}
	if cfg.HeartbeatInterval >= cfg.HeartbeatTTL {
		return nil, errors.New("HEARTBEAT_INTERVAL must be shorter than HEARTBEAT_TTL")
	}

	return cfg, nil
}
