package lease

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/gridduel-server/internal/obslog"
	"github.com/park285/gridduel-server/internal/session"
)

// Config carries the lease protocol timings.
type Config struct {
	LeaseTTL      time.Duration
	RenewInterval time.Duration
	HeartbeatTTL  time.Duration
}

// Manager implements per-session exclusive ownership on top of Redis.
//
// The lease key is the single source of truth for ownership. The session
// record's owner fields are updated best-effort as a diagnostic cache and
// are never consulted for ownership decisions.
//
// Every successful Acquire starts a renewal timer for that session, so
// callers never need to remember to renew. A renewal that discovers lost
// ownership stops the timer and reports the session through onLost.
type Manager struct {
	rdb      *redis.Client
	sessions *session.Store
	workerID string
	cfg      Config

	onLost     func(sessionID string)
	onCritical func(err error)

	mu       sync.Mutex
	renewals map[string]chan struct{}
}

func NewManager(rdb *redis.Client, sessions *session.Store, workerID string, cfg Config) (*Manager, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, fmt.Errorf("worker id required")
	}
	if cfg.LeaseTTL <= 0 || cfg.RenewInterval <= 0 || cfg.HeartbeatTTL <= 0 {
		return nil, fmt.Errorf("invalid lease config: %+v", cfg)
	}
	return &Manager{
		rdb:      rdb,
		sessions: sessions,
		workerID: workerID,
		cfg:      cfg,
		renewals: make(map[string]chan struct{}),
	}, nil
}

func (m *Manager) WorkerID() string { return m.workerID }

// SetOnLost registers a callback invoked when a renewal discovers that
// ownership was lost. Called from the renewal goroutine.
func (m *Manager) SetOnLost(fn func(sessionID string)) { m.onLost = fn }

// SetOnCritical registers a callback for infrastructure errors inside the
// renewal timers. The worker escalates these to emergency shutdown.
func (m *Manager) SetOnCritical(fn func(err error)) { m.onCritical = fn }

// Acquire attempts an atomic set-if-absent of the lease key. It returns
// false with no side effects when an unexpired lease already exists.
func (m *Manager) Acquire(ctx context.Context, sessionID string) (bool, error) {
	ok, err := m.rdb.SetNX(ctx, keyLease(sessionID), m.workerID, m.cfg.LeaseTTL).Result()
	if err != nil {
		return false, fmt.Errorf("lease acquire %s: %w", sessionID, err)
	}
	if !ok {
		return false, nil
	}
	obslog.L().Info("lease_acquire",
		zap.String("session_id", sessionID),
		zap.String("worker_id", m.workerID),
	)
	// ownership cache update is advisory only
	if err := m.sessions.SetOwnership(ctx, sessionID, m.workerID, time.Now().Add(m.cfg.LeaseTTL)); err != nil {
		obslog.L().Warn("lease_cache_update_failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	m.startRenewal(sessionID)
	return true, nil
}

// Renew resets the lease TTL if and only if the key still holds this
// worker's id. The check and the reset execute as one atomic transaction.
// Returns false, and stops the local renewal timer, when ownership is gone.
func (m *Manager) Renew(ctx context.Context, sessionID string) (bool, error) {
	key := keyLease(sessionID)
	lost := false
	err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if err == redis.Nil || (err == nil && val != m.workerID) {
			lost = true
			return nil
		}
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.Expire(ctx, key, m.cfg.LeaseTTL)
		_, err = pipe.Exec(ctx)
		return err
	}, key)
	if err == redis.TxFailedErr {
		// another worker touched the key between watch and exec
		lost = true
		err = nil
	}
	if err != nil {
		return false, fmt.Errorf("lease renew %s: %w", sessionID, err)
	}
	if lost {
		obslog.L().Warn("lease_lost",
			zap.String("session_id", sessionID),
			zap.String("worker_id", m.workerID),
		)
		m.stopRenewal(sessionID)
		return false, nil
	}
	if err := m.sessions.SetOwnership(ctx, sessionID, m.workerID, time.Now().Add(m.cfg.LeaseTTL)); err != nil {
		obslog.L().Warn("lease_cache_update_failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return true, nil
}

// Release deletes the lease only if this worker still owns it. Releasing a
// lease now held by another worker is a no-op returning false.
func (m *Manager) Release(ctx context.Context, sessionID string) (bool, error) {
	key := keyLease(sessionID)
	released := false
	err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if err == redis.Nil || (err == nil && val != m.workerID) {
			return nil
		}
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.Del(ctx, key)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		released = true
		return nil
	}, key)
	if err == redis.TxFailedErr {
		err = nil
	}
	if err != nil {
		// the lease may still be held; keep the renewal timer running
		return false, fmt.Errorf("lease release %s: %w", sessionID, err)
	}
	m.stopRenewal(sessionID)
	if released {
		obslog.L().Info("lease_release",
			zap.String("session_id", sessionID),
			zap.String("worker_id", m.workerID),
		)
		if err := m.sessions.ClearOwnership(ctx, sessionID); err != nil {
			obslog.L().Warn("lease_cache_clear_failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return released, nil
}

// Owns is a point-in-time read of the lease key.
func (m *Manager) Owns(ctx context.Context, sessionID string) (bool, error) {
	val, err := m.rdb.Get(ctx, keyLease(sessionID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == m.workerID, nil
}

// Owned returns the sessions this manager is currently renewing.
func (m *Manager) Owned() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.renewals))
	for id := range m.renewals {
		out = append(out, id)
	}
	return out
}

// ReleaseAll releases every owned lease. Used by the shutdown paths.
func (m *Manager) ReleaseAll(ctx context.Context) {
	for _, id := range m.Owned() {
		if _, err := m.Release(ctx, id); err != nil {
			obslog.L().Warn("lease_release_failed", zap.String("session_id", id), zap.Error(err))
		}
	}
}

// SendHeartbeat refreshes this worker's liveness key. Heartbeat failure is
// critical: a worker that cannot prove liveness must not keep its leases.
func (m *Manager) SendHeartbeat(ctx context.Context) error {
	err := m.rdb.Set(ctx, keyHealth(m.workerID), time.Now().UTC().Format(time.RFC3339), m.cfg.HeartbeatTTL).Err()
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", m.workerID, err)
	}
	return nil
}

// WorkerAlive reports whether workerID has a live health entry.
func (m *Manager) WorkerAlive(ctx context.Context, workerID string) (bool, error) {
	n, err := m.rdb.Exists(ctx, keyHealth(workerID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (m *Manager) startRenewal(sessionID string) {
	m.mu.Lock()
	if _, exists := m.renewals[sessionID]; exists {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.renewals[sessionID] = stop
	m.mu.Unlock()

	go func() {
		t := time.NewTicker(m.cfg.RenewInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				ok, err := m.Renew(ctx, sessionID)
				cancel()
				if err != nil {
					if m.onCritical != nil {
						m.onCritical(err)
					}
					return
				}
				if !ok {
					// Renew already stopped this timer
					if m.onLost != nil {
						m.onLost(sessionID)
					}
					return
				}
			}
		}
	}()
}

func (m *Manager) stopRenewal(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stop, ok := m.renewals[sessionID]; ok {
		close(stop)
		delete(m.renewals, sessionID)
	}
}

func keyLease(sessionID string) string { return "lease:session:" + strings.TrimSpace(sessionID) }
func keyHealth(workerID string) string { return "health:worker:" + strings.TrimSpace(workerID) }
