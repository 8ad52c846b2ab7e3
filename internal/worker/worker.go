package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/gridduel-server/internal/lease"
	"github.com/park285/gridduel-server/internal/obslog"
	"github.com/park285/gridduel-server/internal/repo"
	"github.com/park285/gridduel-server/internal/session"
)

// State is the worker lifecycle state.
type State string

const (
	StateStarting   State = "STARTING"
	StateRunning    State = "RUNNING"
	StateGraceful   State = "GRACEFUL_SHUTDOWN"
	StateEmergency  State = "EMERGENCY_SHUTDOWN"
	StateTerminated State = "TERMINATED"
)

// Config carries the worker loop timings and orphan recovery cutoffs.
type Config struct {
	HeartbeatInterval time.Duration
	RenewInterval     time.Duration
	OrphanInterval    time.Duration
	ShutdownGrace     time.Duration

	StaleAfter       time.Duration
	ConnectionCutoff time.Duration
	AbandonCutoff    time.Duration
}

// Broadcaster pushes a payload to every player in a session room.
type Broadcaster interface {
	BroadcastRoom(ctx context.Context, sessionID string, payload []byte)
}

// ResultStore persists final outcomes and rating changes.
type ResultStore interface {
	SaveMatchResult(ctx context.Context, mr repo.MatchResult) error
	UpdateUserRating(ctx context.Context, userID string, rating int) error
}

// Worker orchestrates one process's share of live sessions: it keeps leases
// and heartbeats alive, detects and recovers orphaned sessions, and owns
// the fail-fast shutdown semantics.
//
// Any error or panic escaping a background loop is treated as
// unrecoverable: the worker releases everything it holds and terminates,
// because a worker whose heartbeat or renewal logic is failing cannot be
// trusted to keep holding session locks.
type Worker struct {
	leases   *lease.Manager
	sessions *session.Store
	results  ResultStore
	hub      Broadcaster
	cfg      Config

	mu    sync.Mutex
	state State
	owned map[string]*session.Session

	cancel context.CancelFunc
	wg     sync.WaitGroup
	exitFn func(code int)
}

func New(leases *lease.Manager, sessions *session.Store, cfg Config) *Worker {
	return &Worker{
		leases:   leases,
		sessions: sessions,
		cfg:      cfg,
		state:    StateStarting,
		owned:    make(map[string]*session.Session),
		exitFn:   os.Exit,
	}
}

// AttachResults wires the durable outcome store.
func (w *Worker) AttachResults(r ResultStore) {
	if w != nil {
		w.results = r
	}
}

// AttachBroadcaster wires the realtime room transport.
func (w *Worker) AttachBroadcaster(b Broadcaster) {
	if w != nil {
		w.hub = b
	}
}

// SetExitFunc overrides process termination. Tests use this to observe the
// fail-fast path without exiting.
func (w *Worker) SetExitFunc(fn func(code int)) {
	if fn != nil {
		w.exitFn = fn
	}
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) ID() string { return w.leases.WorkerID() }

// Start transitions to RUNNING and launches the heartbeat, renewal
// consistency and orphan detection loops.
func (w *Worker) Start(ctx context.Context) error {
	if !w.transition(StateStarting, StateRunning) {
		return fmt.Errorf("worker already started (state %s)", w.State())
	}
	w.leases.SetOnLost(w.handleLeaseLost)
	w.leases.SetOnCritical(func(err error) { w.failCritical("lease_renewal", err) })

	if err := w.leases.SendHeartbeat(ctx); err != nil {
		w.setState(StateTerminated)
		return fmt.Errorf("initial heartbeat: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.loop(loopCtx, "heartbeat", w.cfg.HeartbeatInterval, w.heartbeatTick)
	w.loop(loopCtx, "renewal_check", w.cfg.RenewInterval, w.renewalTick)
	w.loop(loopCtx, "orphan_scan", w.cfg.OrphanInterval, w.orphanTick)

	obslog.L().Info("worker_start", zap.String("worker_id", w.ID()))
	return nil
}

func (w *Worker) loop(ctx context.Context, name string, every time.Duration, tick func(context.Context) error) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if !w.isRunning() {
					return
				}
				w.runCritical(ctx, name, tick)
			}
		}
	}()
}

// runCritical executes one tick under the fail-fast contract.
func (w *Worker) runCritical(ctx context.Context, name string, tick func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			w.failCritical(name, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := tick(ctx); err != nil {
		w.failCritical(name, err)
	}
}

func (w *Worker) failCritical(name string, err error) {
	obslog.L().Error("worker_critical_fault",
		zap.String("worker_id", w.ID()),
		zap.String("loop", name),
		zap.Error(err),
	)
	w.EmergencyShutdown()
	w.exitFn(1)
}

func (w *Worker) heartbeatTick(ctx context.Context) error {
	return w.leases.SendHeartbeat(ctx)
}

// renewalTick reconciles local session bookkeeping against the lease
// layer. The lease manager renews each owned lease on its own timer; this
// pass drops sessions whose lease is gone so no stale state lingers.
func (w *Worker) renewalTick(ctx context.Context) error {
	for _, id := range w.ownedIDs() {
		owns, err := w.leases.Owns(ctx, id)
		if err != nil {
			return err
		}
		if !owns {
			w.dropOwned(id)
			obslog.L().Warn("session_ownership_lost",
				zap.String("worker_id", w.ID()),
				zap.String("session_id", id),
			)
		}
	}
	return nil
}

func (w *Worker) handleLeaseLost(sessionID string) {
	w.dropOwned(sessionID)
	obslog.L().Warn("lease_renewal_lost",
		zap.String("worker_id", w.ID()),
		zap.String("session_id", sessionID),
	)
}

// Adopt acquires the lease on a session and loads it into memory, making
// this worker authoritative for it. Returns false when another worker owns
// the lease.
func (w *Worker) Adopt(ctx context.Context, sessionID string) (bool, error) {
	ok, err := w.leases.Acquire(ctx, sessionID)
	if err != nil || !ok {
		return false, err
	}
	sess, err := w.sessions.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess == nil {
		_, _ = w.leases.Release(ctx, sessionID)
		return false, fmt.Errorf("session %s not found", sessionID)
	}
	w.trackOwned(sess)
	obslog.L().Info("session_adopt",
		zap.String("worker_id", w.ID()),
		zap.String("session_id", sessionID),
		zap.String("status", string(sess.Status)),
	)
	return true, nil
}

// MarkReady flags a player ready; when every player is ready the session
// transitions to playing. Requires live lease ownership.
func (w *Worker) MarkReady(ctx context.Context, sessionID, userID string) error {
	sess, err := w.requireOwned(ctx, sessionID)
	if err != nil {
		return err
	}
	allReady := true
	found := false
	for i := range sess.Players {
		if sess.Players[i].UserID == userID {
			sess.Players[i].IsReady = true
			found = true
		}
		if !sess.Players[i].IsReady {
			allReady = false
		}
	}
	if !found {
		return fmt.Errorf("user %s not in session %s", userID, sessionID)
	}
	if allReady && sess.Status == session.StatusWaiting {
		sess.Status = session.StatusPlaying
		sess.LastActionAt = time.Now()
		obslog.L().Info("session_start",
			zap.String("session_id", sessionID),
			zap.String("worker_id", w.ID()),
		)
	}
	return w.sessions.Save(ctx, sess)
}

// RecordAction persists a new opaque game state. Only the lease holder may
// mutate a session's authoritative state.
func (w *Worker) RecordAction(ctx context.Context, sessionID string, gameState json.RawMessage) error {
	sess, err := w.requireOwned(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.GameState = gameState
	sess.LastActionAt = time.Now()
	return w.sessions.Save(ctx, sess)
}

// requireOwned checks the live lock, never the cached owner fields.
func (w *Worker) requireOwned(ctx context.Context, sessionID string) (*session.Session, error) {
	owns, err := w.leases.Owns(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !owns {
		return nil, fmt.Errorf("worker %s does not own session %s", w.ID(), sessionID)
	}
	sess, err := w.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	return sess, nil
}

// GracefulShutdown persists every owned session, releases every lease,
// stops the loops, then waits a grace window so other workers observe the
// freed leases before the process exits.
func (w *Worker) GracefulShutdown(ctx context.Context) {
	if !w.transition(StateRunning, StateGraceful) {
		return
	}
	obslog.L().Info("worker_graceful_shutdown", zap.String("worker_id", w.ID()))
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()

	for _, sess := range w.ownedSessions() {
		if err := w.sessions.Save(ctx, sess); err != nil {
			obslog.L().Warn("shutdown_save_failed", zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
	w.leases.ReleaseAll(ctx)
	w.clearOwned()

	select {
	case <-time.After(w.cfg.ShutdownGrace):
	case <-ctx.Done():
	}
	w.setState(StateTerminated)
	obslog.L().Info("worker_terminated", zap.String("worker_id", w.ID()))
}

// EmergencyShutdown releases all leases without saving state (the fault
// that got us here may mean in-memory state is untrustworthy), notifies
// connected players best-effort, and marks the worker terminated. The
// caller exits the process non-zero.
func (w *Worker) EmergencyShutdown() {
	w.mu.Lock()
	if w.state == StateEmergency || w.state == StateTerminated {
		w.mu.Unlock()
		return
	}
	w.state = StateEmergency
	w.mu.Unlock()

	obslog.L().Error("worker_emergency_shutdown", zap.String("worker_id", w.ID()))
	if w.cancel != nil {
		w.cancel()
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()
	if w.hub != nil {
		for _, sess := range w.ownedSessions() {
			payload, _ := json.Marshal(map[string]string{"kind": "worker_disconnect", "session_id": sess.ID})
			w.hub.BroadcastRoom(ctx, sess.ID, payload)
		}
	}
	w.leases.ReleaseAll(ctx)
	w.clearOwned()
	w.setState(StateTerminated)
}

func (w *Worker) isRunning() bool { return w.State() == StateRunning }

func (w *Worker) transition(from, to State) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return false
	}
	w.state = to
	return true
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) trackOwned(sess *session.Session) {
	w.mu.Lock()
	w.owned[sess.ID] = sess
	w.mu.Unlock()
}

func (w *Worker) dropOwned(sessionID string) {
	w.mu.Lock()
	delete(w.owned, sessionID)
	w.mu.Unlock()
}

func (w *Worker) clearOwned() {
	w.mu.Lock()
	w.owned = make(map[string]*session.Session)
	w.mu.Unlock()
}

func (w *Worker) ownedIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.owned))
	for id := range w.owned {
		out = append(out, id)
	}
	return out
}

func (w *Worker) ownedSessions() []*session.Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*session.Session, 0, len(w.owned))
	for _, s := range w.owned {
		out = append(out, s)
	}
	return out
}
