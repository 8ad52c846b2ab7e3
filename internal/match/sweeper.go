package match

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/park285/gridduel-server/internal/obslog"
)

// StartSweeper runs a periodic job pruning queue-index members whose
// entries already expired. Entries self-expire via TTL; the sorted-set
// index does not, so without the sweep it accumulates ghost members that
// inflate queue sizes and wait estimates.
func (e *Engine) StartSweeper(interval time.Duration) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			e.SweepOnce(ctx)
		}),
	)
	if err != nil {
		return nil, err
	}
	sched.Start()
	return sched, nil
}

// SweepOnce prunes every mode's index once.
func (e *Engine) SweepOnce(ctx context.Context) {
	for name := range Modes {
		members, err := e.rdb.ZRange(ctx, keyIndex(name), 0, -1).Result()
		if err != nil {
			obslog.L().Warn("queue_sweep_error", zap.String("game_mode", name), zap.Error(err))
			continue
		}
		pruned := 0
		for _, uid := range members {
			entry, err := e.getEntry(ctx, name, uid)
			if err != nil {
				obslog.L().Warn("queue_sweep_error", zap.String("game_mode", name), zap.Error(err))
				break
			}
			if entry == nil {
				_ = e.rdb.ZRem(ctx, keyIndex(name), uid).Err()
				// drop the guard only if it still points at this mode
				if mode, err := e.rdb.Get(ctx, keyGuard(uid)).Result(); err == nil && mode == name {
					_ = e.rdb.Del(ctx, keyGuard(uid)).Err()
				}
				pruned++
			}
		}
		if pruned > 0 {
			obslog.L().Info("queue_sweep", zap.String("game_mode", name), zap.Int("pruned", pruned))
		}
	}
}
