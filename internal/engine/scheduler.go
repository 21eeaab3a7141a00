package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Loop is a named periodic job run by the scheduler.
type Loop struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Loops lists the engine's background jobs with their configured intervals.
func (e *Engine) Loops() []Loop {
	s := e.Config.Scheduler
	return []Loop{
		{Name: "recurring", Interval: s.CreateInterval.Std(), Run: func(ctx context.Context) error {
			_, err := e.CreateRecurring(ctx)
			return err
		}},
		{Name: "expiry", Interval: s.ExpiryInterval.Std(), Run: func(ctx context.Context) error {
			_, err := e.ExpireTasks(ctx)
			return err
		}},
		{Name: "match", Interval: s.MatchInterval.Std(), Run: func(ctx context.Context) error {
			_, err := e.MatchIdleWorkers(ctx)
			return err
		}},
		{Name: "ratings", Interval: s.RatingInterval.Std(), Run: func(ctx context.Context) error {
			_, err := e.FinalizeDueRatings(ctx)
			return err
		}},
		{Name: "disputes", Interval: s.DisputeInterval.Std(), Run: func(ctx context.Context) error {
			_, err := e.ResolveDueDisputes(ctx)
			return err
		}},
		{Name: "approvals", Interval: s.ApprovalInterval.Std(), Run: func(ctx context.Context) error {
			_, err := e.ExpireApprovals(ctx)
			return err
		}},
		{Name: "decay", Interval: s.DecayInterval.Std(), Run: func(ctx context.Context) error {
			_, err := e.Decay(ctx)
			return err
		}},
		{Name: "audit", Interval: s.AuditInterval.Std(), Run: func(ctx context.Context) error {
			e.Audit(ctx)
			return nil
		}},
	}
}

// Schedule runs every loop with a positive interval until ctx is cancelled.
// A failing iteration is logged and the loop keeps going.
func (e *Engine) Schedule(ctx context.Context, extra ...Loop) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range append(e.Loops(), extra...) {
		if l.Interval <= 0 {
			e.Logger.Debug("loop disabled", zap.String("loop", l.Name))
			continue
		}
		l := l
		g.Go(func() error {
			ticker := time.NewTicker(l.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
				}
				if err := l.Run(gctx); err != nil && gctx.Err() == nil {
					e.Logger.Warn("loop iteration failed", zap.String("loop", l.Name), zap.Error(err))
				}
			}
		})
	}
	return g.Wait()
}
