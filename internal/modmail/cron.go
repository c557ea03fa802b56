package modmail

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration parses a 5-field cron expression and returns the duration
// until the next fire time. Returns 0 on parse error.
func nextCronDuration(expr string) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	d := time.Until(sched.Next(time.Now()))
	if d < 0 {
		return 0
	}
	return d
}

// sweeper is the part of the mute gate the maintenance job needs.
type sweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// newMuteSweep schedules the expired-mute sweep on expr. The returned
// scheduler is not started.
func newMuteSweep(ctx context.Context, expr string, gate sweeper, log *zap.Logger) (*cron.Cron, error) {
	c := cron.New(cron.WithParser(cronParser))
	_, err := c.AddFunc(expr, func() { sweepMutes(ctx, gate, log) })
	if err != nil {
		return nil, fmt.Errorf("modmail: mute sweep schedule %q: %w", expr, err)
	}
	return c, nil
}

func sweepMutes(ctx context.Context, gate sweeper, log *zap.Logger) {
	n, err := gate.SweepExpired(ctx)
	if err != nil {
		log.Error("mute sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("expired mutes removed", zap.Int64("count", n))
	}
}
