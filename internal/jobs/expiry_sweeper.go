// Package jobs holds the scheduled work the engine depends on but does not
// trigger itself. Offers have no internal clock thread: something external
// has to observe the wall clock and expire lapsed offers, and that
// something is the sweeper here.
package jobs

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Sweeper is the orchestrator surface the job needs.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// ExpirySweeper periodically transitions lapsed PENDING offers to EXPIRED.
type ExpirySweeper struct {
	sweeper Sweeper
	spec    string
	cron    *cron.Cron
	logger  *slog.Logger
}

// NewExpirySweeper creates the sweeper with a six-field cron spec
// (seconds resolution), e.g. "*/15 * * * * *".
func NewExpirySweeper(s Sweeper, spec string, logger *slog.Logger) *ExpirySweeper {
	return &ExpirySweeper{
		sweeper: s,
		spec:    spec,
		cron:    cron.New(cron.WithSeconds()),
		logger:  logger.With("component", "expiry_sweeper"),
	}
}

func (j *ExpirySweeper) Start() error {
	_, err := j.cron.AddFunc(j.spec, func() {
		ctx := context.Background()
		n, err := j.sweeper.SweepExpired(ctx)
		if err != nil {
			j.logger.ErrorContext(ctx, "expiry sweep failed", "error", err)
			return
		}
		if n > 0 {
			j.logger.InfoContext(ctx, "expired lapsed offers", "count", n)
		}
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("expiry sweeper started", "spec", j.spec)
	return nil
}

func (j *ExpirySweeper) Stop() {
	j.cron.Stop()
	j.logger.Info("expiry sweeper stopped")
}
