package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/switchboard/internal/logging"
)

// Pruner deletes delivered bus history. bus.DBBus implements it.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// PruneOpts configures StartPruning.
type PruneOpts struct {
	Bus       Pruner
	Retention time.Duration
	Cron      string
	Logger    *slog.Logger
}

// StartPruning schedules periodic bus pruning and returns a function that
// stops the schedule.
func StartPruning(ctx context.Context, opts PruneOpts) (func(), error) {
	if opts.Bus == nil {
		return nil, errors.New("runner: prune bus is required")
	}
	if opts.Retention <= 0 {
		return nil, errors.New("runner: prune retention must be positive")
	}
	logger := logging.Component(opts.Logger, "prune")

	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(opts.Cron, func() { prune(ctx, opts.Bus, opts.Retention, logger) }); err != nil {
		return nil, fmt.Errorf("runner: prune schedule: %w", err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

func prune(ctx context.Context, p Pruner, retention time.Duration, logger *slog.Logger) {
	n, err := p.Prune(ctx, retention)
	if err != nil {
		logger.Warn("prune bus", "error", err)
		return
	}
	if n > 0 {
		logger.Info("pruned bus messages", "count", n)
	}
}
