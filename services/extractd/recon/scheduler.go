package recon

import (
	"context"
	"log/slog"
	"time"
)

// DefaultPollInterval is the pause between reconciliation cycles.
const DefaultPollInterval = 5 * time.Second

// Cycler runs one reconciliation cycle.
type Cycler interface {
	RunCycle(ctx context.Context) (*CycleResult, error)
}

// SchedulerConfig configures the polling scheduler.
type SchedulerConfig struct {
	Reconciler Cycler
	Interval   time.Duration
	Logger     *slog.Logger
}

// Scheduler executes reconciliation on a fixed cadence.
type Scheduler struct {
	reconciler Cycler
	interval   time.Duration
	logger     *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{reconciler: cfg.Reconciler, interval: interval, logger: logger}
}

// Start runs a cycle immediately and then once per interval until the context
// is cancelled. A failed cycle is logged and retried on the next tick.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reconciler == nil {
		return
	}
	for {
		if _, err := s.reconciler.RunCycle(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("recon scheduler cycle failed", slog.Any("error", err))
		}
		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
