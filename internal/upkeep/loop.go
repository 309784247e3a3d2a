package upkeep

import (
	"context"
	"log/slog"
	"time"
)

// Runner is anything exposing the two upkeep phases.
// *Scanner and the serialized market facade both implement it.
type Runner interface {
	CheckReadiness(ctx context.Context) (bool, []byte, error)
	PerformWork(ctx context.Context, work []byte) (Report, error)
}

// Loop drives a Runner on a fixed interval, as an external scheduler would.
type Loop struct {
	runner   Runner
	interval time.Duration
	logger   *slog.Logger
}

// NewLoop creates a loop. A nil logger uses slog.Default().
func NewLoop(r Runner, interval time.Duration, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{runner: r, interval: interval, logger: logger}
}

// Run ticks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info("upkeep loop started", "interval", l.interval)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("upkeep loop stopped")
			return nil
		case <-ticker.C:
			if _, err := l.Tick(ctx); err != nil && ctx.Err() == nil {
				l.logger.Error("upkeep tick failed", "error", err)
			}
		}
	}
}

// Tick runs one check and, if needed, one perform.
func (l *Loop) Tick(ctx context.Context) (Report, error) {
	needed, work, err := l.runner.CheckReadiness(ctx)
	if err != nil {
		return Report{}, err
	}
	if !needed {
		return Report{Settled: []Settlement{}, Skipped: []Skip{}}, nil
	}
	report, err := l.runner.PerformWork(ctx, work)
	if err != nil {
		return Report{}, err
	}
	if len(report.Settled) > 0 || len(report.Skipped) > 0 {
		l.logger.Info("upkeep performed", "settled", len(report.Settled), "skipped", len(report.Skipped))
	}
	return report, nil
}
