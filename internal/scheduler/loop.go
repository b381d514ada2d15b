package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// StepFunc performs one unit of periodic work
type StepFunc func(ctx context.Context) error

// Loop runs a step on a fixed interval until its context is cancelled.
// Step can also be called directly so tests advance deterministically.
type Loop struct {
	name     string
	interval time.Duration
	step     StepFunc
	logger   zerolog.Logger
}

// NewLoop creates a new Loop
func NewLoop(name string, interval time.Duration, step StepFunc, logger zerolog.Logger) *Loop {
	return &Loop{
		name:     name,
		interval: interval,
		step:     step,
		logger:   logger.With().Str("loop", name).Logger(),
	}
}

// Name returns the loop name
func (l *Loop) Name() string { return l.name }

// Interval returns the tick interval
func (l *Loop) Interval() time.Duration { return l.interval }

// Start ticks until ctx is done
func (l *Loop) Start(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info().Dur("interval", l.interval).Msg("loop started")

	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("loop stopped")
			return

		case <-ticker.C:
			l.Step(ctx)
		}
	}
}

// Step runs a single iteration. Errors are logged and returned.
func (l *Loop) Step(ctx context.Context) error {
	start := time.Now()
	err := l.step(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Dur("took", time.Since(start)).Msg("loop step failed")
		return err
	}
	l.logger.Debug().Dur("took", time.Since(start)).Msg("loop step completed")
	return nil
}
