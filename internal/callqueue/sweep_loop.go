package callqueue

import (
	"context"
	"time"

	"github.com/oclonee/omnichanel-clinic/internal/scheduler"
	"github.com/rs/zerolog"
)

// DefaultSweepInterval is used when no interval is configured
const DefaultSweepInterval = 30 * time.Second

// NewSweepLoop returns a loop that periodically retries every queued
// conversation against the agent pool
func NewSweepLoop(d *Dispatcher, interval time.Duration, logger zerolog.Logger) *scheduler.Loop {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return scheduler.NewLoop("queue-sweep", interval, func(ctx context.Context) error {
		_, err := d.Sweep(ctx)
		d.metrics.SetQueueStatus(d.Status())
		return err
	}, logger)
}
