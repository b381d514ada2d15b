package simulator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

// FleetConfig describes the simulated desk staff
type FleetConfig struct {
	BackendURL  string
	Token       string
	Attendants  int
	Managers    int
	MinHandle   time.Duration
	MaxHandle   time.Duration
	RampUpDelay time.Duration
}

// Fleet runs a set of consoles alongside the traffic generator
type Fleet struct {
	consoles  []*Console
	traffic   *TrafficGenerator
	rampDelay time.Duration
	logger    zerolog.Logger
}

// NewFleet builds one console per simulated agent. traffic may be nil when
// only consoles should run.
func NewFleet(cfg FleetConfig, traffic *TrafficGenerator, logger zerolog.Logger) *Fleet {
	f := &Fleet{
		traffic:   traffic,
		rampDelay: cfg.RampUpDelay,
		logger:    logger,
	}

	add := func(id, name string, role types.AgentRole) {
		c := NewConsole(types.AgentRegister{
			AgentID: id,
			Name:    name,
			Role:    role,
		}, cfg.BackendURL, cfg.Token, logger)
		if cfg.MinHandle > 0 {
			c.SetHandleTime(cfg.MinHandle, cfg.MaxHandle)
		}
		f.consoles = append(f.consoles, c)
	}

	for i := 0; i < cfg.Attendants; i++ {
		add(fmt.Sprintf("ATT-%03d", i+1), fmt.Sprintf("Attendant %d", i+1), types.RoleAttendant)
	}
	for i := 0; i < cfg.Managers; i++ {
		add(fmt.Sprintf("MGR-%03d", i+1), fmt.Sprintf("Manager %d", i+1), types.RoleManager)
	}
	return f
}

// Consoles returns the simulated consoles
func (f *Fleet) Consoles() []*Console {
	return f.consoles
}

// Run starts every console, staggered by the ramp-up delay, then the
// traffic generator. It blocks until ctx is done.
func (f *Fleet) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for _, c := range f.consoles {
		wg.Add(1)
		go func(c *Console) {
			defer wg.Done()
			c.Run(ctx)
		}(c)

		if f.rampDelay > 0 {
			select {
			case <-ctx.Done():
				wg.Wait()
				return
			case <-time.After(f.rampDelay):
			}
		}
	}
	f.logger.Info().Int("consoles", len(f.consoles)).Msg("all consoles started")

	if f.traffic != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.traffic.Run(ctx)
		}()
	}

	wg.Wait()
}

// Summary totals the counters of every console
func (f *Fleet) Summary() (ConsoleStats, int) {
	var total ConsoleStats
	connected := 0
	for _, c := range f.consoles {
		s := c.Stats()
		total.Heartbeats += s.Heartbeats
		total.Assignments += s.Assignments
		total.Closed += s.Closed
		total.Reconnects += s.Reconnects
		total.Notifications += s.Notifications
		if c.IsConnected() {
			connected++
		}
	}
	return total, connected
}
