package aggregator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oclonee/omnichanel-clinic/internal/alerts"
	"github.com/oclonee/omnichanel-clinic/internal/metrics"
	"github.com/oclonee/omnichanel-clinic/internal/scheduler"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

// DefaultStaleAfter is how long an online agent may go silent before it is
// considered gone
const DefaultStaleAfter = 90 * time.Second

// StatusSource reports the queue
type StatusSource interface {
	Status() types.QueueStatus
}

// AgentSource exposes the agent registry
type AgentSource interface {
	Snapshot() []types.AgentState
	ExpireStale(now time.Time, threshold time.Duration) []string
}

// Broadcaster reaches every connected supervisor console
type Broadcaster interface {
	BroadcastToManagers(message []byte) int
}

// Aggregator periodically publishes the queue and agent overview to
// supervisors and the metrics gauges
type Aggregator struct {
	queue      StatusSource
	agents     AgentSource
	hub        Broadcaster
	staleAfter time.Duration

	now     func() time.Time
	metrics *metrics.Recorder
	logger  zerolog.Logger
}

// NewAggregator creates a new aggregator
func NewAggregator(queue StatusSource, agents AgentSource, hub Broadcaster, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		queue:      queue,
		agents:     agents,
		hub:        hub,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		logger:     logger.With().Str("component", "aggregator").Logger(),
	}
}

// SetMetrics attaches a metrics recorder
func (a *Aggregator) SetMetrics(m *metrics.Recorder) {
	a.metrics = m
}

// SetStaleAfter changes the silence threshold; zero disables expiry
func (a *Aggregator) SetStaleAfter(d time.Duration) {
	a.staleAfter = d
}

// SetClock replaces the time source
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// NewLoop returns the periodic publish loop
func (a *Aggregator) NewLoop(interval time.Duration) *scheduler.Loop {
	return scheduler.NewLoop("aggregator", interval, func(ctx context.Context) error {
		a.Publish()
		return nil
	}, a.logger)
}

// Publish runs one cycle and returns the number of consoles reached
func (a *Aggregator) Publish() int {
	now := a.now()

	if a.staleAfter > 0 {
		for _, id := range a.agents.ExpireStale(now, a.staleAfter) {
			a.logger.Info().Str("agent_id", id).Dur("stale_after", a.staleAfter).Msg("agent marked offline after silence")
		}
	}

	status := a.queue.Status()
	a.metrics.SetQueueStatus(status)

	states := a.agents.Snapshot()
	overview := make([]types.AgentPerformance, 0, len(states))
	for _, s := range states {
		overview = append(overview, s.Performance())
	}
	alerts.CheckAgentAlerts(overview, now)

	sent := a.broadcast(types.QueueStatusPush{Type: "queue_status", Status: status, Timestamp: now})
	a.broadcast(types.AgentsPush{Type: "agents_overview", Agents: overview, Timestamp: now})

	a.logger.Debug().
		Int("queue_length", status.QueueLength).
		Int("online_agents", status.OnlineAgents).
		Int("consoles", sent).
		Msg("status published")

	return sent
}

func (a *Aggregator) broadcast(v interface{}) int {
	data, err := json.Marshal(v)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to marshal status push")
		return 0
	}
	return a.hub.BroadcastToManagers(data)
}
