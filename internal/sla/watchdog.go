package sla

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oclonee/omnichanel-clinic/internal/metrics"
	"github.com/oclonee/omnichanel-clinic/internal/scheduler"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

// DefaultTickInterval is used when no interval is configured
const DefaultTickInterval = time.Minute

// ErrEvaluation marks a failure evaluating a single conversation
var ErrEvaluation = errors.New("sla evaluation failed")

// ConversationLister reads the conversations currently in active status
type ConversationLister interface {
	ListActiveConversations(ctx context.Context) ([]types.Conversation, error)
}

// Escalator raises a conversation to maximum priority
type Escalator interface {
	Escalate(ctx context.Context, conversationID, reason string) error
}

// Notifier delivers violation notices to supervisors
type Notifier interface {
	EmitToManagers(n types.Notification)
}

// TickReport summarizes one watchdog pass
type TickReport struct {
	Evaluated  int
	Violations int
	Escalated  int
	Failures   int
}

// boostKind tracks the queue boost for unassigned conversations. It shares
// the episode bookkeeping with violations but produces no violation notice.
const boostKind types.ViolationKind = "boost"

type episodeKey struct {
	conversationID string
	kind           types.ViolationKind
}

// Watchdog evaluates active conversations against the SLA configuration.
// A violation is announced once per episode: it is reported on the first
// tick the rule holds and again only after a tick where it did not.
type Watchdog struct {
	lister    ConversationLister
	escalator Escalator
	notifier  Notifier
	config    *ConfigStore

	mu   sync.Mutex
	open map[episodeKey]bool

	now     func() time.Time
	metrics *metrics.Recorder
	logger  zerolog.Logger
}

// NewWatchdog creates a new Watchdog
func NewWatchdog(lister ConversationLister, escalator Escalator, notifier Notifier, config *ConfigStore, logger zerolog.Logger) *Watchdog {
	return &Watchdog{
		lister:    lister,
		escalator: escalator,
		notifier:  notifier,
		config:    config,
		open:      make(map[episodeKey]bool),
		now:       time.Now,
		logger:    logger,
	}
}

// SetClock replaces the time source
func (w *Watchdog) SetClock(now func() time.Time) {
	w.now = now
}

// SetMetrics attaches a metrics recorder
func (w *Watchdog) SetMetrics(m *metrics.Recorder) {
	w.metrics = m
}

// NewLoop returns the periodic tick loop
func (w *Watchdog) NewLoop(interval time.Duration) *scheduler.Loop {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return scheduler.NewLoop("sla-watchdog", interval, func(ctx context.Context) error {
		_, err := w.Tick(ctx)
		return err
	}, w.logger)
}

// Tick runs one evaluation pass. Only a failure to list conversations is
// returned; per-conversation failures are logged and counted.
func (w *Watchdog) Tick(ctx context.Context) (TickReport, error) {
	start := time.Now()
	defer func() { w.metrics.ObserveWatchdogTick(time.Since(start)) }()

	var report TickReport

	cfg := w.config.Get()
	now := w.now()

	conversations, err := w.lister.ListActiveConversations(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list active conversations: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	next := make(map[episodeKey]bool, len(w.open))
	for _, conv := range conversations {
		if ctx.Err() != nil {
			// keep what has not been evaluated yet
			for k := range w.open {
				next[k] = true
			}
			break
		}
		report.Evaluated++

		holding, outcome, err := w.evaluate(ctx, conv, cfg, now)
		report.Violations += outcome.Violations
		report.Escalated += outcome.Escalated
		for _, k := range holding {
			next[k] = true
		}
		if err != nil {
			report.Failures++
			w.metrics.RecordEvaluationFailure()
			w.logger.Error().Err(err).Str("conversation_id", conv.ID).Msg("sla evaluation failed")

			for k := range w.open {
				if k.conversationID == conv.ID {
					next[k] = true
				}
			}
		}
	}
	w.open = next

	if report.Violations > 0 || report.Failures > 0 {
		w.logger.Info().
			Int("evaluated", report.Evaluated).
			Int("violations", report.Violations).
			Int("escalated", report.Escalated).
			Int("failures", report.Failures).
			Msg("sla tick completed")
	}

	return report, nil
}

// evaluate handles one conversation and returns the episodes that are open
// after it. A panic is recovered and reported as an evaluation failure.
func (w *Watchdog) evaluate(ctx context.Context, conv types.Conversation, cfg types.SLAConfig, now time.Time) (holding []episodeKey, outcome TickReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: conversation %s: panic: %v", ErrEvaluation, conv.ID, r)
		}
	}()

	if conv.CreatedAt.IsZero() {
		return nil, outcome, fmt.Errorf("%w: conversation %s has no creation time", ErrEvaluation, conv.ID)
	}

	ev := Evaluate(conv, cfg, now)
	var errs []error

	for _, v := range ev.Violations {
		key := episodeKey{conversationID: conv.ID, kind: v.Kind}
		if w.open[key] {
			holding = append(holding, key)
			continue
		}

		if v.Kind == types.ViolationEscalation {
			if err := w.escalator.Escalate(ctx, conv.ID, v.Message); err != nil {
				errs = append(errs, fmt.Errorf("%w: escalate %s: %w", ErrEvaluation, conv.ID, err))
				continue
			}
			outcome.Escalated++
		}

		w.announce(conv, v)
		outcome.Violations++
		holding = append(holding, key)
	}

	if ev.Boost {
		key := episodeKey{conversationID: conv.ID, kind: boostKind}
		switch {
		case w.open[key]:
			holding = append(holding, key)
		default:
			reason := fmt.Sprintf("Unassigned past the escalation limit of %s", formatDuration(cfg.EscalationTime))
			if err := w.escalator.Escalate(ctx, conv.ID, reason); err != nil {
				errs = append(errs, fmt.Errorf("%w: boost %s: %w", ErrEvaluation, conv.ID, err))
				break
			}
			outcome.Escalated++
			holding = append(holding, key)
		}
	}

	return holding, outcome, errors.Join(errs...)
}

func (w *Watchdog) announce(conv types.Conversation, v Violation) {
	w.metrics.RecordViolation(v.Kind)

	meta := map[string]string{
		"conversationId": conv.ID,
		"violation":      string(v.Kind),
		"channel":        string(conv.Channel),
		"elapsedSeconds": fmt.Sprintf("%d", int(v.Elapsed.Seconds())),
	}
	if conv.AssignedAgentID != "" {
		meta["agentId"] = conv.AssignedAgentID
	}

	w.notifier.EmitToManagers(types.Notification{
		Kind:     types.NotifySLAViolation,
		Severity: v.Severity,
		Title:    fmt.Sprintf("SLA violation: %s time", v.Kind),
		Body:     v.Message,
		Metadata: meta,
	})

	w.logger.Warn().
		Str("conversation_id", conv.ID).
		Str("violation", string(v.Kind)).
		Dur("elapsed", v.Elapsed).
		Dur("threshold", v.Threshold).
		Msg("sla violation")
}
