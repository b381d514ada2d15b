package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oclonee/omnichanel-clinic/internal/metrics"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

const (
	// DefaultBufferSize bounds notifications waiting for delivery
	DefaultBufferSize = 1024

	// DefaultDeliveryTimeout bounds a single sink delivery
	DefaultDeliveryTimeout = 5 * time.Second
)

// Sink delivers a notification to one destination
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n types.Notification) error
}

// ManagerLister finds the supervisors that receive role-wide notifications
type ManagerLister interface {
	ListManagers(ctx context.Context) ([]types.AgentProfile, error)
}

type pending struct {
	n          types.Notification
	toManagers bool
}

// Fanout accepts notifications without blocking and delivers them to every
// sink from a single worker
type Fanout struct {
	queue    chan pending
	managers ManagerLister
	timeout  time.Duration

	mu    sync.RWMutex
	sinks []Sink

	now     func() time.Time
	metrics *metrics.Recorder
	logger  zerolog.Logger
}

// NewFanout creates a new Fanout
func NewFanout(bufferSize int, managers ManagerLister, logger zerolog.Logger, sinks ...Sink) *Fanout {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Fanout{
		queue:    make(chan pending, bufferSize),
		managers: managers,
		timeout:  DefaultDeliveryTimeout,
		sinks:    sinks,
		now:      time.Now,
		logger:   logger.With().Str("component", "notify").Logger(),
	}
}

// AddSink registers another destination
func (f *Fanout) AddSink(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

// SetMetrics attaches a metrics recorder
func (f *Fanout) SetMetrics(m *metrics.Recorder) {
	f.metrics = m
}

// SetDeliveryTimeout changes the per-sink delivery bound
func (f *Fanout) SetDeliveryTimeout(d time.Duration) {
	if d > 0 {
		f.timeout = d
	}
}

// Emit queues n for delivery. It never blocks: when the buffer is full the
// notification is dropped and counted.
func (f *Fanout) Emit(n types.Notification) {
	f.push(pending{n: f.stamp(n)})
}

// EmitToManagers queues n for every manager and admin. The lookup happens on
// the delivery worker.
func (f *Fanout) EmitToManagers(n types.Notification) {
	f.push(pending{n: f.stamp(n), toManagers: true})
}

func (f *Fanout) push(p pending) {
	select {
	case f.queue <- p:
	default:
		f.metrics.RecordNotificationDropped()
		f.logger.Warn().
			Str("kind", string(p.n.Kind)).
			Str("recipient_id", p.n.RecipientID).
			Msg("notification buffer full, dropping")
	}
}

func (f *Fanout) stamp(n types.Notification) types.Notification {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = f.now()
	}
	if n.Severity == "" {
		n.Severity = types.SeverityInfo
	}
	return n
}

// Run delivers queued notifications until ctx is cancelled, then flushes
// whatever is still buffered
func (f *Fanout) Run(ctx context.Context) {
	for {
		select {
		case p := <-f.queue:
			f.handle(ctx, p)
		case <-ctx.Done():
			f.flush()
			return
		}
	}
}

func (f *Fanout) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	for {
		select {
		case p := <-f.queue:
			f.handle(ctx, p)
		default:
			return
		}
	}
}

func (f *Fanout) handle(ctx context.Context, p pending) {
	if !p.toManagers {
		f.deliver(ctx, p.n)
		return
	}

	lookupCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	Managers(lookupCtx, f.managers, func(n types.Notification) { f.deliver(ctx, n) }, p.n, f.logger)
}

func (f *Fanout) deliver(ctx context.Context, n types.Notification) {
	f.mu.RLock()
	sinks := make([]Sink, len(f.sinks))
	copy(sinks, f.sinks)
	f.mu.RUnlock()

	for _, s := range sinks {
		sctx, cancel := context.WithTimeout(ctx, f.timeout)
		err := s.Deliver(sctx, n)
		cancel()

		f.metrics.RecordNotification(s.Name(), err == nil)
		if err != nil {
			f.logger.Error().
				Err(err).
				Str("sink", s.Name()).
				Str("notification_id", n.ID).
				Str("kind", string(n.Kind)).
				Msg("notification delivery failed")
		}
	}
}

// Managers calls emit once per manager or admin with a copy of n addressed to
// them. When the lookup fails or finds nobody, a single role-addressed copy
// is emitted instead.
func Managers(ctx context.Context, lister ManagerLister, emit func(types.Notification), n types.Notification, logger zerolog.Logger) {
	n.RecipientRole = types.RoleManager

	var managers []types.AgentProfile
	if lister != nil {
		var err error
		managers, err = lister.ListManagers(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("manager lookup failed, addressing role")
			managers = nil
		}
	}

	if len(managers) == 0 {
		n.RecipientID = ""
		emit(n)
		return
	}

	baseID := n.ID
	for i, m := range managers {
		copyN := n
		copyN.RecipientID = m.ID
		if i > 0 || baseID == "" {
			copyN.ID = uuid.New().String()
		}
		copyN.Metadata = cloneMetadata(n.Metadata)
		emit(copyN)
	}
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
