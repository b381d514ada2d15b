package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/oclonee/omnichanel-clinic/internal/cache"
	"github.com/oclonee/omnichanel-clinic/internal/metrics"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

var (
	// ErrChannelNotFound is returned for a channel with no registered adapter
	ErrChannelNotFound = errors.New("channel not found")

	// ErrChannelInactive is returned when the adapter reports itself disabled
	ErrChannelInactive = errors.New("channel inactive")
)

// MessageHandler processes one drained inbound message
type MessageHandler interface {
	HandleInbound(ctx context.Context, msg types.InboundMessage) error
}

// Stats reports ingestion counters
type Stats struct {
	Buffered  int   `json:"buffered"`
	Processed int64 `json:"processed"`
	Dropped   int64 `json:"dropped"`
	Draining  bool  `json:"draining"`
}

// Registry routes outbound sends to adapters and funnels every inbound
// message into one buffer drained by a single goroutine at a time
type Registry struct {
	mu       sync.RWMutex
	adapters map[types.ChannelType]Adapter

	buffer   *cache.InboundBuffer
	handler  MessageHandler
	draining atomic.Bool

	// idleMu guards running and closed; idle is signalled when running drops to zero
	idleMu  sync.Mutex
	idle    *sync.Cond
	running int
	closed  bool

	processed atomic.Int64
	dropped   atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	metrics *metrics.Recorder
	logger  zerolog.Logger
}

// NewRegistry creates a registry whose drain step calls handler
func NewRegistry(handler MessageHandler, logger zerolog.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		adapters: make(map[types.ChannelType]Adapter),
		buffer:   cache.NewInboundBuffer(),
		handler:  handler,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
	r.idle = sync.NewCond(&r.idleMu)
	return r
}

// SetHandler replaces the drain handler. Used to break the construction
// cycle between the registry and the intake that sends auto-responses.
func (r *Registry) SetHandler(handler MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
}

// SetMetrics attaches a metrics recorder
func (r *Registry) SetMetrics(m *metrics.Recorder) {
	r.metrics = m
}

// RegisterAdapter stores an adapter by channel type; the last one wins
func (r *Registry) RegisterAdapter(a Adapter) {
	a.Attach(r)

	r.mu.Lock()
	_, replaced := r.adapters[a.Type()]
	r.adapters[a.Type()] = a
	r.mu.Unlock()

	r.logger.Info().
		Str("channel", string(a.Type())).
		Str("name", a.Name()).
		Bool("replaced", replaced).
		Msg("channel adapter registered")
}

// Adapter returns the adapter for a channel type
func (r *Registry) Adapter(t types.ChannelType) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[t]
	return a, ok
}

// SendVia delivers content through the adapter of a channel. The adapter's
// outcome is returned unchanged.
func (r *Registry) SendVia(ctx context.Context, t types.ChannelType, to, content string) (types.SendOutcome, error) {
	a, ok := r.Adapter(t)
	if !ok {
		return types.SendOutcome{}, fmt.Errorf("%w: %s", ErrChannelNotFound, t)
	}
	if !a.Active() {
		return types.SendOutcome{}, fmt.Errorf("%w: %s", ErrChannelInactive, t)
	}

	outcome := a.Send(ctx, to, content)
	r.metrics.RecordChannelSend(t, outcome.Success)
	if !outcome.Success {
		r.logger.Warn().
			Str("channel", string(t)).
			Str("to", to).
			Str("reason", outcome.Error).
			Msg("channel send failed")
	}
	return outcome, nil
}

// Receive routes a message from an external transport through its
// channel's adapter
func (r *Registry) Receive(msg types.InboundMessage) error {
	a, ok := r.Adapter(msg.Channel)
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, msg.Channel)
	}
	return a.Receive(msg)
}

// Ingest buffers a message and starts a drain unless one is running. After
// Close the message stays buffered and no drain starts.
func (r *Registry) Ingest(msg types.InboundMessage) {
	r.buffer.Add(msg)
	r.triggerDrain()
}

func (r *Registry) triggerDrain() {
	if !r.draining.CompareAndSwap(false, true) {
		return
	}

	r.idleMu.Lock()
	if r.closed {
		r.idleMu.Unlock()
		r.draining.Store(false)
		r.logger.Debug().Int("buffered", r.buffer.Size()).Msg("registry closed, drain not started")
		return
	}
	r.running++
	r.idleMu.Unlock()

	go r.drain()
}

func (r *Registry) drain() {
	defer func() {
		r.idleMu.Lock()
		r.running--
		if r.running == 0 {
			r.idle.Broadcast()
		}
		r.idleMu.Unlock()
	}()

	for {
		batch := r.buffer.Drain()
		for _, msg := range batch {
			r.process(msg)
		}
		if len(batch) > 0 {
			continue
		}

		r.draining.Store(false)
		// a message may have arrived after the empty drain but before the
		// flag cleared; whoever wins the flag picks it up
		if r.buffer.Size() == 0 || !r.draining.CompareAndSwap(false, true) {
			return
		}
	}
}

func (r *Registry) process(msg types.InboundMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			r.dropped.Add(1)
			r.metrics.RecordInbound(msg.Channel, false)
			r.logger.Error().Interface("panic", rec).Str("message_id", msg.ID).Msg("inbound handler panicked")
		}
	}()

	r.mu.RLock()
	handler := r.handler
	r.mu.RUnlock()

	if err := handler.HandleInbound(r.ctx, msg); err != nil {
		r.dropped.Add(1)
		r.metrics.RecordInbound(msg.Channel, false)
		r.logger.Error().
			Err(err).
			Str("channel", string(msg.Channel)).
			Str("sender_id", msg.Sender.ID).
			Msg("inbound message dropped")
		return
	}
	r.processed.Add(1)
	r.metrics.RecordInbound(msg.Channel, true)
}

// WaitIdle blocks until no drain is running. It may be called while
// messages keep arriving.
func (r *Registry) WaitIdle() {
	r.idleMu.Lock()
	defer r.idleMu.Unlock()
	for r.running > 0 {
		r.idle.Wait()
	}
}

// Statuses reports every registered adapter in channel order
func (r *Registry) Statuses(ctx context.Context) []types.ChannelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]types.ChannelInfo, 0, len(r.adapters))
	for _, t := range types.AllChannels {
		a, ok := r.adapters[t]
		if !ok {
			continue
		}
		infos = append(infos, types.ChannelInfo{
			Type:   t,
			Name:   a.Name(),
			Active: a.Active(),
			Status: a.Status(ctx),
		})
	}
	return infos
}

// Stats returns ingestion counters
func (r *Registry) Stats() Stats {
	return Stats{
		Buffered:  r.buffer.Size(),
		Processed: r.processed.Load(),
		Dropped:   r.dropped.Load(),
		Draining:  r.draining.Load(),
	}
}

// Close cancels in-flight handlers and waits for the drain to finish
func (r *Registry) Close() {
	r.idleMu.Lock()
	r.closed = true
	r.idleMu.Unlock()

	r.cancel()
	r.WaitIdle()
}
