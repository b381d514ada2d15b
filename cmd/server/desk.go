package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/oclonee/omnichanel-clinic/internal/aggregator"
	"github.com/oclonee/omnichanel-clinic/internal/api"
	"github.com/oclonee/omnichanel-clinic/internal/auth"
	"github.com/oclonee/omnichanel-clinic/internal/broker"
	"github.com/oclonee/omnichanel-clinic/internal/cache"
	"github.com/oclonee/omnichanel-clinic/internal/callqueue"
	"github.com/oclonee/omnichanel-clinic/internal/channel"
	"github.com/oclonee/omnichanel-clinic/internal/config"
	"github.com/oclonee/omnichanel-clinic/internal/event"
	"github.com/oclonee/omnichanel-clinic/internal/ingestion"
	"github.com/oclonee/omnichanel-clinic/internal/metrics"
	"github.com/oclonee/omnichanel-clinic/internal/notify"
	"github.com/oclonee/omnichanel-clinic/internal/scheduler"
	"github.com/oclonee/omnichanel-clinic/internal/sla"
	"github.com/oclonee/omnichanel-clinic/internal/storage"
	"github.com/oclonee/omnichanel-clinic/internal/stream"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/oclonee/omnichanel-clinic/internal/websocket"
	"github.com/oclonee/omnichanel-clinic/pkg/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

// desk holds every engine component. Nothing here is global; tests build
// their own desk around a memory store.
type desk struct {
	cfg    *config.Config
	logger zerolog.Logger

	store      storage.Store
	registry   *prometheus.Registry
	metrics    *metrics.Recorder
	auth       *auth.Authenticator
	agents     *cache.AgentRegistry
	slaConfig  *sla.ConfigStore
	reminders  *scheduler.Reminders
	fanout     *notify.Fanout
	dispatcher *callqueue.Dispatcher
	hub        *websocket.AgentHub
	presence   *ingestion.PresenceProcessor
	channels   *channel.Registry
	intake     *ingestion.Intake
	watchdog   *sla.Watchdog
	aggregator *aggregator.Aggregator

	broker   *broker.Client
	producer *stream.Producer

	loops []*scheduler.Loop
}

// newDesk wires the engine around store. The broker and the event stream are
// only connected when configured.
func newDesk(ctx context.Context, cfg *config.Config, store storage.Store, logger zerolog.Logger) (*desk, error) {
	d := &desk{cfg: cfg, logger: logger, store: store}

	d.registry = prometheus.NewRegistry()
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.metrics = metrics.New(d.registry)

	var err error
	d.auth, err = auth.NewAuthenticator(auth.Config{
		SkipAuth:        cfg.SkipAuth,
		VerifySignature: cfg.VerifyJWT,
		OIDCIssuer:      cfg.OIDCIssuer,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create authenticator: %w", err)
	}

	d.agents = cache.NewAgentRegistry(store, logger)
	if err := d.agents.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}

	d.slaConfig, err = sla.NewConfigStore(cfg.SLA, logger)
	if err != nil {
		return nil, fmt.Errorf("invalid SLA configuration: %w", err)
	}

	d.fanout = notify.NewFanout(cfg.NotifyBuffer, store, logger, notify.NewStoreSink(store))
	d.fanout.SetMetrics(d.metrics)

	reminderNotifier := notify.NewReminderNotifier(store, d.fanout, logger)
	d.reminders = scheduler.NewReminders(reminderNotifier.Fire, logger)
	d.reminders.SetMetrics(d.metrics)

	d.dispatcher = callqueue.NewDispatcher(d.agents, store, d.fanout, logger)
	d.dispatcher.SetReminders(d.reminders)
	d.dispatcher.SetResponseTarget(d.slaConfig)
	d.dispatcher.SetMetrics(d.metrics)

	d.presence = ingestion.NewPresenceProcessor(d.agents, store, d.dispatcher, logger)
	d.hub = websocket.NewAgentHub(d.presence, logger)
	d.hub.SetMetrics(d.metrics)
	d.fanout.AddSink(notify.NewHubSink(d.hub))

	d.channels = channel.NewRegistry(nil, logger)
	d.channels.SetMetrics(d.metrics)
	d.intake = ingestion.NewIntake(store, d.dispatcher, d.fanout, d.slaConfig, logger)
	d.intake.SetSender(d.channels)
	d.channels.SetHandler(d.intake)

	if err := d.connectTransports(ctx); err != nil {
		return nil, err
	}

	d.watchdog = sla.NewWatchdog(store, d.dispatcher, d.fanout, d.slaConfig, logger)
	d.watchdog.SetMetrics(d.metrics)

	d.aggregator = aggregator.NewAggregator(d.dispatcher, d.agents, d.hub, logger)
	d.aggregator.SetMetrics(d.metrics)
	d.aggregator.SetStaleAfter(cfg.AgentStaleAfter)

	d.loops = []*scheduler.Loop{
		callqueue.NewSweepLoop(d.dispatcher, cfg.QueueSweepInterval, logger),
		d.watchdog.NewLoop(cfg.SLATickInterval),
		d.aggregator.NewLoop(cfg.StatusPushInterval),
		scheduler.NewLoop("agent-refresh", cfg.AgentRefreshInterval, d.agents.Refresh, logger),
	}

	return d, nil
}

// connectTransports registers one adapter per channel. Channels listed in
// AMQP_CHANNELS publish through the broker; the rest use the loopback.
func (d *desk) connectTransports(ctx context.Context) error {
	cfg := d.cfg

	if cfg.AMQP.URL != "" {
		client, err := broker.NewClient(ctx, cfg.AMQP, d.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to broker: %w", err)
		}
		d.broker = client
		d.fanout.AddSink(notify.NewBrokerSink(client))
	}

	viaBroker := make(map[types.ChannelType]bool, len(cfg.AMQPChannels))
	for _, t := range cfg.AMQPChannels {
		viaBroker[t] = true
	}
	for _, t := range types.AllChannels {
		if viaBroker[t] && d.broker != nil {
			d.channels.RegisterAdapter(channel.NewBrokerAdapter(t, d.broker, cfg.ChannelSendTimeout, d.logger))
			continue
		}
		d.channels.RegisterAdapter(channel.NewLoopbackAdapter(t, d.logger))
	}

	if len(cfg.KafkaBrokers) > 0 {
		d.producer = stream.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, d.logger)
		d.fanout.AddSink(notify.NewStreamSink(d.producer))
	}
	return nil
}

// start launches the background workers. They stop when ctx is done.
func (d *desk) start(ctx context.Context) {
	go d.hub.Run(ctx)
	go d.fanout.Run(ctx)

	for _, l := range d.loops {
		go l.Start(ctx)
	}

	if d.broker != nil {
		consumer := broker.InboundConsumer(d.cfg.AMQP, func(msg types.InboundMessage) {
			if err := d.channels.Receive(msg); err != nil {
				d.logger.Warn().Err(err).Str("channel", string(msg.Channel)).Msg("inbound message rejected")
			}
		})
		go func() {
			if err := d.broker.Run(ctx, consumer); err != nil && ctx.Err() == nil {
				d.logger.Error().Err(err).Msg("broker consumer stopped")
			}
		}()
	}
}

// close releases transports and the store
func (d *desk) close() {
	d.channels.Close()
	if d.producer != nil {
		if err := d.producer.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("failed to close event stream")
		}
	}
	if d.broker != nil {
		d.broker.Close()
	}
	if err := d.store.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("failed to close store")
	}
}

// routes builds the HTTP surface
func (d *desk) routes() http.Handler {
	queueAPI := callqueue.NewHandler(d.dispatcher, d.logger)
	slaAPI := sla.NewHandler(d.slaConfig, d.logger)
	receiver := event.NewReceiver(d.channels, d.logger)
	wsHandler := websocket.NewAgentHandler(d.hub, d.logger)
	agentsAPI := api.NewAgentHandler(d.agents, d.hub, d.logger)
	presenceAPI := api.NewPresenceHandler(d.presence, d.agents, d.store, d.logger)
	convAPI := api.NewConversationHandler(d.dispatcher, d.store, d.reminders, d.logger)
	channelAPI := api.NewChannelHandler(d.channels, d.store, d.logger)
	notifyAPI := api.NewNotificationHandler(d.store, d.logger)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(d.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(d.cfg.AllowedOrigins))

	r.Get("/health", healthHandler)
	r.Handle("/metrics", metrics.Handler(d.registry))

	// Internal routes (no auth - for channel transports and the simulator)
	r.Route("/internal", func(r chi.Router) {
		r.Post("/inbound", receiver.HandleInbound)
		r.Get("/inbound/stats", receiver.GetStats)
		r.Post("/agents/presence", presenceAPI.HandlePresence)
		r.Post("/agents/roster", presenceAPI.HandleRoster)
	})

	r.Group(func(r chi.Router) {
		r.Use(d.auth.Middleware)

		r.Get("/ws/agent", wsHandler.ServeHTTP)

		r.Route("/api", func(r chi.Router) {
			r.Get("/queue/status", queueAPI.HandleStatus)
			r.Get("/queue/items", queueAPI.HandleItems)

			r.Get("/channels", channelAPI.List)
			r.Post("/channels/{type}/send", channelAPI.Send)

			r.Get("/notifications", notifyAPI.List)
			r.Post("/notifications/{id}/read", notifyAPI.MarkRead)

			r.Get("/conversations/{id}", convAPI.Get)
			r.Post("/conversations/{id}/close", convAPI.Close)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireSupervisor)

				r.Post("/queue/enqueue", queueAPI.HandleEnqueue)

				r.Post("/conversations/{id}/escalate", convAPI.Escalate)
				r.Put("/conversations/{id}/priority", convAPI.SetPriority)
				r.Post("/conversations/{id}/reassign", convAPI.Reassign)
				r.Post("/conversations/{id}/reminders", convAPI.ScheduleReminder)
				r.Get("/conversations/{id}/reminders", convAPI.ListReminders)

				r.Get("/sla/config", slaAPI.HandleGet)
				r.Put("/sla/config", slaAPI.HandleUpdate)

				r.Get("/agents", agentsAPI.List)
				r.Post("/agents/refresh", agentsAPI.Refresh)
				r.Post("/agents/{agentId}/logout", agentsAPI.Logout)
			})
		})
	})

	return r
}
