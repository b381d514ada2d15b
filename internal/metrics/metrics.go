package metrics

import (
	"net/http"
	"time"

	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the desk's Prometheus collectors.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	enqueued          *prometheus.CounterVec
	assignments       *prometheus.CounterVec
	assignmentWait    prometheus.Histogram
	escalations       prometheus.Counter
	queueLength       prometheus.Gauge
	estimatedWait     prometheus.Gauge
	agentsOnline      prometheus.Gauge
	freeCapacity      prometheus.Gauge
	inbound           *prometheus.CounterVec
	channelSends      *prometheus.CounterVec
	slaViolations     *prometheus.CounterVec
	slaFailures       prometheus.Counter
	notifications     *prometheus.CounterVec
	notifyDropped     prometheus.Counter
	wsConnections     prometheus.Gauge
	reminders         *prometheus.CounterVec
	watchdogDurations prometheus.Histogram
}

// New registers all collectors with reg
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		enqueued: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "desk_conversations_enqueued_total",
				Help: "Queue items created or replaced, by channel",
			},
			[]string{"channel"},
		),
		assignments: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "desk_assignments_total",
				Help: "Assignment attempts by result",
			},
			[]string{"result"},
		),
		assignmentWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "desk_assignment_wait_seconds",
			Help:    "Time a conversation waited in the queue before assignment",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 900, 1800, 3600},
		}),
		escalations: f.NewCounter(prometheus.CounterOpts{
			Name: "desk_escalations_total",
			Help: "Conversations escalated to maximum priority",
		}),
		queueLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "desk_queue_length",
			Help: "Conversations waiting for an agent",
		}),
		estimatedWait: f.NewGauge(prometheus.GaugeOpts{
			Name: "desk_estimated_wait_seconds",
			Help: "Estimated wait for a newly queued conversation",
		}),
		agentsOnline: f.NewGauge(prometheus.GaugeOpts{
			Name: "desk_agents_online",
			Help: "Agents currently online",
		}),
		freeCapacity: f.NewGauge(prometheus.GaugeOpts{
			Name: "desk_agent_free_capacity",
			Help: "Free conversation slots across online agents",
		}),
		inbound: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "desk_inbound_messages_total",
				Help: "Inbound messages processed by the drain, by channel and result",
			},
			[]string{"channel", "result"},
		),
		channelSends: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "desk_channel_sends_total",
				Help: "Outbound sends by channel and result",
			},
			[]string{"channel", "result"},
		),
		slaViolations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "desk_sla_violations_total",
				Help: "SLA violation episodes by kind",
			},
			[]string{"kind"},
		),
		slaFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "desk_sla_evaluation_failures_total",
			Help: "Conversations the watchdog failed to evaluate",
		}),
		notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "desk_notifications_total",
				Help: "Notification deliveries by sink and result",
			},
			[]string{"sink", "result"},
		),
		notifyDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "desk_notifications_dropped_total",
			Help: "Notifications dropped because the fan-out buffer was full",
		}),
		wsConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "desk_websocket_connections",
			Help: "Connected agent consoles",
		}),
		reminders: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "desk_reminders_total",
				Help: "Reminder lifecycle events",
			},
			[]string{"event"},
		),
		watchdogDurations: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "desk_watchdog_tick_seconds",
			Help:    "Duration of SLA watchdog ticks",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler exposes the collectors registered with g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (r *Recorder) RecordEnqueue(channel types.ChannelType) {
	if r == nil {
		return
	}
	r.enqueued.WithLabelValues(string(channel)).Inc()
}

// RecordAssignment records a committed assignment and its queue wait
func (r *Recorder) RecordAssignment(wait time.Duration) {
	if r == nil {
		return
	}
	r.assignments.WithLabelValues("assigned").Inc()
	r.assignmentWait.Observe(wait.Seconds())
}

func (r *Recorder) RecordAssignmentConflict() {
	if r == nil {
		return
	}
	r.assignments.WithLabelValues("conflict").Inc()
}

func (r *Recorder) RecordEscalation() {
	if r == nil {
		return
	}
	r.escalations.Inc()
}

// SetQueueStatus publishes the queue gauges
func (r *Recorder) SetQueueStatus(s types.QueueStatus) {
	if r == nil {
		return
	}
	r.queueLength.Set(float64(s.QueueLength))
	r.estimatedWait.Set(s.EstimatedWait.Seconds())
	r.agentsOnline.Set(float64(s.OnlineAgents))
	r.freeCapacity.Set(float64(s.FreeCapacity))
}

// RecordInbound counts a drained message; ok=false means it was dropped
func (r *Recorder) RecordInbound(channel types.ChannelType, ok bool) {
	if r == nil {
		return
	}
	r.inbound.WithLabelValues(string(channel), result(ok)).Inc()
}

func (r *Recorder) RecordChannelSend(channel types.ChannelType, ok bool) {
	if r == nil {
		return
	}
	r.channelSends.WithLabelValues(string(channel), result(ok)).Inc()
}

func (r *Recorder) RecordViolation(kind types.ViolationKind) {
	if r == nil {
		return
	}
	r.slaViolations.WithLabelValues(string(kind)).Inc()
}

func (r *Recorder) RecordEvaluationFailure() {
	if r == nil {
		return
	}
	r.slaFailures.Inc()
}

func (r *Recorder) ObserveWatchdogTick(d time.Duration) {
	if r == nil {
		return
	}
	r.watchdogDurations.Observe(d.Seconds())
}

func (r *Recorder) RecordNotification(sink string, ok bool) {
	if r == nil {
		return
	}
	r.notifications.WithLabelValues(sink, result(ok)).Inc()
}

func (r *Recorder) RecordNotificationDropped() {
	if r == nil {
		return
	}
	r.notifyDropped.Inc()
}

func (r *Recorder) RecordAgentConnect() {
	if r == nil {
		return
	}
	r.wsConnections.Inc()
}

func (r *Recorder) RecordAgentDisconnect() {
	if r == nil {
		return
	}
	r.wsConnections.Dec()
}

// RecordReminder counts scheduled, fired and cancelled reminders
func (r *Recorder) RecordReminder(event string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.reminders.WithLabelValues(event).Add(float64(n))
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
