package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "groupshare"

// Metrics holds the collectors of one client process. All methods are safe
// on a nil receiver so components can run without metrics.
type Metrics struct {
	framesReceived  *prometheus.CounterVec
	framesSent      *prometheus.CounterVec
	framesDropped   prometheus.Counter
	unrecognized    prometheus.Counter
	decodeErrors    *prometheus.CounterVec
	connectAttempts *prometheus.CounterVec
	reconnects      prometheus.Counter
	state           prometheus.Gauge
	monitoredGroups prometheus.Gauge
	ignoredCommands *prometheus.CounterVec
	coordinates     *prometheus.CounterVec
	logDropped      prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames received from the server by tag",
		}, []string{"tag"}),
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames handed to the transport by command",
		}, []string{"command"}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Outgoing frames dropped by the transport",
		}),
		unrecognized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_unrecognized_total",
			Help:      "Incoming lines matching no known tag",
		}),
		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Frame bodies that failed to decode, fully or partially",
		}, []string{"tag"}),
		connectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Connect attempts by outcome",
		}, []string{"result"}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnects triggered by reachability changes",
		}),
		state: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Protocol engine state (0 idle, 1 connecting, 2 authenticated, 3 session open, 4 closed)",
		}),
		monitoredGroups: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitored_groups",
			Help:      "Size of the monitoring set",
		}),
		ignoredCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ignored_commands_total",
			Help:      "Commands dropped because their state precondition was not met",
		}, []string{"command"}),
		coordinates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordinates_total",
			Help:      "Coordinates relayed to subscribers or acknowledged by the server",
		}, []string{"direction"}),
		logDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diagnostic_log_dropped_total",
			Help:      "Diagnostic log messages dropped because the queue was full",
		}),
	}
}

func (m *Metrics) FrameReceived(tag string) {
	if m != nil {
		m.framesReceived.WithLabelValues(tag).Inc()
	}
}

func (m *Metrics) FrameSent(command string) {
	if m != nil {
		m.framesSent.WithLabelValues(command).Inc()
	}
}

func (m *Metrics) FrameDropped() {
	if m != nil {
		m.framesDropped.Inc()
	}
}

func (m *Metrics) Unrecognized() {
	if m != nil {
		m.unrecognized.Inc()
	}
}

func (m *Metrics) DecodeError(tag string) {
	if m != nil {
		m.decodeErrors.WithLabelValues(tag).Inc()
	}
}

func (m *Metrics) ConnectAttempt(result string) {
	if m != nil {
		m.connectAttempts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) SetState(s int) {
	if m != nil {
		m.state.Set(float64(s))
	}
}

func (m *Metrics) SetMonitoredGroups(n int) {
	if m != nil {
		m.monitoredGroups.Set(float64(n))
	}
}

func (m *Metrics) IgnoredCommand(command string) {
	if m != nil {
		m.ignoredCommands.WithLabelValues(command).Inc()
	}
}

func (m *Metrics) CoordinatesRelayed(n int) {
	if m != nil {
		m.coordinates.WithLabelValues("relayed").Add(float64(n))
	}
}

func (m *Metrics) CoordinateAcked() {
	if m != nil {
		m.coordinates.WithLabelValues("acked").Inc()
	}
}

func (m *Metrics) LogDropped() {
	if m != nil {
		m.logDropped.Inc()
	}
}
