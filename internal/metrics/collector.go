package miiometrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mihome-go/miioc/miio"
)

const (
	namespace = "miio"
	subsystem = "client"
)

const labelDevice = "device"

// Collector holds all miio client Prometheus metrics.
//
// Metrics are designed for a controller embedding several miio.Clients:
//   - CallsSent / Handshakes / Retries / Timeouts / ChecksumMismatches /
//     RemoteErrors are all counters labeled per device, so a flapping
//     or slow device is visible independently of the others.
//   - InFlight is a gauge labeled per device, tracking calls that have
//     started but not yet returned (including any retries in progress).
type Collector struct {
	CallsSent          *prometheus.CounterVec
	Handshakes         *prometheus.CounterVec
	Retries            *prometheus.CounterVec
	Timeouts           *prometheus.CounterVec
	ChecksumMismatches *prometheus.CounterVec
	RemoteErrors       *prometheus.CounterVec
	InFlight           *prometheus.GaugeVec
}

// NewCollector creates a Collector with all metrics registered against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.CallsSent,
		c.Handshakes,
		c.Retries,
		c.Timeouts,
		c.ChecksumMismatches,
		c.RemoteErrors,
		c.InFlight,
	)

	return c
}

func newMetrics() *Collector {
	labels := []string{labelDevice}

	return &Collector{
		CallsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "calls_sent_total",
			Help:      "Total Normal call attempts transmitted.",
		}, labels),

		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handshakes_total",
			Help:      "Total handshakes completed.",
		}, labels),

		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retries_total",
			Help:      "Total call attempts retried after a retryable failure.",
		}, labels),

		Timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "timeouts_total",
			Help:      "Total call attempts that hit their per-attempt deadline.",
		}, labels),

		ChecksumMismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "checksum_mismatches_total",
			Help:      "Total call attempts that failed on a reply with a checksum mismatch.",
		}, labels),

		RemoteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "remote_errors_total",
			Help:      "Total SimpleSend calls that received a device-reported error.",
		}, labels),

		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "calls_in_flight",
			Help:      "Calls currently awaiting a reply, including any retries in progress.",
		}, labels),
	}
}

// HookFor returns a miio.Event callback bound to device, suitable for
// miio.WithMetricsHook. Unrecognized event kinds are ignored.
func (c *Collector) HookFor(device string) func(miio.Event) {
	return func(ev miio.Event) {
		switch ev.Kind {
		case miio.EventCallSent:
			c.CallsSent.WithLabelValues(device).Inc()
		case miio.EventHandshakeComplete:
			c.Handshakes.WithLabelValues(device).Inc()
		case miio.EventRetry:
			c.Retries.WithLabelValues(device).Inc()
		case miio.EventTimeout:
			c.Timeouts.WithLabelValues(device).Inc()
		case miio.EventChecksumMismatch:
			c.ChecksumMismatches.WithLabelValues(device).Inc()
		case miio.EventCallStarted:
			c.InFlight.WithLabelValues(device).Inc()
		case miio.EventCallFinished:
			c.InFlight.WithLabelValues(device).Dec()
		case miio.EventHandshakeSent:
			// No dedicated counter; folded into Handshakes on completion.
		}
	}
}

// IncRemoteErrors increments the remote-error counter for device. Called by
// the caller of SimpleSend when it receives a *miio.RemoteError, since that
// path does not go through the Event hook: a RemoteError is a successful
// round trip at the wire layer, not a call-lifecycle event.
func (c *Collector) IncRemoteErrors(device string) {
	c.RemoteErrors.WithLabelValues(device).Inc()
}
