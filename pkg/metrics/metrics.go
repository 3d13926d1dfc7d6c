// Package metrics wires github.com/prometheus/client_golang into the core,
// promoting it from a transitive dependency of the teacher's storage
// backends (pebble, redis) to something this module exercises directly.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every counter/gauge the core updates. The constructors
// that take a *Metrics (announce.New, sdproto.New) substitute Noop() for
// nil, so callers that do not want Prometheus wiring may pass nil.
type Metrics struct {
	OffersSent       prometheus.Counter
	OffersReceived   prometheus.Counter
	FindsSent        prometheus.Counter
	SubscriptionsUp  prometheus.Gauge
	RebootsDetected  prometheus.Counter
	SubscribeNacks   prometheus.Counter
}

// New creates a Metrics with every collector registered under reg. Pass
// prometheus.NewRegistry() for an isolated registry, or
// prometheus.DefaultRegisterer to expose on the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OffersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "someipsd",
			Name:      "offers_sent_total",
			Help:      "OfferService entries sent, across all service instances.",
		}),
		OffersReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "someipsd",
			Name:      "offers_received_total",
			Help:      "OfferService entries received from remote peers.",
		}),
		FindsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "someipsd",
			Name:      "finds_sent_total",
			Help:      "FindService entries sent by the discover find loop.",
		}),
		SubscriptionsUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "someipsd",
			Name:      "subscriptions_active",
			Help:      "Eventgroup subscriptions currently accepted by this instance's service instances.",
		}),
		RebootsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "someipsd",
			Name:      "reboots_detected_total",
			Help:      "Peer reboots detected via session-id/reboot-flag regression.",
		}),
		SubscribeNacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "someipsd",
			Name:      "subscribe_nacks_total",
			Help:      "Subscribe requests answered with a NACK: refused with NakSubscription or matching no service instance.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.OffersSent, m.OffersReceived, m.FindsSent,
			m.SubscriptionsUp, m.RebootsDetected, m.SubscribeNacks)
	}
	return m
}

// Noop returns a Metrics whose collectors are never registered anywhere,
// for callers that want the core's instrumentation calls to be no-ops.
func Noop() *Metrics {
	return New(nil)
}
