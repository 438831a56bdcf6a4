package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "runwatch",
		Subsystem: "stream",
		Name:      "events_delivered_total",
		Help:      "Validated events delivered to subscribers.",
	})

	protocolErrorsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "runwatch",
		Subsystem: "stream",
		Name:      "protocol_errors_dropped_total",
		Help:      "Malformed or unrecognized messages dropped by the codec.",
	})

	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "runwatch",
		Subsystem: "stream",
		Name:      "reconnects_total",
		Help:      "Reconnect attempts scheduled after a connection failure.",
	})
)
