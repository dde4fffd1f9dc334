package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BookingsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "bookings_created_total", Help: "Total booking requests created"})
	BookingTransitions   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "booking_transitions_total", Help: "Booking lifecycle transitions"},
		[]string{"to"},
	)

	PaymentIntentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "payment_intents_total", Help: "Payment intent creations by outcome"},
		[]string{"outcome"},
	)
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "webhook_events_total", Help: "Provider webhook events by result"},
		[]string{"result"},
	)

	AuditEntriesTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "audit_entries_total", Help: "Audit entries written"})
	AuditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "audit_write_failures_total", Help: "Audit writes swallowed after failure"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carpool",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
