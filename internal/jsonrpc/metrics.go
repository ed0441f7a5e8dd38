package jsonrpc

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RequestsTotal counts requests written to the backend.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lspbridge_requests_total",
			Help: "Requests sent to the language server",
		},
		[]string{"method"},
	)

	// RequestOutcomes counts how each request was settled.
	RequestOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lspbridge_request_outcomes_total",
			Help: "Settled requests by outcome (result, error, timeout, canceled, closed, write_error)",
		},
		[]string{"outcome"},
	)

	// RequestDuration observes time from send to settlement.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lspbridge_request_duration_seconds",
			Help:    "Time from request send to settlement",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
		[]string{"method"},
	)

	// PendingRequests is the size of the pending table across clients.
	PendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lspbridge_pending_requests",
			Help: "Requests awaiting a response",
		},
	)

	// ProtocolErrors counts frames that could not be decoded.
	ProtocolErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lspbridge_protocol_errors_total",
			Help: "Malformed frames received from the language server",
		},
	)

	// DroppedResponses counts responses with no pending request.
	DroppedResponses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lspbridge_dropped_responses_total",
			Help: "Responses whose id matched no pending request",
		},
	)

	// NotificationsTotal counts unsolicited messages by method.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lspbridge_notifications_total",
			Help: "Notifications and backend requests received",
		},
		[]string{"method"},
	)
)

// RegisterMetrics registers the transport collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		RequestsTotal, RequestOutcomes, RequestDuration, PendingRequests,
		ProtocolErrors, DroppedResponses, NotificationsTotal,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// outcome maps a settlement error to its metric label.
func outcome(err error) string {
	var rpcErr *Error
	var writeErr *WriteError
	switch {
	case err == nil:
		return "result"
	case errors.As(err, &rpcErr):
		return "error"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.As(err, &writeErr):
		return "write_error"
	default:
		return "other"
	}
}
