// Package metrics holds the Prometheus collectors for both channels.
package metrics

import (
	"errors"
	"time"

	"homepanel/rpcerr"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "homepanel"

var (
	rpcCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_calls_total",
		Help:      "RPC calls grouped by method and outcome",
	}, []string{"method", "status"})

	rpcCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rpc_call_duration_seconds",
		Help:      "Latency of RPC calls from send to resolution",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	rpcPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rpc_pending_calls",
		Help:      "RPC calls sent but not yet resolved",
	})

	socketFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "socket_frames_total",
		Help:      "Inbound socket frames dispatched, by event name",
	}, []string{"event"})

	socketMalformedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "socket_malformed_frames_total",
		Help:      "Inbound socket frames dropped because they could not be parsed",
	})

	socketState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "socket_state",
		Help:      "Current event socket state (0=connecting, 1=open, 2=closed)",
	})

	socketReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "socket_reconnect_attempts_total",
		Help:      "Reconnect attempts made by the event socket client",
	})

	handlerFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_handler_failures_total",
		Help:      "Subscriber handlers that returned an error or panicked",
	}, []string{"event"})
)

// Status classifies an RPC outcome for the status label.
func Status(err error) string {
	if err == nil {
		return "ok"
	}
	if _, ok := rpcerr.AsRPC(err); ok {
		return "rpc_error"
	}
	if rpcerr.IsProtocol(err) {
		return "protocol_error"
	}
	if rpcerr.IsTransport(err) {
		return "transport_error"
	}
	if errors.Is(err, rpcerr.ErrClosed) {
		return "closed"
	}
	return "error"
}

// ObserveRPC records one resolved call.
func ObserveRPC(method string, err error, duration time.Duration) {
	if method == "" {
		method = "unknown"
	}
	rpcCallsTotal.WithLabelValues(method, Status(err)).Inc()
	rpcCallDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// AddPending moves the pending-call gauge by delta.
func AddPending(delta int) {
	rpcPending.Add(float64(delta))
}

// ObserveFrame counts one dispatched inbound frame.
func ObserveFrame(event string) {
	socketFramesTotal.WithLabelValues(event).Inc()
}

// ObserveMalformedFrame counts one dropped inbound frame.
func ObserveMalformedFrame() {
	socketMalformedTotal.Inc()
}

// SetSocketState records the numeric connection state.
func SetSocketState(state int) {
	socketState.Set(float64(state))
}

// ObserveReconnect counts one reconnect attempt.
func ObserveReconnect() {
	socketReconnectsTotal.Inc()
}

// ObserveHandlerFailure counts one failed subscriber invocation.
func ObserveHandlerFailure(event string) {
	handlerFailuresTotal.WithLabelValues(event).Inc()
}
