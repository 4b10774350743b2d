package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/sqlbridge/internal/protocol"
)

const outcomeOK = "ok"

var (
	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlbridge_dispatcher_calls_total",
			Help: "Total number of settled calls by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlbridge_dispatcher_call_seconds",
			Help:    "Round-trip time from request send to settlement, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	pendingCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlbridge_dispatcher_pending_calls",
			Help: "Number of entries in the pending-call table.",
		},
	)

	protocolViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlbridge_dispatcher_protocol_violations_total",
			Help: "Inbound messages that matched no pending call or were malformed.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(callsTotal)
	prometheus.MustRegister(callDuration)
	prometheus.MustRegister(pendingCalls)
	prometheus.MustRegister(protocolViolations)

	outcomes := []string{outcomeOK}
	for k := KindExecution; k <= KindTerminated; k++ {
		outcomes = append(outcomes, k.String())
	}
	for _, a := range []protocol.Action{protocol.ActionOpen, protocol.ActionExec, protocol.ActionClose, protocol.ActionBatch} {
		for _, o := range outcomes {
			callsTotal.WithLabelValues(string(a), o)
		}
	}
}

// outcomeLabel returns the metric outcome for a settled call.
func outcomeLabel(err error) string {
	if err == nil {
		return outcomeOK
	}
	if k := KindOf(err); k != 0 {
		return k.String()
	}
	return "canceled"
}
