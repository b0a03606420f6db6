// Package metrics exposes the kernel's Prometheus counters/gauges: task
// throughput, execution state transitions, comm churn. Grounded on
// arkeep-io/arkeep/server's use of github.com/prometheus/client_golang for
// its own operational counters -- this kernel has no HTTP server of its
// own, so cmd/ark registers these on a dedicated metrics listener only
// when --metrics-addr is set, rather than always exposing one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TasksDispatched counts shell/control requests handled under the
	// dispatcher's busy/idle wrapper, labeled by msg_type.
	TasksDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ark",
		Subsystem: "kernel",
		Name:      "tasks_dispatched_total",
		Help:      "Number of shell/control requests handled under the busy/idle wrapper, by msg_type.",
	}, []string{"msg_type"})

	// ExecutionStateTransitions counts RMain busy/idle transitions.
	ExecutionStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ark",
		Subsystem: "kernel",
		Name:      "execution_state_transitions_total",
		Help:      "Number of RMain execution state transitions, by target state.",
	}, []string{"state"})

	// CommsOpen is registered for the count of open comm channels, by
	// target. internal/comms does not update it, so it always reads zero.
	CommsOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ark",
		Subsystem: "kernel",
		Name:      "comms_open",
		Help:      "Number of currently open comm channels, by target name.",
	}, []string{"target"})

	// InterruptsRaised counts every time the interrupt plane was raised, by
	// trigger source. Only process signals raise the plane, and cmd/ark
	// records them under "signal".
	InterruptsRaised = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ark",
		Subsystem: "kernel",
		Name:      "interrupts_raised_total",
		Help:      "Number of times the interrupt plane was raised, by trigger source.",
	}, []string{"source"})
)

// Registry is the Prometheus registry ark's metrics are registered on. A
// dedicated registry, not prometheus.DefaultRegisterer, so embedding this
// kernel in a larger process never collides with its own metric names.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(TasksDispatched, ExecutionStateTransitions, CommsOpen, InterruptsRaised)
}
