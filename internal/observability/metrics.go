package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects kernel-level Prometheus metrics: run lifecycle, tool
// execution, mailbox depth, compaction, and truncation spills.
type Metrics struct {
	// RunsStarted counts dispatched runs. Labels: agent_id.
	RunsStarted *prometheus.CounterVec

	// RunsFinished counts terminal runs. Labels: agent_id, status.
	RunsFinished *prometheus.CounterVec

	// RunDuration measures run wall time in seconds. Labels: agent_id.
	RunDuration *prometheus.HistogramVec

	// ToolExecutions counts tool invocations. Labels: tool, status.
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution seconds. Labels: tool.
	ToolDuration *prometheus.HistogramVec

	// MailboxQueued gauges queued messages per agent. Labels: agent_id.
	MailboxQueued *prometheus.GaugeVec

	// MailboxInFlight gauges leased messages per agent. Labels: agent_id.
	MailboxInFlight *prometheus.GaugeVec

	// MailboxDeadLetters gauges dead-lettered messages. Labels: agent_id.
	MailboxDeadLetters *prometheus.GaugeVec

	// Compactions counts session compactions. Labels: reason.
	Compactions *prometheus.CounterVec

	// TruncationSpills counts tool outputs spilled to disk. Labels: tool.
	TruncationSpills *prometheus.CounterVec
}

// NewMetrics creates and registers kernel metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in production; a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := func(name, help string, labels ...string) *prometheus.CounterVec {
		v := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom", Name: name, Help: help,
		}, labels)
		reg.MustRegister(v)
		return v
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		v := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "loom", Name: name, Help: help,
		}, labels)
		reg.MustRegister(v)
		return v
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		v := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "loom", Name: name, Help: help, Buckets: buckets,
		}, labels)
		reg.MustRegister(v)
		return v
	}

	return &Metrics{
		RunsStarted:  factory("runs_started_total", "Dispatched agent runs.", "agent_id"),
		RunsFinished: factory("runs_finished_total", "Terminal agent runs.", "agent_id", "status"),
		RunDuration: histogram("run_duration_seconds", "Run wall time.",
			[]float64{0.5, 1, 5, 15, 60, 300, 900, 3600}, "agent_id"),
		ToolExecutions: factory("tool_executions_total", "Tool invocations.", "tool", "status"),
		ToolDuration: histogram("tool_duration_seconds", "Tool execution time.",
			[]float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}, "tool"),
		MailboxQueued:      gauge("mailbox_queued", "Queued mailbox messages.", "agent_id"),
		MailboxInFlight:    gauge("mailbox_in_flight", "Leased mailbox messages.", "agent_id"),
		MailboxDeadLetters: gauge("mailbox_dead_letters", "Dead-lettered mailbox messages.", "agent_id"),
		Compactions:        factory("compactions_total", "Session compactions.", "reason"),
		TruncationSpills:   factory("truncation_spills_total", "Tool outputs spilled to disk.", "tool"),
	}
}
