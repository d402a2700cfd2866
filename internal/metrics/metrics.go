// Package metrics wires up the prometheus/client_golang collectors the
// coordinator and ingest pipeline expose: per-message mailbox counters,
// frontier-advancement counters, and COPY/ingest batch throughput.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups every collector the daemon registers at startup.
type Registry struct {
	reg *prometheus.Registry

	MailboxMessagesTotal   *prometheus.CounterVec
	FrontierAdvancesTotal  *prometheus.CounterVec
	SinceProposalsTotal    prometheus.Counter
	CopyBatchesTotal       *prometheus.CounterVec
	CopyRowsTotal          *prometheus.CounterVec
	CopyBytesTotal         *prometheus.CounterVec
	StateDiffApplyDuration prometheus.Histogram
	WriteLockWaitDuration  prometheus.Histogram
	ActivePeeks            prometheus.Gauge
}

// New constructs and registers every collector against a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		MailboxMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "core",
			Subsystem: "coordinator",
			Name:      "mailbox_messages_total",
			Help:      "Messages drained from the coordinator mailbox, by kind.",
		}, []string{"kind"}),
		FrontierAdvancesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "core",
			Subsystem: "frontier",
			Name:      "advances_total",
			Help:      "Upper advancements applied, by gid kind.",
		}, []string{"gid_kind"}),
		SinceProposalsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "core",
			Subsystem: "frontier",
			Name:      "since_proposals_total",
			Help:      "Since-advancement proposals enqueued by the Frontier Registry.",
		}),
		CopyBatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "core",
			Subsystem: "ingest",
			Name:      "copy_batches_total",
			Help:      "Batches finished by COPY worker threads, by table.",
		}, []string{"table"}),
		CopyRowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "core",
			Subsystem: "ingest",
			Name:      "copy_rows_total",
			Help:      "Rows ingested via COPY, by table.",
		}, []string{"table"}),
		CopyBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "core",
			Subsystem: "ingest",
			Name:      "copy_bytes_total",
			Help:      "Raw bytes decoded via COPY, by table.",
		}, []string{"table"}),
		StateDiffApplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "core",
			Subsystem: "statediff",
			Name:      "apply_duration_seconds",
			Help:      "Time to apply one state diff.",
			Buckets:   prometheus.DefBuckets,
		}),
		WriteLockWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "core",
			Subsystem: "coordinator",
			Name:      "write_lock_wait_seconds",
			Help:      "Time a deferred write plan waited for the write-lock.",
			Buckets:   prometheus.DefBuckets,
		}),
		ActivePeeks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "core",
			Subsystem: "coordinator",
			Name:      "active_peeks",
			Help:      "Peeks awaiting a PeekResponse.",
		}),
	}

	reg.MustRegister(
		r.MailboxMessagesTotal,
		r.FrontierAdvancesTotal,
		r.SinceProposalsTotal,
		r.CopyBatchesTotal,
		r.CopyRowsTotal,
		r.CopyBytesTotal,
		r.StateDiffApplyDuration,
		r.WriteLockWaitDuration,
		r.ActivePeeks,
	)
	return r
}

// Gatherer exposes the underlying registry for wiring into an HTTP
// /metrics handler (promhttp.HandlerFor).
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
