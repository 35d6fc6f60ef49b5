// Package metrics registers the engine's prometheus instruments. A nil
// *Metrics is safe everywhere so tests and minimal deployments can skip it.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Registry *prometheus.Registry

	SamplesBuffered   prometheus.Counter
	BatchesFlushed    prometheus.Counter
	BatchesPublished  prometheus.Counter
	ReconnectAttempts prometheus.Counter
	OpsQueued         prometheus.Counter
	OpsReplayed       prometheus.Counter
	Conflicts         prometheus.Counter
	OversizedDropped  prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}

	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "walksync",
			Name:      name,
			Help:      help,
		})
		m.Registry.MustRegister(c)
		return c
	}

	m.SamplesBuffered = counter("samples_buffered_total", "Location samples accepted into the batcher.")
	m.BatchesFlushed = counter("batches_flushed_total", "Batches flushed from the batcher.")
	m.BatchesPublished = counter("batches_published_total", "Batches published over the live channel.")
	m.ReconnectAttempts = counter("channel_reconnect_attempts_total", "Channel connection attempts.")
	m.OpsQueued = counter("outbox_ops_queued_total", "Operations queued while offline.")
	m.OpsReplayed = counter("outbox_ops_replayed_total", "Queued operations replayed to the remote.")
	m.Conflicts = counter("reconcile_conflicts_total", "Replays rejected by the remote.")
	m.OversizedDropped = counter("channel_oversized_dropped_total", "Encrypted messages dropped for exceeding the size limit.")

	return m
}

func (m *Metrics) Inc(c prometheus.Counter) {
	if m == nil || c == nil {
		return
	}
	c.Inc()
}

func (m *Metrics) Add(c prometheus.Counter, n float64) {
	if m == nil || c == nil {
		return
	}
	c.Add(n)
}
