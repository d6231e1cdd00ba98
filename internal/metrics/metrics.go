// Package metrics holds the Prometheus collectors of the runtime. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gtfo"

type Metrics struct {
	RecordsTotal         *prometheus.CounterVec
	ProducedTotal        *prometheus.CounterVec
	TransactionsTotal    *prometheus.CounterVec
	CommitLatency        prometheus.Histogram
	TableWritesTotal     *prometheus.CounterVec
	RecoveredTotal       *prometheus.CounterVec
	RecoveringPartitions prometheus.Gauge
	StoreOffset          *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_consumed_total",
				Help:      "Records consumed per topic.",
			},
			[]string{"topic"},
		),
		ProducedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_produced_total",
				Help:      "Records staged for production per topic.",
			},
			[]string{"topic"},
		),
		TransactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Finished broker transactions by result.",
			},
			[]string{"result"},
		),
		CommitLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "commit_latency_seconds",
				Help:      "Time spent committing a broker transaction.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		TableWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "table_writes_total",
				Help:      "Table mutations applied locally by operation.",
			},
			[]string{"op"},
		),
		RecoveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "changelog_records_recovered_total",
				Help:      "Changelog records replayed per partition.",
			},
			[]string{"partition"},
		),
		RecoveringPartitions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "recovering_partitions",
				Help:      "Partitions currently replaying their changelog.",
			},
		),
		StoreOffset: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "store_checkpoint_offset",
				Help:      "Next changelog offset to read per partition store.",
			},
			[]string{"partition"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.RecordsTotal,
			m.ProducedTotal,
			m.TransactionsTotal,
			m.CommitLatency,
			m.TableWritesTotal,
			m.RecoveredTotal,
			m.RecoveringPartitions,
			m.StoreOffset,
		)
	}
	return m
}

func (m *Metrics) Consumed(topic string) {
	if m == nil {
		return
	}
	m.RecordsTotal.WithLabelValues(topic).Inc()
}

func (m *Metrics) Produced(topic string) {
	if m == nil {
		return
	}
	m.ProducedTotal.WithLabelValues(topic).Inc()
}

func (m *Metrics) Committed(d time.Duration) {
	if m == nil {
		return
	}
	m.TransactionsTotal.WithLabelValues("committed").Inc()
	m.CommitLatency.Observe(d.Seconds())
}

func (m *Metrics) Aborted() {
	if m == nil {
		return
	}
	m.TransactionsTotal.WithLabelValues("aborted").Inc()
}

// TableWrite counts a local apply; op is "update" or "delete".
func (m *Metrics) TableWrite(op string) {
	if m == nil {
		return
	}
	m.TableWritesTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) Recovered(partition int32) {
	if m == nil {
		return
	}
	m.RecoveredTotal.WithLabelValues(strconv.Itoa(int(partition))).Inc()
}

func (m *Metrics) SetRecovering(n int) {
	if m == nil {
		return
	}
	m.RecoveringPartitions.Set(float64(n))
}

func (m *Metrics) SetStoreOffset(partition int32, offset int64) {
	if m == nil {
		return
	}
	m.StoreOffset.WithLabelValues(strconv.Itoa(int(partition))).Set(float64(offset))
}
