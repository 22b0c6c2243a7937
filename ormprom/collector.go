// Package ormprom exports session factory statistics to Prometheus.
package ormprom

import (
	"github.com/lemmego/orm"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector implements prometheus.Collector over orm.Statistics. Values
// are read from a snapshot on every scrape.
type Collector struct {
	stats *orm.Statistics

	entityOps          *prometheus.Desc
	collectionOps      *prometheus.Desc
	flushes            *prometheus.Desc
	flushLatency       *prometheus.Desc
	transactions       *prometheus.Desc
	optimisticFailures *prometheus.Desc
	statements         *prometheus.Desc
	batches            *prometheus.Desc
	sessions           *prometheus.Desc
}

// NewCollector creates a collector with metric names under namespace.
// constLabels are attached to every metric.
func NewCollector(namespace string, stats *orm.Statistics, constLabels prometheus.Labels) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "orm", name), help, labels, constLabels)
	}
	return &Collector{
		stats:              stats,
		entityOps:          desc("entity_operations_total", "Entity rows written or loaded.", "operation"),
		collectionOps:      desc("collection_operations_total", "Collections rewritten or loaded.", "operation"),
		flushes:            desc("flushes_total", "Completed flushes."),
		flushLatency:       desc("flush_latency_seconds", "Average flush latency."),
		transactions:       desc("transactions_total", "Finished transactions.", "outcome"),
		optimisticFailures: desc("optimistic_lock_failures_total", "Version checks that found a stale row."),
		statements:         desc("statements_total", "Statements sent to the database."),
		batches:            desc("batches_total", "Round trips carrying more than one statement."),
		sessions:           desc("sessions_total", "Sessions opened or closed.", "event"),
	}
}

// Register creates a collector for the factory's statistics and registers
// it with reg.
func Register(reg prometheus.Registerer, namespace string, factory *orm.SessionFactory) (*Collector, error) {
	c := NewCollector(namespace, factory.Statistics(), nil)
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entityOps
	ch <- c.collectionOps
	ch <- c.flushes
	ch <- c.flushLatency
	ch <- c.transactions
	ch <- c.optimisticFailures
	ch <- c.statements
	ch <- c.batches
	ch <- c.sessions
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats.Snapshot()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	counter(c.entityOps, s.EntityInserts, "insert")
	counter(c.entityOps, s.EntityUpdates, "update")
	counter(c.entityOps, s.EntityDeletes, "delete")
	counter(c.entityOps, s.EntityLoads, "load")
	counter(c.collectionOps, s.CollectionUpdates, "update")
	counter(c.collectionOps, s.CollectionLoads, "load")
	counter(c.flushes, s.Flushes)
	ch <- prometheus.MustNewConstMetric(c.flushLatency, prometheus.GaugeValue, s.AvgFlushLatency.Seconds())
	counter(c.transactions, s.Commits, "commit")
	counter(c.transactions, s.Rollbacks, "rollback")
	counter(c.optimisticFailures, s.OptimisticFailures)
	counter(c.statements, s.Statements)
	counter(c.batches, s.Batches)
	counter(c.sessions, s.SessionsOpened, "opened")
	counter(c.sessions, s.SessionsClosed, "closed")
}
