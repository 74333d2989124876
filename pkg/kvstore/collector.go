package kvstore

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

type pebbleMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(m *pebble.Metrics) float64
}

// PebbleCollector exports storage engine internals of a Pebble store.
type PebbleCollector struct {
	store   *Pebble
	metrics []pebbleMetric
}

func NewPebbleCollector(store *Pebble) *PebbleCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("nomad_pebble_"+name, help, nil, nil)
	}
	return &PebbleCollector{
		store: store,
		metrics: []pebbleMetric{
			{desc("compaction_count_total", "Total number of compactions performed"), prometheus.CounterValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }},
			{desc("compaction_estimated_debt_bytes", "Estimated number of bytes that need to be compacted"), prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }},
			{desc("compaction_in_progress_bytes", "Number of bytes being compacted currently"), prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) }},
			{desc("memtable_size_bytes", "Current size of the memtable in bytes"), prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }},
			{desc("memtable_count", "Current count of memtables"), prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }},
			{desc("wal_files", "Number of live WAL files"), prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }},
			{desc("wal_size_bytes", "Size of live WAL data in bytes"), prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }},
			{desc("wal_bytes_in_total", "Total logical bytes written to the WAL"), prometheus.CounterValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesIn) }},
			{desc("wal_bytes_written_total", "Total physical bytes written to the WAL"), prometheus.CounterValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }},
		},
	}
}

func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range pc.metrics {
		ch <- m.desc
	}
}

func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	snapshot := pc.store.Metrics()
	if snapshot == nil {
		return
	}
	for _, m := range pc.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.valueType, m.value(snapshot))
	}
}
