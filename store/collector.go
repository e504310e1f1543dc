package store

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the archive's pebble internals.
type Collector struct {
	db *pebble.DB

	compactionCount         *prometheus.Desc
	compactionEstimatedDebt *prometheus.Desc
	compactionInProgress    *prometheus.Desc

	memtableSize  *prometheus.Desc
	memtableCount *prometheus.Desc

	walFiles        *prometheus.Desc
	walSize         *prometheus.Desc
	walBytesWritten *prometheus.Desc

	diskSpace *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(a *Archive) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("mapper_archive_"+name, help, nil, nil)
	}
	return &Collector{
		db: a.db,

		compactionCount:         desc("compaction_count_total", "Total number of compactions performed"),
		compactionEstimatedDebt: desc("compaction_estimated_debt_bytes", "Estimated bytes left to compact"),
		compactionInProgress:    desc("compaction_in_progress_bytes", "Bytes being compacted right now"),

		memtableSize:  desc("memtable_size_bytes", "Current memtable size"),
		memtableCount: desc("memtable_count", "Current memtable count"),

		walFiles:        desc("wal_files", "Live WAL files"),
		walSize:         desc("wal_size_bytes", "Size of live WAL data"),
		walBytesWritten: desc("wal_bytes_written_total", "Bytes written to the WAL"),

		diskSpace: desc("disk_space_usage_bytes", "Disk space used by the archive"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.compactionCount
	ch <- c.compactionEstimatedDebt
	ch <- c.compactionInProgress
	ch <- c.memtableSize
	ch <- c.memtableCount
	ch <- c.walFiles
	ch <- c.walSize
	ch <- c.walBytesWritten
	ch <- c.diskSpace
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.db.Metrics()
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter(c.compactionCount, float64(m.Compact.Count))
	gauge(c.compactionEstimatedDebt, float64(m.Compact.EstimatedDebt))
	gauge(c.compactionInProgress, float64(m.Compact.InProgressBytes))
	gauge(c.memtableSize, float64(m.MemTable.Size))
	gauge(c.memtableCount, float64(m.MemTable.Count))
	gauge(c.walFiles, float64(m.WAL.Files))
	gauge(c.walSize, float64(m.WAL.Size))
	counter(c.walBytesWritten, float64(m.WAL.BytesWritten))
	gauge(c.diskSpace, float64(m.DiskSpaceUsage()))
}
