package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/calvinalkan/shmcache/pkg/shmcache"
)

// Source is the part of a cache handle the collector reads.
type Source interface {
	Info() (shmcache.Info, error)
	Status() (shmcache.Status, error)
}

// Collector reports region accounting as gauges on every scrape.
//
// Counters from [Adapter] only see events of the process that registered
// them. The gauges read the shared header, so they cover every process
// attached to the region.
type Collector struct {
	src Source

	totalBytes   *prometheus.Desc
	freeBytes    *prometheus.Desc
	usedBytes    *prometheus.Desc
	freeChunks   *prometheus.Desc
	largestChunk *prometheus.Desc
	entries      *prometheus.Desc
	capacity     *prometheus.Desc
	tombstones   *prometheus.Desc
	recoveries   *prometheus.Desc
	slabs        *prometheus.Desc
	up           *prometheus.Desc
}

// NewCollector returns a collector for src. Register it with a
// prometheus.Registerer.
func NewCollector(src Source, ns, sub string, constLabels prometheus.Labels) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(ns, sub, name), help, nil, constLabels)
	}

	return &Collector{
		src:          src,
		totalBytes:   desc("total_bytes", "Region size in bytes"),
		freeBytes:    desc("free_bytes", "Bytes in free chunks and untouched slabs"),
		usedBytes:    desc("used_bytes", "Bytes not available for new records"),
		freeChunks:   desc("free_chunks", "Free chunks across all size classes"),
		largestChunk: desc("largest_chunk_bytes", "Size of the largest free chunk"),
		entries:      desc("entries", "Live entries"),
		capacity:     desc("index_capacity", "Maximum number of live entries"),
		tombstones:   desc("tombstones", "Deleted index buckets awaiting reuse"),
		recoveries:   desc("region_recoveries", "Resets after an interrupted mutation over the region lifetime"),
		slabs:        desc("slabs_touched", "Slabs ever handed out by the allocator"),
		up:           desc("up", "1 if the region could be read during the scrape"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalBytes
	ch <- c.freeBytes
	ch <- c.usedBytes
	ch <- c.freeChunks
	ch <- c.largestChunk
	ch <- c.entries
	ch <- c.capacity
	ch <- c.tombstones
	ch <- c.recoveries
	ch <- c.slabs
	ch <- c.up
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}

	st, err := c.src.Status()
	if err != nil {
		gauge(c.up, 0)

		return
	}

	info, err := c.src.Info()
	if err != nil {
		gauge(c.up, 0)

		return
	}

	gauge(c.up, 1)
	gauge(c.totalBytes, st.TotalBytes)
	gauge(c.freeBytes, st.FreeBytes)
	gauge(c.usedBytes, st.UsedBytes)
	gauge(c.freeChunks, st.FreeChunks)
	gauge(c.largestChunk, st.LargestChunk)
	gauge(c.entries, info.Entries)
	gauge(c.capacity, info.IndexCapacity)
	gauge(c.tombstones, info.Tombstones)
	gauge(c.recoveries, info.Recoveries)
	gauge(c.slabs, info.SlabHighwater)
}

var _ prometheus.Collector = (*Collector)(nil)
