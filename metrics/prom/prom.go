// Package prom exports shmcache events and region accounting to Prometheus.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/calvinalkan/shmcache/pkg/shmcache"
)

// Adapter implements shmcache.Metrics and exports Prometheus counters.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits        prometheus.Counter
	misses      prometheus.Counter
	stores      prometheus.Counter
	storedBytes prometheus.Histogram
	deletes     prometheus.Counter
	rejects     *prometheus.CounterVec
	recoveries  prometheus.Counter
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}

	a := &Adapter{
		hits:       counter("hits_total", "Gets that found the key"),
		misses:     counter("misses_total", "Gets that did not find the key"),
		stores:     counter("stores_total", "Records stored by Set"),
		deletes:    counter("deletes_total", "Live entries removed by Delete"),
		recoveries: counter("recoveries_total", "Region resets after an interrupted mutation"),
		storedBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "record_bytes",
			Help:        "Encoded size of stored records",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(32, 4, 8),
		}),
		rejects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "rejects_total",
				Help:        "Sets that were not stored, by reason",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
	}

	reg.MustRegister(a.hits, a.misses, a.stores, a.storedBytes, a.deletes, a.rejects, a.recoveries)

	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Store counts a stored record and observes its size.
func (a *Adapter) Store(recordBytes int) {
	a.stores.Inc()
	a.storedBytes.Observe(float64(recordBytes))
}

// Delete increments the delete counter.
func (a *Adapter) Delete() { a.deletes.Inc() }

// Reject increments the reject counter with a reason label.
func (a *Adapter) Reject(r shmcache.RejectReason) {
	a.rejects.WithLabelValues(reason(r)).Inc()
}

// Recover increments the recovery counter.
func (a *Adapter) Recover() { a.recoveries.Inc() }

// reason maps RejectReason to a stable label value.
func reason(r shmcache.RejectReason) string {
	switch r {
	case shmcache.RejectOutOfSpace:
		return "out_of_space"
	case shmcache.RejectFull:
		return "full"
	default:
		return "unknown"
	}
}

// Compile-time check: ensure Adapter implements shmcache.Metrics.
var _ shmcache.Metrics = (*Adapter)(nil)
