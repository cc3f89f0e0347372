package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/radar/metric"
)

// Metrics exports cache activity to prometheus. One Metrics value can be
// shared by many caches of the same kind.
type Metrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	sets      prometheus.Counter
	evictions prometheus.Counter
}

// NewMetrics registers cache counters labelled with component on registry.
func NewMetrics(registry *metric.MetricsRegistry, component string) (*Metrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "radar",
			Subsystem:   "cache",
			Name:        name,
			ConstLabels: prometheus.Labels{"component": component},
			Help:        help,
		})
	}

	m := &Metrics{
		hits:      counter("hits_total", "Total number of cache hits"),
		misses:    counter("misses_total", "Total number of cache misses"),
		sets:      counter("sets_total", "Total number of cache writes"),
		evictions: counter("evictions_total", "Total number of expired entries removed"),
	}

	for name, c := range map[string]prometheus.Counter{
		"cache_hits":      m.hits,
		"cache_misses":    m.misses,
		"cache_sets":      m.sets,
		"cache_evictions": m.evictions,
	} {
		if err := registry.RegisterCounter(component, name, c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
