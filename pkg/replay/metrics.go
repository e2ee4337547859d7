package replay

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	checks             *prometheus.CounterVec
	durabilityFailures prometheus.Counter
	rollbacks          prometheus.Counter
	evictedTags        prometheus.Counter
}

func newMetrics(c *Cache, reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checks_total",
			Help: "The total number of tag checks by outcome",
		}, []string{"outcome"}),
		durabilityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "durability_failures_total",
			Help: "The total number of tags refused because their write failed",
		}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollbacks_total",
			Help: "The total number of reserved tags removed again",
		}),
		evictedTags: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evicted_tags_total",
			Help: "The total number of tags dropped by epoch eviction",
		}),
	}
	if reg == nil {
		return m, nil
	}

	tags := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "tags",
		Help: "The number of tags held in memory",
	}, func() float64 { return float64(c.store.Len()) })
	current := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "current_epoch",
		Help: "The current epoch",
	}, func() float64 { return float64(c.ledger.Current()) })

	for _, col := range []prometheus.Collector{
		m.checks, m.durabilityFailures, m.rollbacks, m.evictedTags, tags, current,
	} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("failed to register metrics, %w", err)
		}
	}
	return m, nil
}
