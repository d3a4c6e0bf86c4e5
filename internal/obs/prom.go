package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PromMeter bridges Meter onto a Prometheus registry. Collectors are
// created lazily, one vector per metric name, keyed by the label names
// seen on the first observation of that name.
type PromMeter struct {
	Registerer prometheus.Registerer
	// Buckets used for all histograms; DefBuckets when nil.
	Buckets []float64

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPromMeter returns a PromMeter registering on reg, or on the default
// registerer when reg is nil.
func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PromMeter{
		Registerer: reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (m *PromMeter) Counter(name string, value float64, labels ...Label) {
	keys, values := splitLabels(labels)
	m.mu.Lock()
	cv, ok := m.counters[name]
	if !ok {
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, keys)
		if err := m.Registerer.Register(cv); err != nil {
			if are, dup := err.(prometheus.AlreadyRegisteredError); dup {
				cv = are.ExistingCollector.(*prometheus.CounterVec)
			} else {
				m.mu.Unlock()
				return
			}
		}
		m.counters[name] = cv
	}
	m.mu.Unlock()
	c, err := cv.GetMetricWithLabelValues(values...)
	if err != nil {
		return
	}
	c.Add(value)
}

func (m *PromMeter) Histogram(name string, value float64, labels ...Label) {
	keys, values := splitLabels(labels)
	m.mu.Lock()
	hv, ok := m.histograms[name]
	if !ok {
		buckets := m.Buckets
		if buckets == nil {
			buckets = prometheus.DefBuckets
		}
		hv = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Buckets: buckets}, keys)
		if err := m.Registerer.Register(hv); err != nil {
			if are, dup := err.(prometheus.AlreadyRegisteredError); dup {
				hv = are.ExistingCollector.(*prometheus.HistogramVec)
			} else {
				m.mu.Unlock()
				return
			}
		}
		m.histograms[name] = hv
	}
	m.mu.Unlock()
	h, err := hv.GetMetricWithLabelValues(values...)
	if err != nil {
		return
	}
	h.Observe(value)
}

func splitLabels(labels []Label) (keys, values []string) {
	if len(labels) == 0 {
		return nil, nil
	}
	keys = make([]string, len(labels))
	values = make([]string, len(labels))
	for i, l := range labels {
		keys[i] = l.Key
		values[i] = l.Value
	}
	return keys, values
}
