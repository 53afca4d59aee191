package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// POSMetrics tracks till activity: sessions, cart edits and sale commits.
type POSMetrics struct {
	sessionsOpened prometheus.Counter
	activeSessions prometheus.Gauge
	itemsAdded     prometheus.Counter
	commits        *prometheus.CounterVec
	commitDuration prometheus.Histogram
	revenueCents   prometheus.Counter
	eventsFailed   prometheus.Counter
}

func New() *POSMetrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers the collectors on registerer, reusing any that
// are already registered under the same name.
func NewWithRegisterer(registerer prometheus.Registerer) *POSMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &POSMetrics{
		sessionsOpened: registerCounter(registerer, prometheus.CounterOpts{
			Name: "pos_sessions_opened_total",
			Help: "Total number of till sessions opened",
		}),
		activeSessions: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "pos_sessions_active",
			Help: "Number of till sessions currently open",
		}),
		itemsAdded: registerCounter(registerer, prometheus.CounterOpts{
			Name: "pos_cart_items_added_total",
			Help: "Total number of successful add-item operations",
		}),
		commits: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "pos_sale_commits_total",
			Help: "Sale commit attempts by outcome",
		}, []string{"outcome"}),
		commitDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "pos_sale_commit_duration_seconds",
			Help:    "Duration of sale commit attempts in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
		revenueCents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "pos_committed_revenue_cents_total",
			Help: "Sum of committed sale totals in cents",
		}),
		eventsFailed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "pos_sale_events_failed_total",
			Help: "Sale events that could not be published",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

// The recorders accept a nil receiver so callers can run without metrics.

func (m *POSMetrics) RecordSessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
	m.activeSessions.Inc()
}

func (m *POSMetrics) RecordSessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *POSMetrics) RecordItemAdded() {
	if m == nil {
		return
	}
	m.itemsAdded.Inc()
}

// RecordCommit counts one commit attempt. outcome is "success" or an error
// kind such as "out_of_stock".
func (m *POSMetrics) RecordCommit(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(outcome).Inc()
	m.commitDuration.Observe(duration.Seconds())
}

func (m *POSMetrics) RecordRevenue(cents int64) {
	if m == nil || cents <= 0 {
		return
	}
	m.revenueCents.Add(float64(cents))
}

func (m *POSMetrics) RecordEventFailed() {
	if m == nil {
		return
	}
	m.eventsFailed.Inc()
}
