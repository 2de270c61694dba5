// Package metrics collects in-process operational metrics for the gateway,
// dialog pipeline, and LLM providers. Snapshots are served by /api/metrics.
package metrics

import (
	"runtime"
	"strings"
	"sync"
	"time"
)

// MetricsManager holds every live metric, keyed "topic/name".
type MetricsManager struct {
	mu       sync.RWMutex
	timings  map[string]*TimingMetric
	counters map[string]*CounterMetric
	gauges   map[string]*GaugeMetric
	caches   map[string]*CacheMetric
	results  map[string]*ResultMetric
	outcomes map[string]*OutcomeMetric
}

var (
	instance *MetricsManager
	once     sync.Once
)

// GetInstance returns the process-wide registry.
func GetInstance() *MetricsManager {
	once.Do(func() {
		instance = &MetricsManager{
			timings:  make(map[string]*TimingMetric),
			counters: make(map[string]*CounterMetric),
			gauges:   make(map[string]*GaugeMetric),
			caches:   make(map[string]*CacheMetric),
			results:  make(map[string]*ResultMetric),
			outcomes: make(map[string]*OutcomeMetric),
		}
	})
	return instance
}

func metricKey(topic, name string) string {
	return topic + "/" + name
}

func (r *MetricsManager) timing(key string) *TimingMetric {
	r.mu.RLock()
	m := r.timings[key]
	r.mu.RUnlock()
	if m != nil {
		return m
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m = r.timings[key]; m == nil {
		m = &TimingMetric{}
		r.timings[key] = m
	}
	return m
}

func (r *MetricsManager) counter(key string) *CounterMetric {
	r.mu.RLock()
	m := r.counters[key]
	r.mu.RUnlock()
	if m != nil {
		return m
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m = r.counters[key]; m == nil {
		m = &CounterMetric{}
		r.counters[key] = m
	}
	return m
}

func (r *MetricsManager) gauge(key string) *GaugeMetric {
	r.mu.RLock()
	m := r.gauges[key]
	r.mu.RUnlock()
	if m != nil {
		return m
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m = r.gauges[key]; m == nil {
		m = &GaugeMetric{}
		r.gauges[key] = m
	}
	return m
}

func (r *MetricsManager) cache(key string) *CacheMetric {
	r.mu.RLock()
	m := r.caches[key]
	r.mu.RUnlock()
	if m != nil {
		return m
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m = r.caches[key]; m == nil {
		m = &CacheMetric{}
		r.caches[key] = m
	}
	return m
}

func (r *MetricsManager) result(key string) *ResultMetric {
	r.mu.RLock()
	m := r.results[key]
	r.mu.RUnlock()
	if m != nil {
		return m
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m = r.results[key]; m == nil {
		m = &ResultMetric{}
		r.results[key] = m
	}
	return m
}

func (r *MetricsManager) outcome(key string) *OutcomeMetric {
	r.mu.RLock()
	m := r.outcomes[key]
	r.mu.RUnlock()
	if m != nil {
		return m
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m = r.outcomes[key]; m == nil {
		m = &OutcomeMetric{}
		r.outcomes[key] = m
	}
	return m
}

// GetSnapshot returns a point-in-time view of every metric.
func (r *MetricsManager) GetSnapshot() map[string]*MetricSnapshot {
	out := make(map[string]*MetricSnapshot)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for key, t := range r.timings {
		t.mu.Lock()
		s := &MetricSnapshot{
			Type:   "timing",
			Count:  t.count,
			MinMs:  durationMs(t.min),
			MaxMs:  durationMs(t.max),
			LastMs: durationMs(t.last),
		}
		if t.count > 0 {
			s.AvgMs = durationMs(t.total) / float64(t.count)
		}
		t.mu.Unlock()
		out[key] = s
	}
	for key, c := range r.counters {
		out[key] = &MetricSnapshot{Type: "counter", Value: c.value.Load()}
	}
	for key, g := range r.gauges {
		out[key] = &MetricSnapshot{Type: "gauge", Value: g.value.Load()}
	}
	for key, c := range r.caches {
		hits, misses := c.hits.Load(), c.misses.Load()
		s := &MetricSnapshot{Type: "cache", Hits: hits, Misses: misses}
		if total := hits + misses; total > 0 {
			s.HitRate = float64(hits) / float64(total)
		}
		out[key] = s
	}
	for key, res := range r.results {
		res.mu.Lock()
		s := &MetricSnapshot{Type: "result", Ok: res.ok, Failed: res.failed}
		if len(res.reasons) > 0 {
			s.Reasons = make(map[string]int64, len(res.reasons))
			for reason, n := range res.reasons {
				s.Reasons[reason] = n
			}
		}
		res.mu.Unlock()
		out[key] = s
	}
	for key, o := range r.outcomes {
		o.mu.Lock()
		s := &MetricSnapshot{Type: "outcome"}
		if len(o.counts) > 0 {
			s.Outcomes = make(map[string]int64, len(o.counts))
			for value, n := range o.counts {
				s.Outcomes[value] = n
			}
		}
		o.mu.Unlock()
		out[key] = s
	}
	return out
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// callerName resolves the short function name skip frames up the stack,
// for helpers that label a timing after their caller.
func callerName(skip int) string {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	name := fn.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
