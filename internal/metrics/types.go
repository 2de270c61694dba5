package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// TimingMetric aggregates observed durations for one operation.
type TimingMetric struct {
	mu    sync.Mutex
	count int64
	total time.Duration
	min   time.Duration
	max   time.Duration
	last  time.Duration
}

func (t *TimingMetric) record(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count++
	t.total += d
	if t.count == 1 || d < t.min {
		t.min = d
	}
	if d > t.max {
		t.max = d
	}
	t.last = d
}

// CounterMetric is a monotonically increasing count.
type CounterMetric struct {
	value atomic.Int64
}

// GaugeMetric is a point-in-time value that moves both ways.
type GaugeMetric struct {
	value atomic.Int64
}

// CacheMetric tracks hits and misses for one cache.
type CacheMetric struct {
	hits   atomic.Int64
	misses atomic.Int64
}

// ResultMetric tracks success and failure counts, with failures broken
// down by reason.
type ResultMetric struct {
	mu      sync.Mutex
	ok      int64
	failed  int64
	reasons map[string]int64
}

func (r *ResultMetric) success() {
	r.mu.Lock()
	r.ok++
	r.mu.Unlock()
}

func (r *ResultMetric) failure(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed++
	if reason == "" {
		return
	}
	if r.reasons == nil {
		r.reasons = make(map[string]int64)
	}
	r.reasons[reason]++
}

// OutcomeMetric counts occurrences of each distinct outcome value.
type OutcomeMetric struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (o *OutcomeMetric) record(value string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = make(map[string]int64)
	}
	o.counts[value]++
}

// MetricSnapshot is the JSON-friendly view of one metric, served by the
// metrics endpoint. Fields apply per type; unused ones are omitted.
type MetricSnapshot struct {
	Type     string           `json:"type"`
	Count    int64            `json:"count,omitempty"`
	AvgMs    float64          `json:"avgMs,omitempty"`
	MinMs    float64          `json:"minMs,omitempty"`
	MaxMs    float64          `json:"maxMs,omitempty"`
	LastMs   float64          `json:"lastMs,omitempty"`
	Value    int64            `json:"value,omitempty"`
	Hits     int64            `json:"hits,omitempty"`
	Misses   int64            `json:"misses,omitempty"`
	HitRate  float64          `json:"hitRate,omitempty"`
	Ok       int64            `json:"ok,omitempty"`
	Failed   int64            `json:"failed,omitempty"`
	Reasons  map[string]int64 `json:"reasons,omitempty"`
	Outcomes map[string]int64 `json:"outcomes,omitempty"`
}
