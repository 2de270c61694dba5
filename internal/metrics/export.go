package metrics

import "time"

// Package-level helpers for dot-import usage.

// MetricStartAuto begins timing the calling function; invoke the returned
// func to record the elapsed time under the caller's name.
func MetricStartAuto(topic string) func() {
	name := callerName(2)
	start := time.Now()
	return func() {
		GetInstance().timing(metricKey(topic, name)).record(time.Since(start))
	}
}

// MetricDuration records an observed duration.
func MetricDuration(topic, name string, d time.Duration) {
	GetInstance().timing(metricKey(topic, name)).record(d)
}

// MetricInc increments a counter by 1.
func MetricInc(topic, name string) {
	GetInstance().counter(metricKey(topic, name)).value.Add(1)
}

// MetricAdd adds a delta to a counter.
func MetricAdd(topic, name string, delta int64) {
	GetInstance().counter(metricKey(topic, name)).value.Add(delta)
}

// MetricSet sets a gauge.
func MetricSet(topic, name string, value int64) {
	GetInstance().gauge(metricKey(topic, name)).value.Store(value)
}

// MetricHit records a cache hit.
func MetricHit(topic, name string) {
	GetInstance().cache(metricKey(topic, name)).hits.Add(1)
}

// MetricMiss records a cache miss.
func MetricMiss(topic, name string) {
	GetInstance().cache(metricKey(topic, name)).misses.Add(1)
}

// MetricSuccess records a successful operation.
func MetricSuccess(topic, name string) {
	GetInstance().result(metricKey(topic, name)).success()
}

// MetricFail records a failed operation with no particular reason.
func MetricFail(topic, name string) {
	GetInstance().result(metricKey(topic, name)).failure("")
}

// MetricFailWithReason records a failed operation under a reason label.
func MetricFailWithReason(topic, name, reason string) {
	GetInstance().result(metricKey(topic, name)).failure(reason)
}

// MetricOutcome counts one occurrence of a discrete outcome value.
func MetricOutcome(topic, name, value string) {
	GetInstance().outcome(metricKey(topic, name)).record(value)
}
