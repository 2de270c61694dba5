package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestCounterAndGauge(t *testing.T) {
	MetricInc("test", "counter_a")
	MetricAdd("test", "counter_a", 4)
	MetricSet("test", "gauge_a", 17)
	MetricSet("test", "gauge_a", 9)

	snap := GetInstance().GetSnapshot()
	if got := snap["test/counter_a"]; got == nil || got.Value != 5 {
		t.Errorf("counter_a = %+v, want value 5", got)
	}
	if got := snap["test/gauge_a"]; got == nil || got.Value != 9 {
		t.Errorf("gauge_a = %+v, want value 9", got)
	}
}

func TestTimingAggregates(t *testing.T) {
	MetricDuration("test", "timing_a", 10*time.Millisecond)
	MetricDuration("test", "timing_a", 30*time.Millisecond)

	snap := GetInstance().GetSnapshot()
	got := snap["test/timing_a"]
	if got == nil {
		t.Fatal("timing_a missing from snapshot")
	}
	if got.Count != 2 || got.MinMs != 10 || got.MaxMs != 30 || got.LastMs != 30 {
		t.Errorf("timing_a = %+v", got)
	}
	if got.AvgMs != 20 {
		t.Errorf("avg = %v, want 20", got.AvgMs)
	}
}

func TestCacheHitRate(t *testing.T) {
	MetricHit("test", "cache_a")
	MetricHit("test", "cache_a")
	MetricMiss("test", "cache_a")

	got := GetInstance().GetSnapshot()["test/cache_a"]
	if got == nil || got.Hits != 2 || got.Misses != 1 {
		t.Fatalf("cache_a = %+v", got)
	}
	if got.HitRate < 0.66 || got.HitRate > 0.67 {
		t.Errorf("hit rate = %v", got.HitRate)
	}
}

func TestResultReasons(t *testing.T) {
	MetricSuccess("test", "result_a")
	MetricFail("test", "result_a")
	MetricFailWithReason("test", "result_a", "timeout")
	MetricFailWithReason("test", "result_a", "timeout")

	got := GetInstance().GetSnapshot()["test/result_a"]
	if got == nil || got.Ok != 1 || got.Failed != 3 {
		t.Fatalf("result_a = %+v", got)
	}
	if got.Reasons["timeout"] != 2 {
		t.Errorf("reasons = %v", got.Reasons)
	}
	if _, present := got.Reasons[""]; present {
		t.Error("empty reason should not be tracked")
	}
}

func TestOutcomeCounts(t *testing.T) {
	MetricOutcome("test", "outcome_a", "done")
	MetricOutcome("test", "outcome_a", "done")
	MetricOutcome("test", "outcome_a", "clarification")

	got := GetInstance().GetSnapshot()["test/outcome_a"]
	if got == nil || got.Outcomes["done"] != 2 || got.Outcomes["clarification"] != 1 {
		t.Errorf("outcome_a = %+v", got)
	}
}

func TestStartAutoLabelsCaller(t *testing.T) {
	done := MetricStartAuto("test")
	time.Sleep(time.Millisecond)
	done()

	snap := GetInstance().GetSnapshot()
	found := ""
	for key, s := range snap {
		if strings.HasPrefix(key, "test/") && s.Type == "timing" && strings.Contains(key, "TestStartAutoLabelsCaller") {
			found = key
		}
	}
	if found == "" {
		t.Fatalf("no timing recorded under the test function name; keys: %v", keysOf(snap))
	}
	if snap[found].Count < 1 || snap[found].LastMs <= 0 {
		t.Errorf("%s = %+v", found, snap[found])
	}
}

func keysOf(m map[string]*MetricSnapshot) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
