package metrics

import "time"

// Convenience functions over the global manager.

// MetricDuration records a duration
func MetricDuration(topic, function string, duration time.Duration) {
	GetInstance().RecordDuration(topic, function, duration)
}

// MetricSince records time.Since(start)
func MetricSince(topic, function string, start time.Time) {
	MetricDuration(topic, function, time.Since(start))
}

// MetricHit records a cache hit
func MetricHit(topic, function string) {
	GetInstance().RecordHit(topic, function)
}

// MetricMiss records a cache miss
func MetricMiss(topic, function string) {
	GetInstance().RecordMiss(topic, function)
}

// MetricInc increments a counter
func MetricInc(topic, function string) {
	GetInstance().AddCounter(topic, function, 1)
}

// MetricAdd adds to a counter
func MetricAdd(topic, function string, delta int64) {
	GetInstance().AddCounter(topic, function, delta)
}

// MetricSet sets a gauge value
func MetricSet(topic, function string, value int64) {
	GetInstance().SetGauge(topic, function, value)
}

// MetricSuccess records a successful operation
func MetricSuccess(topic, operation string) {
	GetInstance().RecordSuccess(topic, operation)
}

// MetricFail records a failed operation
func MetricFail(topic, operation string) {
	GetInstance().RecordFailure(topic, operation, "")
}

// MetricFailWithReason records a failed operation with a reason
func MetricFailWithReason(topic, operation, reason string) {
	GetInstance().RecordFailure(topic, operation, reason)
}

// MetricOutcome records an outcome
func MetricOutcome(topic, operation, outcome string) {
	GetInstance().RecordOutcome(topic, operation, outcome)
}
