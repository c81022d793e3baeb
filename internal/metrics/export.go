package metrics

import "time"

// Package-level helpers for dot-import usage.

// MetricInc increments a counter by 1.
func MetricInc(topic, name string) {
	GetInstance().Add(topic, name, 1)
}

// MetricSet sets a gauge.
func MetricSet(topic, name string, value int64) {
	GetInstance().Set(topic, name, value)
}

// MetricSince records the time elapsed since start.
func MetricSince(topic, name string, start time.Time) {
	GetInstance().Duration(topic, name, time.Since(start))
}

// MetricSuccess records a successful operation.
func MetricSuccess(topic, op string) {
	GetInstance().Success(topic, op)
}

// MetricFail records a failed operation with an optional reason.
func MetricFail(topic, op, reason string) {
	GetInstance().Failure(topic, op, reason)
}
