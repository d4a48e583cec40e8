package core

import "time"

// MetricsRecorder receives engine, scheduler and notification events. The
// metrics package provides a Prometheus-backed implementation; the zero
// recorder discards everything.
type MetricsRecorder interface {
	RecordRunStarted(jobName string)
	RecordRunCompleted(jobName, status string, duration time.Duration)
	RecordRetry(jobName string, attempt int)
	RecordScheduleDispatch()
	RecordNotification(channelType string, success bool)
}

type noopMetrics struct{}

func (noopMetrics) RecordRunStarted(string)                         {}
func (noopMetrics) RecordRunCompleted(string, string, time.Duration) {}
func (noopMetrics) RecordRetry(string, int)                         {}
func (noopMetrics) RecordScheduleDispatch()                         {}
func (noopMetrics) RecordNotification(string, bool)                 {}

// NoopMetrics returns a recorder that discards all events.
func NoopMetrics() MetricsRecorder { return noopMetrics{} }
