package dma

import (
	"github.com/rcrowley/go-metrics"
)

type channelMetrics struct {
	transfers   metrics.Counter
	bytes       metrics.Counter
	errors      metrics.Counter
	timeouts    metrics.Counter
	descriptors metrics.Counter
	abandoned   metrics.Counter
	queueDepth  metrics.Gauge
	latency     metrics.Timer
}

func newChannelMetrics(r metrics.Registry, prefix string) *channelMetrics {
	return &channelMetrics{
		transfers:   metrics.GetOrRegisterCounter(prefix+".transfers", r),
		bytes:       metrics.GetOrRegisterCounter(prefix+".bytes", r),
		errors:      metrics.GetOrRegisterCounter(prefix+".errors", r),
		timeouts:    metrics.GetOrRegisterCounter(prefix+".timeouts", r),
		descriptors: metrics.GetOrRegisterCounter(prefix+".descriptors", r),
		abandoned:   metrics.GetOrRegisterCounter(prefix+".abandoned", r),
		queueDepth:  metrics.GetOrRegisterGauge(prefix+".queue_depth", r),
		latency:     metrics.GetOrRegisterTimer(prefix+".latency", r),
	}
}
