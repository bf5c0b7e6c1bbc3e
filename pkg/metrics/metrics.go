// Package metrics registers Prometheus collectors, tolerating repeated
// registration when several components or tests share the default registry.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "nanoscale"

// CounterVec registers a counter vector or returns the one already registered under the same name.
func CounterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	if opts.Namespace == "" {
		opts.Namespace = Namespace
	}
	c := prometheus.NewCounterVec(opts, labels)
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

// HistogramVec registers a histogram vector or returns the existing one.
func HistogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	if opts.Namespace == "" {
		opts.Namespace = Namespace
	}
	if len(opts.Buckets) == 0 {
		opts.Buckets = DefaultBuckets
	}
	h := prometheus.NewHistogramVec(opts, labels)
	if err := prometheus.Register(h); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return h
}

// GaugeVec registers a gauge vector or returns the existing one.
func GaugeVec(opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	if opts.Namespace == "" {
		opts.Namespace = Namespace
	}
	g := prometheus.NewGaugeVec(opts, labels)
	if err := prometheus.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing
			}
		}
	}
	return g
}

// DefaultBuckets covers request latencies from 10ms to 10s.
var DefaultBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// LongBuckets covers deploy durations from one second to half an hour.
var LongBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800}
