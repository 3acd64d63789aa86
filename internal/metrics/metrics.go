// Package metrics holds the Prometheus collectors exposed on /metrics.
//
// Label values:
//   - imposter: the imposter port
//   - type: is, proxy, inject, fault
//   - mode: proxyOnce, proxyAlways, proxyTransparent
//   - stage: wait, copy, lookup, shellTransform, decorate
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts requests received by imposters.
	// Labels: imposter
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mb_imposter_requests_total",
		Help: "Requests received by imposters",
	}, []string{"imposter"})

	// ResponsesTotal counts resolved responses by response type.
	// Labels: type
	ResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mb_responses_total",
		Help: "Responses resolved per response type",
	}, []string{"type"})

	// ProxyRecordingsTotal counts responses recorded through proxies.
	// Labels: mode
	ProxyRecordingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mb_proxy_recordings_total",
		Help: "Proxied responses by recording mode",
	}, []string{"mode"})

	// BehaviorDuration tracks time spent in each behavior stage.
	// Labels: stage
	BehaviorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mb_behavior_duration_seconds",
		Help:    "Time spent applying response behaviors",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	// ValidationFailuresTotal counts imposter configurations rejected by the
	// dry-run validator.
	ValidationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mb_validation_failures_total",
		Help: "Imposter configurations rejected during validation",
	})

	// ImpostersActive is the number of running imposters
	ImpostersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mb_imposters_active",
		Help: "Number of running imposters",
	})
)
