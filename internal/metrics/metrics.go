/*
 * Copyright 2025 Cong Wang
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amtp-protocol/a2a-gateway/internal/cache"
	"github.com/amtp-protocol/a2a-gateway/internal/queue"
)

const namespace = "a2a"

// Provider is what the server and the runtime components record into.
// It covers the observer interfaces of the dispatcher, queue and hub.
type Provider interface {
	RecordHTTPRequest(method, path string, statusCode int, duration time.Duration)
	IncHTTPRequestsInFlight()
	DecHTTPRequestsInFlight()
	ObserveCall(method, code string, duration time.Duration)
	ObserveRejection(reason string, tier string)
	ObserveJob(job *queue.Job, duration time.Duration)
	ConnectionsChanged(n int)
	BroadcastFailed()
	RecordError(component, errorCode string)
}

// Metrics holds all Prometheus metrics on a private registry
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// RPC metrics
	CallsTotal   *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec
	Rejections   *prometheus.CounterVec

	// Job metrics
	JobsTotal   *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	// Streaming metrics
	StreamConnections prometheus.Gauge
	BroadcastFailures prometheus.Counter

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
		),

		CallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_calls_total",
				Help:      "Total number of protocol calls by method and outcome code",
			},
			[]string{"method", "code"},
		),
		CallDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rpc_call_duration_seconds",
				Help:      "Protocol call duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"method"},
		),
		Rejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_rejections_total",
				Help:      "Calls rejected by the rate limiter or concurrency cap",
			},
			[]string{"reason", "tier"},
		),

		JobsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Job attempts by resulting status",
			},
			[]string{"status", "priority"},
		),
		JobDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Audit execution time in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),

		StreamConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stream_connections",
				Help:      "Open streaming connections",
			},
		),
		BroadcastFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_broadcast_failures_total",
				Help:      "Events dropped because a subscriber could not keep up",
			},
		),

		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"component", "error_code"},
		),
	}
}

// Registry exposes the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WatchQueue exports the per-lane depth of q, read at scrape time
func (m *Metrics) WatchQueue(q *queue.Queue) {
	for _, p := range queue.Priorities {
		p := p
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "queue_depth",
				Help:        "Pending jobs per priority lane",
				ConstLabels: prometheus.Labels{"priority": string(p)},
			},
			func() float64 {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				return float64(q.Stats(ctx).Depth[p])
			},
		))
	}
}

// WatchCache exports hit, miss and size figures of c
func (m *Metrics) WatchCache(c *cache.Cache) {
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hits_total", Help: "Result cache hits",
		}, func() float64 { return float64(c.Stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_misses_total", Help: "Result cache misses",
		}, func() float64 { return float64(c.Stats().Misses) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_bytes", Help: "Bytes held by the result cache",
		}, func() float64 { return float64(c.Stats().Bytes) }),
	)
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// IncHTTPRequestsInFlight increments in-flight HTTP requests
func (m *Metrics) IncHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Inc()
}

// DecHTTPRequestsInFlight decrements in-flight HTTP requests
func (m *Metrics) DecHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Dec()
}

// ObserveCall records a dispatched protocol call
func (m *Metrics) ObserveCall(method, code string, duration time.Duration) {
	m.CallsTotal.WithLabelValues(method, code).Inc()
	m.CallDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveRejection records an admission rejection
func (m *Metrics) ObserveRejection(reason string, tier string) {
	m.Rejections.WithLabelValues(reason, tier).Inc()
}

// ObserveJob records one execution attempt. A job put back for retry
// is counted as "retried".
func (m *Metrics) ObserveJob(job *queue.Job, duration time.Duration) {
	status := string(job.Status)
	if job.Status == queue.StatusPending {
		status = "retried"
	}
	m.JobsTotal.WithLabelValues(status, string(job.Priority)).Inc()
	m.JobDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// ConnectionsChanged sets the open stream connection count
func (m *Metrics) ConnectionsChanged(n int) {
	m.StreamConnections.Set(float64(n))
}

// BroadcastFailed counts a dropped event
func (m *Metrics) BroadcastFailed() {
	m.BroadcastFailures.Inc()
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, errorCode string) {
	m.ErrorsTotal.WithLabelValues(component, errorCode).Inc()
}
