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
	"encoding/json"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amtp-protocol/a2a-gateway/internal/queue"
)

// SimpleMetrics is an in-memory Provider used when Prometheus export is
// disabled. ToJSON renders a snapshot.
type SimpleMetrics struct {
	mu sync.RWMutex

	// HTTP metrics
	httpRequests  map[string]int64
	httpDurations map[string][]float64
	httpInFlight  int64

	// RPC metrics
	calls         map[string]int64
	callDurations map[string][]float64
	rejections    map[string]int64

	// Job metrics
	jobs         map[string]int64
	jobDurations map[string][]float64

	// Streaming metrics
	connections       int64
	broadcastFailures int64

	// Error metrics
	errors map[string]int64

	// Timestamps
	startTime  time.Time
	lastUpdate time.Time
}

// NewSimpleMetrics creates a new simple metrics instance
func NewSimpleMetrics() *SimpleMetrics {
	return &SimpleMetrics{
		httpRequests:  make(map[string]int64),
		httpDurations: make(map[string][]float64),
		calls:         make(map[string]int64),
		callDurations: make(map[string][]float64),
		rejections:    make(map[string]int64),
		jobs:          make(map[string]int64),
		jobDurations:  make(map[string][]float64),
		errors:        make(map[string]int64),
		startTime:     time.Now(),
		lastUpdate:    time.Now(),
	}
}

// RecordHTTPRequest records HTTP request metrics
func (m *SimpleMetrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := method + ":" + path + ":" + strconv.Itoa(statusCode)
	m.httpRequests[key]++
	m.httpDurations[key] = append(m.httpDurations[key], duration.Seconds())
	m.lastUpdate = time.Now()
}

// IncHTTPRequestsInFlight increments in-flight HTTP requests
func (m *SimpleMetrics) IncHTTPRequestsInFlight() {
	atomic.AddInt64(&m.httpInFlight, 1)
}

// DecHTTPRequestsInFlight decrements in-flight HTTP requests
func (m *SimpleMetrics) DecHTTPRequestsInFlight() {
	atomic.AddInt64(&m.httpInFlight, -1)
}

// ObserveCall records a dispatched protocol call
func (m *SimpleMetrics) ObserveCall(method, code string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[method+":"+code]++
	m.callDurations[method] = append(m.callDurations[method], duration.Seconds())
	m.lastUpdate = time.Now()
}

// ObserveRejection records an admission rejection
func (m *SimpleMetrics) ObserveRejection(reason string, tier string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rejections[reason+":"+tier]++
	m.lastUpdate = time.Now()
}

// ObserveJob records one execution attempt
func (m *SimpleMetrics) ObserveJob(job *queue.Job, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := string(job.Status)
	if job.Status == queue.StatusPending {
		status = "retried"
	}
	m.jobs[status]++
	m.jobDurations[status] = append(m.jobDurations[status], duration.Seconds())
	m.lastUpdate = time.Now()
}

// ConnectionsChanged sets the open stream connection count
func (m *SimpleMetrics) ConnectionsChanged(n int) {
	atomic.StoreInt64(&m.connections, int64(n))
}

// BroadcastFailed counts a dropped event
func (m *SimpleMetrics) BroadcastFailed() {
	atomic.AddInt64(&m.broadcastFailures, 1)
}

// RecordError records error metrics
func (m *SimpleMetrics) RecordError(component, errorCode string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.errors[component+":"+errorCode]++
	m.lastUpdate = time.Now()
}

// ToJSON exports metrics as JSON
func (m *SimpleMetrics) ToJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	data := map[string]interface{}{
		"timestamp":      m.lastUpdate.Unix(),
		"uptime_seconds": time.Since(m.startTime).Seconds(),
		"http": map[string]interface{}{
			"requests":  m.httpRequests,
			"durations": calculateStats(m.httpDurations),
			"in_flight": atomic.LoadInt64(&m.httpInFlight),
		},
		"rpc": map[string]interface{}{
			"calls":      m.calls,
			"durations":  calculateStats(m.callDurations),
			"rejections": m.rejections,
		},
		"jobs": map[string]interface{}{
			"total":     m.jobs,
			"durations": calculateStats(m.jobDurations),
		},
		"streaming": map[string]interface{}{
			"connections":        atomic.LoadInt64(&m.connections),
			"broadcast_failures": atomic.LoadInt64(&m.broadcastFailures),
		},
		"system": map[string]interface{}{
			"memory_usage_bytes": memStats.Alloc,
			"memory_total_bytes": memStats.TotalAlloc,
			"goroutines_active":  runtime.NumGoroutine(),
			"gc_cycles":          memStats.NumGC,
		},
		"errors": m.errors,
	}

	return json.Marshal(data)
}

// calculateStats calculates basic statistics for duration arrays
func calculateStats(data map[string][]float64) map[string]interface{} {
	stats := make(map[string]interface{})

	for key, values := range data {
		if len(values) == 0 {
			continue
		}

		sum := 0.0
		lo := values[0]
		hi := values[0]
		for _, v := range values {
			sum += v
			lo = min(lo, v)
			hi = max(hi, v)
		}

		stats[key] = map[string]interface{}{
			"count": len(values),
			"sum":   sum,
			"avg":   sum / float64(len(values)),
			"min":   lo,
			"max":   hi,
		}
	}

	return stats
}
