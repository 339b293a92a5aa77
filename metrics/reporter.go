// reporter.go provides periodic export of metric values to pluggable
// backends (e.g. a structured-log heartbeat, a push gateway).
package metrics

import (
	"sync"
	"time"
)

// ReportBackend is the interface that export backends must implement.
// Report is called periodically with a snapshot of all current metric values.
type ReportBackend interface {
	Report(metrics map[string]float64) error
}

// MetricsReporter periodically collects metric values and pushes them to
// one or more registered backends. When constructed with a Registry it
// includes every registered counter, gauge and histogram mean in each
// report; ad-hoc values recorded with RecordMetric are merged on top.
type MetricsReporter struct {
	mu       sync.RWMutex
	interval time.Duration
	registry *Registry
	backends map[string]ReportBackend
	metrics  map[string]float64

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewMetricsReporter creates a reporter that exports metrics every interval.
// A nil registry is allowed; the reporter then only exports ad-hoc values.
func NewMetricsReporter(interval time.Duration, registry *Registry) *MetricsReporter {
	return &MetricsReporter{
		interval: interval,
		registry: registry,
		backends: make(map[string]ReportBackend),
		metrics:  make(map[string]float64),
	}
}

// RegisterBackend adds a named export backend. If a backend with the same
// name already exists it is replaced.
func (r *MetricsReporter) RegisterBackend(name string, backend ReportBackend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = backend
}

// UnregisterBackend removes a previously registered backend by name.
func (r *MetricsReporter) UnregisterBackend(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.backends, name)
}

// RecordMetric stores a metric value that will be included in subsequent
// reports. Concurrent-safe.
func (r *MetricsReporter) RecordMetric(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[name] = value
}

// RecordTimer records a duration metric in milliseconds.
func (r *MetricsReporter) RecordTimer(name string, duration time.Duration) {
	r.RecordMetric(name, float64(duration.Milliseconds()))
}

// Snapshot returns a point-in-time copy of all metric values that would be
// reported: registry values first, ad-hoc values layered on top.
func (r *MetricsReporter) Snapshot() map[string]float64 {
	snap := make(map[string]float64)

	if r.registry != nil {
		for name, v := range r.registry.Snapshot() {
			switch val := v.(type) {
			case int64:
				snap[name] = float64(val)
			case map[string]interface{}:
				// Histograms flatten to their mean.
				if mean, ok := val["mean"].(float64); ok {
					snap[name] = mean
				}
			}
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, v := range r.metrics {
		snap[k] = v
	}
	return snap
}

// Start begins periodic reporting. It is safe to call Start on an already
// running reporter (it is a no-op).
func (r *MetricsReporter) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	go r.loop()
}

// Stop halts periodic reporting and blocks until the reporting goroutine
// exits. Safe to call on a stopped reporter (no-op).
func (r *MetricsReporter) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	<-r.doneCh
}

// Running returns true if the reporter is actively exporting.
func (r *MetricsReporter) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// loop is the main export goroutine. It ticks at the configured interval
// and calls every registered backend with the current snapshot.
func (r *MetricsReporter) loop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.reportOnce()
		}
	}
}

// reportOnce takes a snapshot and sends it to all backends. A failing
// backend does not block the others.
func (r *MetricsReporter) reportOnce() {
	snap := r.Snapshot()

	r.mu.RLock()
	backends := make([]ReportBackend, 0, len(r.backends))
	for _, b := range r.backends {
		backends = append(backends, b)
	}
	r.mu.RUnlock()

	for _, b := range backends {
		_ = b.Report(snap)
	}
}
