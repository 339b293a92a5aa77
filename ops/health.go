// health.go aggregates per-service health into the report served on the
// /health endpoint. Services register a checker; the report carries the
// worst status observed across them.
package ops

import (
	"sync"
	"time"
)

// Status values a service can report.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ServiceChecker reports the current health of one service.
type ServiceChecker interface {
	Check() *ServiceHealth
}

// CheckFunc adapts a plain function to the ServiceChecker interface.
type CheckFunc func() *ServiceHealth

func (f CheckFunc) Check() *ServiceHealth { return f() }

// ServiceHealth is one service's entry in the report. Name and LastCheck
// are stamped by the checker runner, so checkers only fill Status and
// Message.
type ServiceHealth struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LastCheck int64  `json:"lastCheck"`
	LatencyNs int64  `json:"latencyNs"`
}

// HealthReport is the aggregate served over HTTP. Status is healthy only
// when every service is, degraded when any service is degraded and none
// unhealthy, and unhealthy otherwise.
type HealthReport struct {
	Status        string           `json:"status"`
	Services      []*ServiceHealth `json:"services,omitempty"`
	CheckedAt     int64            `json:"checkedAt"`
	UptimeSeconds int64            `json:"uptimeSeconds"`
}

// HealthChecker runs registered service checkers and merges their results.
// Safe for concurrent use.
type HealthChecker struct {
	mu        sync.RWMutex
	checkers  map[string]ServiceChecker
	order     []string
	startTime int64
}

// NewHealthChecker creates a checker with no registered services.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checkers:  make(map[string]ServiceChecker),
		startTime: time.Now().Unix(),
	}
}

// Register adds a named service checker, replacing any previous checker
// under the same name. Registration order is the report order.
func (hc *HealthChecker) Register(name string, checker ServiceChecker) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if _, exists := hc.checkers[name]; !exists {
		hc.order = append(hc.order, name)
	}
	hc.checkers[name] = checker
}

// CheckAll runs every registered checker in registration order and returns
// the merged report. A checker returning nil marks its service unhealthy.
func (hc *HealthChecker) CheckAll() *HealthReport {
	hc.mu.RLock()
	names := make([]string, len(hc.order))
	copy(names, hc.order)
	checkers := make(map[string]ServiceChecker, len(hc.checkers))
	for k, v := range hc.checkers {
		checkers[k] = v
	}
	startTime := hc.startTime
	hc.mu.RUnlock()

	now := time.Now().Unix()
	report := &HealthReport{
		Status:        StatusHealthy,
		CheckedAt:     now,
		UptimeSeconds: now - startTime,
	}
	for _, name := range names {
		start := time.Now()
		health := checkers[name].Check()
		latency := time.Since(start).Nanoseconds()

		if health == nil {
			health = &ServiceHealth{Status: StatusUnhealthy}
		}
		health.Name = name
		health.LastCheck = now
		health.LatencyNs = latency
		report.Services = append(report.Services, health)

		switch health.Status {
		case StatusUnhealthy:
			report.Status = StatusUnhealthy
		case StatusDegraded:
			if report.Status != StatusUnhealthy {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

// IsHealthy reports whether every registered service is healthy. An empty
// checker is healthy.
func (hc *HealthChecker) IsHealthy() bool {
	return hc.CheckAll().Status == StatusHealthy
}

// ServiceNames returns the registered service names in registration order.
func (hc *HealthChecker) ServiceNames() []string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	names := make([]string, len(hc.order))
	copy(names, hc.order)
	return names
}

// Uptime returns seconds since the checker was created.
func (hc *HealthChecker) Uptime() int64 {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return time.Now().Unix() - hc.startTime
}
