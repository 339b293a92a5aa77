// lifecycle.go is the service supervisor. Components register under a
// start priority and are started in ascending order, stopped in reverse.
// A failed start rolls back the services already running: a half-started
// agent would keep polling without being able to act on what it sees.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bobbyswhip/x402c/log"
)

// ServiceState is the lifecycle state of a supervised service.
type ServiceState int

const (
	StateCreated  ServiceState = iota // registered but not started
	StateStarting                     // start in progress
	StateRunning                      // running normally
	StateStopping                     // stop in progress
	StateStopped                      // stopped cleanly
	StateFailed                       // failed to start
)

// String returns a human-readable name for the state.
func (s ServiceState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Service is a subsystem the supervisor starts and stops.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
}

// serviceEntry tracks one registered service and its state.
type serviceEntry struct {
	svc       Service
	state     ServiceState
	startedAt time.Time
	err       error
	priority  int // lower starts first
}

// Supervisor starts registered services in priority order and stops them
// in reverse. Registration order breaks priority ties.
type Supervisor struct {
	logger *log.Logger

	mu      sync.Mutex
	entries []*serviceEntry
	byName  map[string]*serviceEntry
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor(logger *log.Logger) *Supervisor {
	return &Supervisor{
		logger: logger.Module("supervisor"),
		byName: make(map[string]*serviceEntry),
	}
}

// Register adds a service under the given start priority. Lower values
// start first. Names must be unique.
func (s *Supervisor) Register(svc Service, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := svc.Name()
	if _, exists := s.byName[name]; exists {
		return fmt.Errorf("service %q already registered", name)
	}
	entry := &serviceEntry{svc: svc, state: StateCreated, priority: priority}
	s.entries = append(s.entries, entry)
	s.byName[name] = entry
	return nil
}

// StartAll starts every registered service in ascending priority order.
// The first failure stops the services already running, in reverse
// order, and is returned wrapped with the service name.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := s.sorted()
	for i, entry := range ordered {
		entry.state = StateStarting
		if err := entry.svc.Start(ctx); err != nil {
			entry.state = StateFailed
			entry.err = err
			s.stopEntries(ordered[:i])
			return fmt.Errorf("start %s: %w", entry.svc.Name(), err)
		}
		entry.state = StateRunning
		entry.startedAt = time.Now()
		s.logger.Debug("service started", "service", entry.svc.Name(), "priority", entry.priority)
	}
	return nil
}

// StopAll stops every running service in descending priority order.
// Services that never started are skipped.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopEntries(s.sorted())
}

// stopEntries stops the running entries in reverse slice order. Caller
// holds s.mu.
func (s *Supervisor) stopEntries(ordered []*serviceEntry) {
	for i := len(ordered) - 1; i >= 0; i-- {
		entry := ordered[i]
		if entry.state != StateRunning {
			continue
		}
		entry.state = StateStopping
		entry.svc.Stop()
		entry.state = StateStopped
		s.logger.Debug("service stopped", "service", entry.svc.Name())
	}
}

// State returns the current state of the named service, StateFailed when
// no such service is registered.
func (s *Supervisor) State(name string) ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.byName[name]
	if !ok {
		return StateFailed
	}
	return entry.state
}

// ServiceCount returns the number of registered services.
func (s *Supervisor) ServiceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RunningCount returns the number of services currently running.
func (s *Supervisor) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, entry := range s.entries {
		if entry.state == StateRunning {
			n++
		}
	}
	return n
}

// ServiceNames returns the registered names in start order.
func (s *Supervisor) ServiceNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ordered := s.sorted()
	names := make([]string, len(ordered))
	for i, entry := range ordered {
		names[i] = entry.svc.Name()
	}
	return names
}

// sorted returns the entries in ascending priority order, registration
// order within a tier. Caller holds s.mu.
func (s *Supervisor) sorted() []*serviceEntry {
	ordered := make([]*serviceEntry, len(s.entries))
	copy(ordered, s.entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].priority < ordered[j].priority
	})
	return ordered
}

// svc adapts start and stop funcs to the Service interface under a fixed
// name. The wired components expose the right methods but not names.
type svc struct {
	name  string
	start func(context.Context) error
	stop  func()
}

func (s svc) Name() string { return s.name }

func (s svc) Start(ctx context.Context) error { return s.start(ctx) }

func (s svc) Stop() { s.stop() }
