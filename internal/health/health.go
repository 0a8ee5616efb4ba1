// Package health runs component checks and serves liveness and readiness
// probes. A critical check failing marks the service unhealthy; non-critical
// failures only degrade it.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Check statuses.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	default:
		return "unhealthy"
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "healthy":
		*s = StatusHealthy
	case "degraded":
		*s = StatusDegraded
	default:
		*s = StatusUnhealthy
	}
	return nil
}

// Result is the outcome of one check.
type Result struct {
	Component string        `json:"component"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	LatencyMS int64         `json:"latency_ms"`
	Critical  bool          `json:"critical"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"-"`
}

// Checker is one component probe.
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
	IsCritical() bool
	Timeout() time.Duration
}

// Overall is the aggregated service view.
type Overall struct {
	Status    Status    `json:"status"`
	Ready     bool      `json:"ready"`
	Checks    []Result  `json:"checks"`
	Timestamp time.Time `json:"timestamp"`
}

// Manager runs registered checkers.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	logger   *zap.Logger
}

// NewManager builds an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{checkers: make(map[string]Checker), logger: logger}
}

// Register adds a checker, replacing any with the same name.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[c.Name()] = c
}

// Unregister removes a checker by name.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkers, name)
}

// Check runs all checkers and aggregates. The overall status is the worst
// critical result; non-critical failures cap the status at degraded.
func (m *Manager) Check(ctx context.Context) Overall {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	checkers := make([]Checker, 0, len(names))
	for _, name := range names {
		checkers = append(checkers, m.checkers[name])
	}
	m.mu.RUnlock()

	overall := Overall{Status: StatusHealthy, Ready: true, Timestamp: time.Now()}
	for _, c := range checkers {
		cctx, cancel := context.WithTimeout(ctx, c.Timeout())
		result := c.Check(cctx)
		cancel()
		overall.Checks = append(overall.Checks, result)

		switch {
		case result.Status == StatusUnhealthy && c.IsCritical():
			overall.Status = StatusUnhealthy
			overall.Ready = false
		case result.Status != StatusHealthy && overall.Status == StatusHealthy:
			overall.Status = StatusDegraded
		}
		if result.Status != StatusHealthy {
			m.logger.Warn("Health check not healthy",
				zap.String("component", result.Component),
				zap.String("status", result.Status.String()),
				zap.String("error", result.Error))
		}
	}
	return overall
}

// LivenessHandler always reports alive while the process serves requests.
func (m *Manager) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}
}

// ReadinessHandler runs the checks; 503 when any critical component is down.
func (m *Manager) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overall := m.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !overall.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(overall)
	}
}
