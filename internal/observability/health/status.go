package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// HealthStatus represents the health status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// DefaultCheckTimeout bounds a single dependency check
const DefaultCheckTimeout = 2 * time.Second

// CheckFunc probes one dependency
type CheckFunc func(ctx context.Context) error

// HealthResult represents the result of a health check
type HealthResult struct {
	Name     string        `json:"name"`
	Status   HealthStatus  `json:"status"`
	Critical bool          `json:"critical"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// SystemStatus represents overall system health
type SystemStatus struct {
	OverallStatus  HealthStatus   `json:"status"`
	Checks         []HealthResult `json:"checks"`
	CriticalIssues []string       `json:"critical_issues,omitempty"`
	CheckedAt      time.Time      `json:"checked_at"`
	Uptime         string         `json:"uptime"`
}

type registeredCheck struct {
	fn       CheckFunc
	critical bool
}

// Monitor runs dependency checks on demand. A failing critical check makes
// the service unhealthy; any other failure only degrades it.
type Monitor struct {
	logger    *logrus.Logger
	timeout   time.Duration
	startTime time.Time

	mu     sync.RWMutex
	checks map[string]registeredCheck
}

// NewMonitor creates a new health monitor
func NewMonitor(timeout time.Duration, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &Monitor{
		logger:    logger,
		timeout:   timeout,
		startTime: time.Now(),
		checks:    make(map[string]registeredCheck),
	}
}

// RegisterCheck registers a named dependency check
func (m *Monitor) RegisterCheck(name string, fn CheckFunc, critical bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checks[name] = registeredCheck{fn: fn, critical: critical}
	m.logger.WithFields(logrus.Fields{
		"check":    name,
		"critical": critical,
	}).Debug("Registered health check")
}

// Check runs every registered check concurrently and aggregates the results
func (m *Monitor) Check(ctx context.Context) *SystemStatus {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	checks := make(map[string]registeredCheck, len(m.checks))
	for k, v := range m.checks {
		checks[k] = v
	}
	m.mu.RUnlock()
	sort.Strings(names)

	results := make([]HealthResult, len(names))
	var g errgroup.Group
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			results[i] = m.execute(ctx, name, checks[name])
			return nil
		})
	}
	_ = g.Wait()

	status := &SystemStatus{
		OverallStatus: StatusHealthy,
		Checks:        results,
		CheckedAt:     time.Now().UTC(),
		Uptime:        time.Since(m.startTime).Round(time.Second).String(),
	}
	for _, r := range results {
		if r.Status == StatusHealthy {
			continue
		}
		if r.Critical {
			status.CriticalIssues = append(status.CriticalIssues, r.Name)
			status.OverallStatus = StatusUnhealthy
		} else if status.OverallStatus == StatusHealthy {
			status.OverallStatus = StatusDegraded
		}
	}
	return status
}

func (m *Monitor) execute(ctx context.Context, name string, check registeredCheck) HealthResult {
	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	err := check.fn(checkCtx)
	result := HealthResult{
		Name:     name,
		Status:   StatusHealthy,
		Critical: check.critical,
		Duration: time.Since(start),
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
		m.logger.WithError(err).WithFields(logrus.Fields{
			"check":    name,
			"critical": check.critical,
		}).Warn("Health check failed")
	}
	return result
}
