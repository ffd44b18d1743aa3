// Package health runs component checks and serves liveness, readiness and
// metrics endpoints for the shapesync processes.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Status is a component's health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration_ms"`
	LastCheck time.Time     `json:"last_check"`
	Error     string        `json:"error,omitempty"`
}

// Checker checks one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager runs registered checks concurrently, each under its own timeout.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	results  map[string]CheckResult
	timeout  time.Duration
	logger   *slog.Logger
}

// NewManager creates a Manager. A non-positive timeout defaults to 5s.
func NewManager(timeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Manager{
		results: make(map[string]CheckResult),
		timeout: timeout,
		logger:  logger.With("component", "health-manager"),
	}
}

// Register adds a checker.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
	m.logger.Debug("registered health checker", "name", c.Name())
}

// CheckAll runs every check and records the results.
func (m *Manager) CheckAll(ctx context.Context) map[string]CheckResult {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	results := make(map[string]CheckResult, len(checkers))
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			r := c.Check(checkCtx)
			rmu.Lock()
			results[c.Name()] = r
			rmu.Unlock()
		}(c)
	}
	wg.Wait()

	m.mu.Lock()
	for name, r := range results {
		m.results[name] = r
	}
	m.mu.Unlock()
	return results
}

// LastResult returns the most recent result for name.
func (m *Manager) LastResult(name string) (CheckResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[name]
	return r, ok
}

// Overall aggregates component results. Unhealthy beats unknown beats
// degraded beats healthy.
type Overall struct {
	Status     Status                 `json:"status"`
	Components map[string]CheckResult `json:"components"`
	Failing    []string               `json:"failing,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

var severity = map[Status]int{
	StatusHealthy:   0,
	StatusDegraded:  1,
	StatusUnknown:   2,
	StatusUnhealthy: 3,
}

// Overall runs every check and aggregates the results.
func (m *Manager) Overall(ctx context.Context) Overall {
	results := m.CheckAll(ctx)
	o := Overall{Status: StatusHealthy, Components: results, Timestamp: time.Now()}
	for name, r := range results {
		if severity[r.Status] > severity[o.Status] {
			o.Status = r.Status
		}
		if r.Status == StatusUnhealthy {
			o.Failing = append(o.Failing, name)
		}
	}
	sort.Strings(o.Failing)
	return o
}

// Ready reports whether every component is healthy or degraded.
func (m *Manager) Ready(ctx context.Context) bool {
	s := m.Overall(ctx).Status
	return s == StatusHealthy || s == StatusDegraded
}

// PingChecker reports a dependency as unhealthy when ping fails.
type PingChecker struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingChecker wraps a ping function, such as pgxpool.Pool.Ping.
func NewPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

func (c *PingChecker) Name() string { return c.name }

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	r := CheckResult{Name: c.name, LastCheck: start, Status: StatusHealthy, Message: "reachable"}
	if err := c.ping(ctx); err != nil {
		r.Status = StatusUnhealthy
		r.Message = "unreachable"
		r.Error = err.Error()
	}
	r.Duration = time.Since(start)
	return r
}

// FuncChecker adapts a function returning a status and message.
type FuncChecker struct {
	name  string
	check func(ctx context.Context) (Status, string, error)
}

// NewFuncChecker creates a FuncChecker.
func NewFuncChecker(name string, check func(ctx context.Context) (Status, string, error)) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

func (c *FuncChecker) Name() string { return c.name }

func (c *FuncChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, msg, err := c.check(ctx)
	r := CheckResult{Name: c.name, Status: status, Message: msg, LastCheck: start, Duration: time.Since(start)}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

var (
	_ Checker = (*PingChecker)(nil)
	_ Checker = (*FuncChecker)(nil)
)
