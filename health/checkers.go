package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	consumer "github.com/glimte/mmate-consumer"
)

// Status is the outcome of a single check
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// CheckResult is what a Checker reports
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Checker inspects one component
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Report aggregates a set of check results
type Report struct {
	Status Status        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// Run executes every checker in order. The report status is the worst status
// seen.
func Run(ctx context.Context, checkers ...Checker) Report {
	report := Report{Status: StatusHealthy, Checks: make([]CheckResult, 0, len(checkers))}
	for _, c := range checkers {
		res := c.Check(ctx)
		if res.Status.rank() > report.Status.rank() {
			report.Status = res.Status
		}
		report.Checks = append(report.Checks, res)
	}
	return report
}

// StateSource exposes the connection lifecycle of a consumer
type StateSource interface {
	State() consumer.ConnectionState
}

// ConnectionChecker reports on the broker connection
type ConnectionChecker struct {
	source StateSource
}

// NewConnectionChecker creates a connection health checker
func NewConnectionChecker(source StateSource) *ConnectionChecker {
	return &ConnectionChecker{source: source}
}

func (c *ConnectionChecker) Name() string {
	return "connection"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.source.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"state": state.String()},
	}

	switch state {
	case consumer.StateConnected:
		result.Status = StatusHealthy
		result.Message = "Connection is open"
	case consumer.StateConnecting:
		result.Status = StatusDegraded
		result.Message = "Connection is being established"
	default:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Connection is %s", state)
	}

	result.Duration = time.Since(start)
	return result
}

// BindingSource lists the bindings a consumer has created
type BindingSource interface {
	Bindings() []*consumer.Binding
}

// BindingsChecker compares the created bindings against the expected count
type BindingsChecker struct {
	source   BindingSource
	expected int
}

// NewBindingsChecker creates a checker expecting the given number of bindings
func NewBindingsChecker(source BindingSource, expected int) *BindingsChecker {
	return &BindingsChecker{source: source, expected: expected}
}

func (c *BindingsChecker) Name() string {
	return "bindings"
}

func (c *BindingsChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	got := len(c.source.Bindings())
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"bindings": got,
			"expected": c.expected,
		},
	}

	switch {
	case got >= c.expected:
		result.Status = StatusHealthy
		result.Message = "All bindings are declared"
	case got == 0:
		result.Status = StatusUnhealthy
		result.Message = "No bindings declared"
	default:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d bindings declared", got, c.expected)
	}

	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker flags runaway handler goroutines. Every delivery runs on
// its own goroutine, so an unbounded backlog shows up here first.
type GoroutineChecker struct {
	warningThreshold  int
	criticalThreshold int
}

// NewGoroutineChecker creates a goroutine count checker
func NewGoroutineChecker(warningThreshold, criticalThreshold int) *GoroutineChecker {
	return &GoroutineChecker{
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	goroutines := runtime.NumGoroutine()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"goroutines": goroutines},
	}

	switch {
	case goroutines > c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Goroutine count is normal"
	}

	result.Duration = time.Since(start)
	return result
}
