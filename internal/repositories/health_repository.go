package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultDependencyTimeout = 1500 * time.Millisecond

// HealthStatus summarises a dependency check.
type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "ok"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusError    HealthStatus = "error"
)

// HealthCheck is the outcome of a single dependency check.
type HealthCheck struct {
	Status    HealthStatus
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}

// HealthReport aggregates dependency checks.
type HealthReport struct {
	Status      HealthStatus
	Checks      map[string]HealthCheck
	GeneratedAt time.Time
}

// DependencyCheck names a dependency and the function readiness calls to check it.
type DependencyCheck struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

type dependencyHealthRepository struct {
	checks  []DependencyCheck
	timeout time.Duration
	now     func() time.Time
}

var _ HealthRepository = (*dependencyHealthRepository)(nil)

// NewDependencyHealthRepository constructs a HealthRepository that evaluates the provided check set.
func NewDependencyHealthRepository(checks []DependencyCheck, clock func() time.Time) (HealthRepository, error) {
	for _, check := range checks {
		if strings.TrimSpace(check.Name) == "" {
			return nil, errors.New("health repository: dependency check missing name")
		}
		if check.Check == nil {
			return nil, fmt.Errorf("health repository: dependency %s missing check function", check.Name)
		}
	}
	if clock == nil {
		clock = time.Now
	}
	return &dependencyHealthRepository{
		checks:  append([]DependencyCheck(nil), checks...),
		timeout: defaultDependencyTimeout,
		now:     clock,
	}, nil
}

func (r *dependencyHealthRepository) Collect(ctx context.Context) (HealthReport, error) {
	if ctx == nil {
		return HealthReport{}, errors.New("health repository: context is required")
	}

	var (
		mu      sync.Mutex
		results = make(map[string]HealthCheck, len(r.checks))
		group   errgroup.Group
	)
	for _, check := range r.checks {
		check := check
		group.Go(func() error {
			timeout := check.Timeout
			if timeout <= 0 {
				timeout = r.timeout
			}
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := r.now()
			err := check.Check(checkCtx)
			end := r.now()

			result := HealthCheck{Status: HealthStatusOK, Detail: "ok", Latency: end.Sub(start), CheckedAt: end}
			switch {
			case err == nil:
			case errors.Is(err, context.DeadlineExceeded):
				result.Status, result.Detail = HealthStatusError, "timeout"
			case errors.Is(err, context.Canceled):
				result.Status, result.Detail = HealthStatusError, "cancelled"
			default:
				result.Status, result.Detail = HealthStatusDegraded, err.Error()
			}

			mu.Lock()
			results[check.Name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	status := HealthStatusOK
	for _, result := range results {
		if result.Status == HealthStatusError {
			status = HealthStatusError
			break
		}
		if result.Status == HealthStatusDegraded {
			status = HealthStatusDegraded
		}
	}
	return HealthReport{Status: status, Checks: results, GeneratedAt: r.now()}, nil
}
