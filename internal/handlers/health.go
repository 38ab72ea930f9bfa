package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/branchorder/api/internal/platform/httpx"
)

const (
	healthStatusOK       = "ok"
	healthStatusDegraded = "degraded"
	healthStatusError    = "error"

	defaultCheckTimeout = 1500 * time.Millisecond
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// DependencyCheck is a readiness check, e.g. a pgx pool ping. A failing Optional
// check degrades readiness without failing it.
type DependencyCheck struct {
	Name     string
	Timeout  time.Duration
	Optional bool
	Check    func(context.Context) error
}

type dependencyResult struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// HealthHandlers serves /healthz and /readyz.
type HealthHandlers struct {
	build  BuildInfo
	checks []DependencyCheck
	now    func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthBuildInfo sets the build metadata reported by /healthz.
func WithHealthBuildInfo(info BuildInfo) HealthOption {
	return func(h *HealthHandlers) { h.build = info }
}

// WithHealthChecks appends readiness checks. Checks without a name or function are dropped.
func WithHealthChecks(checks ...DependencyCheck) HealthOption {
	return func(h *HealthHandlers) {
		for _, check := range checks {
			if strings.TrimSpace(check.Name) == "" || check.Check == nil {
				continue
			}
			h.checks = append(h.checks, check)
		}
	}
}

// WithHealthClock injects a clock for tests.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHealthHandlers constructs HealthHandlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.now()
	}
	return h
}

// Healthz reports liveness only; it never touches dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":      healthStatusOK,
		"version":     h.build.Version,
		"commitSha":   h.build.CommitSHA,
		"environment": h.build.Environment,
		"uptime":      now.Sub(h.build.StartedAt).Round(time.Second).String(),
		"timestamp":   now.UTC().Format(time.RFC3339),
	})
}

// Readyz runs every dependency check concurrently and returns 503 when a required one fails.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	results := h.collect(r.Context())

	status := healthStatusOK
	var details []string
	for _, check := range h.checks {
		result := results[check.Name]
		if result.Status == healthStatusOK {
			continue
		}
		details = append(details, check.Name+": "+result.Error)
		if check.Optional {
			if status == healthStatusOK {
				status = healthStatusDegraded
			}
			continue
		}
		status = healthStatusError
	}
	sort.Strings(details)

	code := http.StatusOK
	if status == healthStatusError {
		code = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, code, map[string]any{
		"status":    status,
		"checks":    results,
		"details":   details,
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

func (h *HealthHandlers) collect(ctx context.Context) map[string]dependencyResult {
	results := make(map[string]dependencyResult, len(h.checks))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, check := range h.checks {
		wg.Add(1)
		go func(check DependencyCheck) {
			defer wg.Done()
			timeout := check.Timeout
			if timeout <= 0 {
				timeout = defaultCheckTimeout
			}
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := h.now()
			err := check.Check(checkCtx)
			result := dependencyResult{
				Status:    healthStatusOK,
				LatencyMS: h.now().Sub(start).Milliseconds(),
			}
			switch {
			case err == nil:
			case errors.Is(err, context.DeadlineExceeded):
				result.Status = healthStatusError
				result.Error = "timeout"
			default:
				result.Status = healthStatusError
				result.Error = err.Error()
			}

			mu.Lock()
			results[check.Name] = result
			mu.Unlock()
		}(check)
	}
	wg.Wait()
	return results
}
