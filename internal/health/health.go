// Package health aggregates daemon self-checks for the /healthz endpoint.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"grimm.is/appwall/internal/clock"
)

// Status orders from best to worst.
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

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "healthy":
		*s = StatusHealthy
	case "degraded":
		*s = StatusDegraded
	default:
		*s = StatusUnhealthy
	}
	return nil
}

// Result is the outcome of one probe.
type Result struct {
	Name       string  `json:"name"`
	Status     Status  `json:"status"`
	Message    string  `json:"message,omitempty"`
	DurationMS float64 `json:"duration_ms"`
}

// Report is the aggregate of all probes; Status is the worst result.
type Report struct {
	Status  Status    `json:"status"`
	Checked time.Time `json:"checked"`
	Results []Result  `json:"results"`
}

// Probe inspects one component. Only Status and Message are used.
type Probe func(ctx context.Context) Result

// Checker runs registered probes concurrently, each under its own timeout,
// and serves the last report until it is older than the cache TTL.
type Checker struct {
	clock   clock.Clock
	timeout time.Duration
	ttl     time.Duration

	mu     sync.Mutex
	probes map[string]Probe
	last   *Report
}

// NewChecker creates a checker with no probes. A nil clock uses the system clock.
func NewChecker(c clock.Clock) *Checker {
	return &Checker{
		clock:   clock.OrReal(c),
		timeout: 3 * time.Second,
		ttl:     5 * time.Second,
		probes:  make(map[string]Probe),
	}
}

// Register adds or replaces a probe and invalidates the cached report.
func (c *Checker) Register(name string, p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = p
	c.last = nil
}

// Check returns a fresh or cached report.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.Lock()
	if c.last != nil && c.clock.Since(c.last.Checked) < c.ttl {
		rep := *c.last
		c.mu.Unlock()
		return rep
	}
	probes := make(map[string]Probe, len(c.probes))
	for name, p := range c.probes {
		probes[name] = p
	}
	c.mu.Unlock()

	results := make([]Result, len(probes))
	var wg sync.WaitGroup
	i := 0
	for name, p := range probes {
		wg.Add(1)
		go func(slot *Result) {
			defer wg.Done()
			*slot = c.run(ctx, name, p)
		}(&results[i])
		i++
	}
	wg.Wait()

	slices.SortFunc(results, func(a, b Result) int { return strings.Compare(a.Name, b.Name) })
	rep := Report{Status: StatusHealthy, Checked: c.clock.Now(), Results: results}
	for _, r := range results {
		rep.Status = max(rep.Status, r.Status)
	}

	c.mu.Lock()
	c.last = &rep
	c.mu.Unlock()
	return rep
}

func (c *Checker) run(ctx context.Context, name string, p Probe) Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.clock.Now()
	r := p(ctx)
	r.Name = name
	r.DurationMS = float64(c.clock.Since(start).Microseconds()) / 1000
	if r.Status == StatusHealthy && ctx.Err() != nil {
		r.Status, r.Message = StatusUnhealthy, "probe timed out"
	}
	return r
}

// Handler serves the report as JSON. Unhealthy answers 503; degraded stays 200
// so a restart loop is not triggered by a failed reconciliation pass.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := c.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if rep.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(rep)
	}
}

// LivenessHandler answers 200 as long as the process serves HTTP.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	}
}
