// Package health serves the /live and /ready probes.
package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szibis/logship/internal/circuit"
)

// Status represents the health status of a component.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the JSON body returned by health endpoints.
type Response struct {
	Status     Status                    `json:"status"`
	Components map[string]ComponentCheck `json:"components,omitempty"`
	Timestamp  string                    `json:"timestamp"`
}

// CheckFunc returns nil if the component is healthy, or an error describing the issue.
type CheckFunc func() error

// StreamProbe is the part of a stream readiness looks at.
type StreamProbe interface {
	ShuttingDown() bool
	Circuit() *circuit.Tracker
}

// Checker provides liveness and readiness probes.
type Checker struct {
	mu              sync.RWMutex
	readinessChecks map[string]CheckFunc
	shuttingDown    atomic.Bool
	now             func() time.Time
}

// New creates a new health Checker.
func New() *Checker {
	return &Checker{
		readinessChecks: make(map[string]CheckFunc),
		now:             time.Now,
	}
}

// RegisterReadiness registers a named readiness check, called on each /ready
// request.
func (c *Checker) RegisterReadiness(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readinessChecks[name] = check
}

// RegisterStream adds a readiness check for a stream. It fails while the
// stream shuts down and once its circuit has stayed open or half-open for
// longer than openWindow.
func (c *Checker) RegisterStream(name string, s StreamProbe, openWindow time.Duration) {
	c.RegisterReadiness("stream:"+name, func() error {
		if s.ShuttingDown() {
			return fmt.Errorf("shutting down")
		}
		br := s.Circuit()
		since := br.OpenSince()
		if since.IsZero() {
			return nil
		}
		if open := c.now().Sub(since); open > openWindow {
			return fmt.Errorf("circuit %s for %s", br.State(), open.Round(time.Second))
		}
		return nil
	})
}

// SetShuttingDown marks the instance as shutting down.
// After this, both /live and /ready return 503.
func (c *Checker) SetShuttingDown() {
	c.shuttingDown.Store(true)
}

// Ready runs every readiness check.
func (c *Checker) Ready() (Status, map[string]ComponentCheck) {
	c.mu.RLock()
	names := make([]string, 0, len(c.readinessChecks))
	for name := range c.readinessChecks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]CheckFunc, len(names))
	for i, name := range names {
		checks[i] = c.readinessChecks[name]
	}
	c.mu.RUnlock()

	overall := StatusUp
	components := make(map[string]ComponentCheck, len(checks))
	for i, check := range checks {
		if err := check(); err != nil {
			overall = StatusDown
			components[names[i]] = ComponentCheck{Status: StatusDown, Message: err.Error()}
		} else {
			components[names[i]] = ComponentCheck{Status: StatusUp}
		}
	}
	return overall, components
}

// LiveHandler returns an http.HandlerFunc for the /live endpoint.
// Liveness checks that the process is running and not in shutdown.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.shuttingDown.Load() {
			c.writeShuttingDown(w)
			return
		}
		writeJSON(w, http.StatusOK, Response{Status: StatusUp, Timestamp: c.timestamp()})
	}
}

// ReadyHandler returns an http.HandlerFunc for the /ready endpoint.
// Readiness runs all registered checks; if any fail, the response is 503.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.shuttingDown.Load() {
			c.writeShuttingDown(w)
			return
		}
		overall, components := c.Ready()
		code := http.StatusOK
		if overall == StatusDown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, Response{
			Status:     overall,
			Components: components,
			Timestamp:  c.timestamp(),
		})
	}
}

func (c *Checker) writeShuttingDown(w http.ResponseWriter) {
	writeJSON(w, http.StatusServiceUnavailable, Response{
		Status:    StatusDown,
		Timestamp: c.timestamp(),
		Components: map[string]ComponentCheck{
			"process": {Status: StatusDown, Message: "shutting down"},
		},
	})
}

func (c *Checker) timestamp() string {
	return c.now().UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
