// Package health serves the liveness and readiness probes.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz
// runs every registered [Checker] and answers 503 when one fails or the
// process is draining. Both reply with {"status": "ok"|"fail", "checks": {...}}.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	checkTimeout  = 5 * time.Second
	checkParallel = 4

	statusOK   = "ok"
	statusFail = "fail"
)

var (
	// ErrDraining is reported under "shutdown" once shutdown has begun.
	ErrDraining = errors.New("health: shutting down")

	// ErrAllEnginesDown is reported by [Engines] when no engine of a group
	// accepts calls.
	ErrAllEnginesDown = errors.New("health: all engines unavailable")
)

// Checker probes one dependency. Name is its key in the response; Check
// returns nil when the dependency is usable and must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Engines is ready while at least one engine of group accepts calls.
func Engines(name string, group interface{ Healthy() bool }) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if group.Healthy() {
			return nil
		}
		return ErrAllEnginesDown
	}}
}

// Ping adapts anything with a Ping method, such as a database pool.
func Ping(name string, p interface{ Ping(context.Context) error }) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// Report is the body of both probes.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// OK reports whether every check passed.
func (r Report) OK() bool { return r.Status == statusOK }

// Handler runs the probes. Checkers may be added while it serves.
type Handler struct {
	mu       sync.RWMutex
	checkers []Checker
	draining atomic.Bool
}

// New returns a Handler that runs checkers on every readiness probe.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Add registers checkers for dependencies created later in startup.
func (h *Handler) Add(checkers ...Checker) {
	h.mu.Lock()
	h.checkers = append(h.checkers, checkers...)
	h.mu.Unlock()
}

// SetDraining fails every later readiness probe so that load balancers stop
// routing new calls here.
func (h *Handler) SetDraining() { h.draining.Store(true) }

// Evaluate runs the checkers, at most four at a time and each under its own
// timeout derived from ctx.
func (h *Handler) Evaluate(ctx context.Context) Report {
	h.mu.RLock()
	checkers := h.checkers
	h.mu.RUnlock()

	errs := make([]error, len(checkers))
	var g errgroup.Group
	g.SetLimit(checkParallel)
	for i, c := range checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			errs[i] = c.Check(cctx)
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: statusOK, Checks: make(map[string]string, len(checkers)+1)}
	fail := func(name string, err error) {
		rep.Status = statusFail
		rep.Checks[name] = statusFail + ": " + err.Error()
	}
	for i, c := range checkers {
		if errs[i] != nil {
			fail(c.Name, errs[i])
			continue
		}
		rep.Checks[c.Name] = statusOK
	}
	if h.draining.Load() {
		fail("shutdown", ErrDraining)
	}
	return rep
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, http.StatusOK, Report{Status: statusOK})
}

// Readyz answers 200 only when [Handler.Evaluate] passes.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if !rep.OK() {
		code = http.StatusServiceUnavailable
	}
	writeReport(w, code, rep)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeReport(w http.ResponseWriter, code int, rep Report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}
