// Package health serves earshot's liveness and readiness endpoints.
//
// GET /healthz answers 200 as long as the process serves HTTP. GET /readyz
// runs every [Checker] concurrently under its own deadline and answers 503
// when a required check fails. A failing [Optional] check degrades the
// report without failing it: summaries are a convenience, transcription is
// the job.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const checkTimeout = 5 * time.Second

// Report statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker checks one dependency. Check returns nil when it is usable.
type Checker struct {
	Name     string
	Check    func(ctx context.Context) error
	Optional bool
}

// Optional marks c as non-critical for readiness.
func Optional(c Checker) Checker {
	c.Optional = true
	return c
}

// Pinger is implemented by stores and pools that can verify connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks p.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// Flag fails with msg while ready reports false.
func Flag(name string, ready func() bool, msg string) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !ready() {
			return errors.New(msg)
		}
		return nil
	}}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the endpoints for a fixed set of checkers.
type Handler struct {
	checkers []Checker
}

// New returns a Handler evaluating checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register adds GET /healthz and GET /readyz to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, result{Status: StatusOK})
	})
	mux.HandleFunc("GET /readyz", h.readyz)
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	res := h.evaluate(r.Context())
	code := http.StatusOK
	if res.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

// evaluate runs all checks. A failed check never cancels its siblings.
func (h *Handler) evaluate(ctx context.Context) result {
	var (
		mu  sync.Mutex
		res = result{Status: StatusOK, Checks: make(map[string]string, len(h.checkers))}
		g   errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			err := c.Check(cctx)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				res.Checks[c.Name] = StatusOK
				return nil
			}
			res.Checks[c.Name] = "fail: " + err.Error()
			switch {
			case !c.Optional:
				res.Status = StatusFail
			case res.Status == StatusOK:
				res.Status = StatusDegraded
			}
			return nil
		})
	}
	_ = g.Wait()
	return res
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
