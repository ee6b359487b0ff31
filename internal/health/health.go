// Package health serves the relay's liveness and readiness probes.
//
//   - GET /healthz reports liveness: a process that answers is alive.
//   - GET /readyz reports readiness: 200 only while every registered
//     dependency check (cache, database) passes, 503 otherwise.
//
// Both respond with a JSON body carrying an overall "status" plus a per-check
// breakdown on /readyz.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds one dependency probe so a hung backend cannot wedge the
// readiness endpoint.
const checkTimeout = 5 * time.Second

// Check probes one dependency. It must respect ctx and return nil when the
// dependency can serve traffic.
type Check func(ctx context.Context) error

// Checker names a dependency check for the /readyz breakdown.
type Checker struct {
	Name  string
	Check Check
}

// report is the JSON body of both endpoints.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker set is fixed at
// construction; Handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a Handler over the given checkers. /readyz evaluates them in
// the order given.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers 200. A relay that lost its backends is still alive;
// readiness is the probe that drops it from rotation.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every checker and answers 503 as soon as one fails, with the
// failing checks named in the body.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]string, len(h.checkers))
	ready := true

	for _, c := range h.checkers {
		if err := h.runCheck(r.Context(), c); err != nil {
			results[c.Name] = "fail: " + err.Error()
			ready = false
		} else {
			results[c.Name] = "ok"
		}
	}

	if !ready {
		h.respond(w, http.StatusServiceUnavailable, report{Status: "fail", Checks: results})
		return
	}
	h.respond(w, http.StatusOK, report{Status: "ok", Checks: results})
}

// runCheck executes one probe under the per-check deadline.
func (h *Handler) runCheck(ctx context.Context, c Checker) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return c.Check(ctx)
}

func (h *Handler) respond(w http.ResponseWriter, status int, body report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
