// Package health exposes liveness and readiness probes for the assistant.
//
// Liveness (/healthz) only asserts the process can still serve HTTP.
// Readiness (/readyz) asks each registered [Checker] whether its speech
// component can actually take a turn: an assistant whose transcriber or
// synthesizer is down can accept WebSocket connections but cannot hold a
// conversation, and a load balancer should know the difference.
//
// Responses are JSON: {"status": "ok"|"degraded", "checks": {...}} with one
// entry per component carrying its status and probe latency.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// probeTimeout bounds a single component probe. Local inference servers
// answer health endpoints in milliseconds; anything slower is as good as down.
const probeTimeout = 3 * time.Second

// Checker probes one component of the voice loop.
type Checker struct {
	// Name labels the component in the JSON response ("stt", "tts",
	// "memory").
	Name string

	// Check returns nil when the component can serve a turn. It must honor
	// ctx cancellation.
	Check func(ctx context.Context) error
}

// checkResult is one component's entry in the readiness response.
type checkResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// report is the JSON body served by both probes.
type report struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves the /healthz and /readyz routes. The checker set is fixed
// at construction; Handler itself is stateless and safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] probing the given components on each /readyz hit.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz answers 200 unconditionally. Serving the request is the proof.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, http.StatusOK, report{Status: "ok"})
}

// Readyz probes every component concurrently and answers 200 only when all
// of them pass. A failing component flips the status to "degraded" and the
// code to 503, with the per-component detail left in the body for operators.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]checkResult, len(h.checkers))
	)

	g, ctx := errgroup.WithContext(r.Context())
	for _, c := range h.checkers {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(probeCtx)
			res := checkResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
			}

			mu.Lock()
			checks[c.Name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	rep := report{Status: "ok", Checks: checks}
	code := http.StatusOK
	for _, res := range checks {
		if res.Status != "ok" {
			rep.Status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}
	writeReport(w, code, rep)
}

func writeReport(w http.ResponseWriter, code int, rep report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
