// Package health serves the liveness and readiness probes of the control API.
//
// GET /healthz answers 200 as long as the process serves HTTP and reports
// its uptime. GET /readyz runs every [Checker] and answers 200 only when all
// pass; voxtrigger registers [Listening] and [Phrases], so a process that is
// not capturing audio or has nothing to match is taken out of rotation.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/voxtrigger/internal/recognition"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is one named readiness condition. Check returns nil when met.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// report is the JSON body of both probes.
type report struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probes. Its checkers are fixed at construction.
type Handler struct {
	checkers []Checker
	started  time.Time
}

// New returns a Handler evaluating checkers on every readiness probe.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...), started: time.Now()}
}

// Register mounts GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{
		Status: "ok",
		Uptime: time.Since(h.started).Truncate(time.Second).String(),
	})
}

// Readyz runs the checkers in parallel, each bounded by checkTimeout and the
// request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.check(r.Context())
	code := http.StatusOK
	if rep.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

func (h *Handler) check(ctx context.Context) report {
	failures := make([]error, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Go(func() {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			failures[i] = c.Check(cctx)
		})
	}
	wg.Wait()

	rep := report{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	for i, c := range h.checkers {
		if err := failures[i]; err != nil {
			rep.Status = "fail"
			rep.Checks[c.Name] = "fail: " + err.Error()
		} else {
			rep.Checks[c.Name] = "ok"
		}
	}
	return rep
}

// ErrNotListening is reported by [Listening] while no session accepts audio.
var ErrNotListening = errors.New("no listening session")

// ErrNoPhrases is reported by [Phrases] while the registry is empty.
var ErrNoPhrases = errors.New("phrase registry is empty")

// Listening is the "session" checker: it passes while state reports
// [recognition.StateListening].
func Listening(state func() recognition.State) Checker {
	return Checker{Name: "session", Check: func(context.Context) error {
		if s := state(); s != recognition.StateListening {
			return fmt.Errorf("%w (state %s)", ErrNotListening, s)
		}
		return nil
	}}
}

// Phrases is the "phrases" checker: it passes while count is positive.
func Phrases(count func() int) Checker {
	return Checker{Name: "phrases", Check: func(context.Context) error {
		if count() == 0 {
			return ErrNoPhrases
		}
		return nil
	}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
