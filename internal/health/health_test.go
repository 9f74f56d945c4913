package health

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/voxtrigger/internal/recognition"
)

func pass(name string) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return nil }}
}

func fail(name, msg string) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return errors.New(msg) }}
}

// probe serves GET path through a mux with h registered and decodes the JSON
// report.
func probe(t *testing.T, ctx context.Context, h *Handler, path string) (int, report) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("%s Content-Type = %q", path, ct)
	}
	var rep report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("%s: decode: %v", path, err)
	}
	return rec.Code, rep
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	code, rep := probe(t, context.Background(), New(fail("session", "down")), "/healthz")

	if code != http.StatusOK || rep.Status != "ok" {
		t.Errorf("healthz = %d %q, want 200 ok regardless of checkers", code, rep.Status)
	}
	if rep.Uptime == "" {
		t.Error("healthz reports no uptime")
	}
	if rep.Checks != nil {
		t.Errorf("healthz ran checks: %v", rep.Checks)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{},
		},
		{
			name:       "all pass",
			checkers:   []Checker{pass("session"), pass("phrases")},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"session": "ok", "phrases": "ok"},
		},
		{
			name:       "one fails",
			checkers:   []Checker{fail("store", "connection refused"), pass("session")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"store": "fail: connection refused", "session": "ok"},
		},
		{
			name:       "all fail",
			checkers:   []Checker{fail("session", "idle"), fail("phrases", "empty")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"session": "fail: idle", "phrases": "fail: empty"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, rep := probe(t, context.Background(), New(tt.checkers...), "/readyz")

			if code != tt.wantCode || rep.Status != tt.wantStatus {
				t.Errorf("readyz = %d %q, want %d %q", code, rep.Status, tt.wantCode, tt.wantStatus)
			}
			if rep.Checks == nil {
				rep.Checks = map[string]string{}
			}
			if !maps.Equal(rep.Checks, tt.wantChecks) {
				t.Errorf("checks = %v, want %v", rep.Checks, tt.wantChecks)
			}
		})
	}
}

func TestReadyz_CancelledRequest(t *testing.T) {
	t.Parallel()
	slow := Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code, rep := probe(t, ctx, New(slow), "/readyz")
	if code != http.StatusServiceUnavailable || rep.Checks["slow"] != "fail: context canceled" {
		t.Errorf("readyz = %d %v, want 503 with the context error", code, rep.Checks)
	}
}

func TestListening(t *testing.T) {
	t.Parallel()

	var state atomic.Int32
	c := Listening(func() recognition.State { return recognition.State(state.Load()) })
	if c.Name != "session" {
		t.Errorf("Name = %q, want session", c.Name)
	}

	for _, s := range []recognition.State{recognition.StateIdle, recognition.StateListening, recognition.StateStopped} {
		state.Store(int32(s))
		err := c.Check(context.Background())
		if s == recognition.StateListening {
			if err != nil {
				t.Errorf("%v: Check = %v, want nil", s, err)
			}
			continue
		}
		if !errors.Is(err, ErrNotListening) {
			t.Errorf("%v: Check = %v, want ErrNotListening", s, err)
		}
	}
}

func TestPhrases(t *testing.T) {
	t.Parallel()

	var n atomic.Int64
	h := New(Phrases(func() int { return int(n.Load()) }))

	if code, rep := probe(t, context.Background(), h, "/readyz"); code != http.StatusServiceUnavailable ||
		rep.Checks["phrases"] != "fail: "+ErrNoPhrases.Error() {
		t.Errorf("empty registry: %d %v", code, rep.Checks)
	}
	n.Store(3)
	if code, _ := probe(t, context.Background(), h, "/readyz"); code != http.StatusOK {
		t.Errorf("loaded registry: status = %d, want 200", code)
	}
}
