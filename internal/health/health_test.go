package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func serveProbe(t *testing.T, h *Handler, path string) (*httptest.ResponseRecorder, report) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var rep report
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode %s body %q: %v", path, rec.Body.String(), err)
	}
	return rec, rep
}

func TestHealthzAlwaysOK(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "stt", Check: func(context.Context) error {
		return errors.New("whisper unreachable")
	}})

	rec, rep := serveProbe(t, h, "/healthz")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 even with failing checkers", rec.Code)
	}
	if rep.Status != "ok" {
		t.Errorf("body status = %q, want ok", rep.Status)
	}
}

func TestReadyzAllComponentsPass(t *testing.T) {
	t.Parallel()

	pass := func(context.Context) error { return nil }
	h := New(
		Checker{Name: "stt", Check: pass},
		Checker{Name: "tts", Check: pass},
	)

	rec, rep := serveProbe(t, h, "/readyz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rep.Status != "ok" {
		t.Errorf("body status = %q, want ok", rep.Status)
	}
	for _, name := range []string{"stt", "tts"} {
		res, found := rep.Checks[name]
		if !found {
			t.Errorf("check %q missing from response", name)
			continue
		}
		if res.Status != "ok" || res.Error != "" {
			t.Errorf("check %q = %+v, want ok with no error", name, res)
		}
	}
}

func TestReadyzDegradedComponent(t *testing.T) {
	t.Parallel()

	h := New(
		Checker{Name: "stt", Check: func(context.Context) error { return nil }},
		Checker{Name: "memory", Check: func(context.Context) error {
			return errors.New("pgvector: connection refused")
		}},
	)

	rec, rep := serveProbe(t, h, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rep.Status != "degraded" {
		t.Errorf("body status = %q, want degraded", rep.Status)
	}
	if res := rep.Checks["memory"]; res.Status != "fail" || res.Error == "" {
		t.Errorf("memory check = %+v, want fail with error detail", res)
	}
	if res := rep.Checks["stt"]; res.Status != "ok" {
		t.Errorf("stt check = %+v, healthy component must still report ok", res)
	}
}

func TestReadyzNoCheckers(t *testing.T) {
	t.Parallel()

	rec, rep := serveProbe(t, New(), "/readyz")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with no checkers", rec.Code)
	}
	if rep.Status != "ok" {
		t.Errorf("body status = %q, want ok", rep.Status)
	}
}

func TestReadyzProbeSeesDeadline(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "stt", Check: func(ctx context.Context) error {
		if _, deadlineSet := ctx.Deadline(); !deadlineSet {
			return errors.New("context has no deadline")
		}
		return nil
	}})

	rec, _ := serveProbe(t, h, "/readyz")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200; the probe context must carry a deadline", rec.Code)
	}
}

func TestProbeRoutesRejectPost(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	New().Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/readyz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /readyz status = %d, want 405", rec.Code)
	}
}
