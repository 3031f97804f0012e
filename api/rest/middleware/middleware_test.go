package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecoveryAndLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	panicky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	h := RequestID(Logging(logger)(Recovery(logger)(panicky)))

	req := httptest.NewRequest(http.MethodGet, "/runs/x", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"request_id":"req-1"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") != "req-1" {
		t.Fatal("request id header not echoed")
	}

	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatal("panic not logged")
	}
	completed := logs.FilterMessage("request completed").All()
	if len(completed) != 1 || completed[0].ContextMap()["status"] != int64(500) {
		t.Fatalf("unexpected access log %+v", completed)
	}
}

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if seen == "" || rec.Header().Get("X-Request-ID") != seen {
		t.Fatalf("expected generated request id, got %q", seen)
	}
}
