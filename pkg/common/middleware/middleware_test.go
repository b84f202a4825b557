package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRecoveryRendersStructuredError(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"type":"internal_error"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestLoggingKeepsFlusherAndSetsRequestID(t *testing.T) {
	var flushable bool
	h := Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("expected request id on inbound request")
		}
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !flushable {
		t.Fatal("logging middleware must not hide http.Flusher")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected request id echoed on response")
	}
}
