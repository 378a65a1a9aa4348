package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func runSecured(req *http.Request) *httptest.ResponseRecorder {
	h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWithSecurityHeaders(t *testing.T) {
	rec := runSecured(httptest.NewRequest(http.MethodGet, "/", nil))

	for name, want := range apiSecurityHeaders {
		if got := rec.Header().Get(name); got != want {
			t.Fatalf("%s = %q, want %q", name, got, want)
		}
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Fatalf("unexpected HSTS on plain http: %q", got)
	}
}

func TestWithSecurityHeadersHSTSOnForwardedHTTPS(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := runSecured(req)

	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Fatal("expected HSTS behind an https-terminating proxy")
	}
}
