package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithSecurityHeaders(t *testing.T) {
	h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, proto := range []string{"", "https"} {
		req := httptest.NewRequest(http.MethodGet, "/api/photos/x.png", nil)
		if proto != "" {
			req.Header.Set("X-Forwarded-Proto", proto)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		for _, kv := range securityHeaders {
			if got := rec.Header().Get(kv[0]); got != kv[1] {
				t.Fatalf("%s = %q, want %q", kv[0], got, kv[1])
			}
		}
		hsts := rec.Header().Get("Strict-Transport-Security")
		if (proto == "https") != (hsts != "") {
			t.Fatalf("proto %q: unexpected HSTS %q", proto, hsts)
		}
	}
}
