package util

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWithRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{name: "propagates caller id", incoming: "req-incoming-123", keep: true},
		{name: "generates when missing"},
		{name: "replaces oversized id", incoming: strings.Repeat("x", maxRequestIDLen+1)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var seen string
			handler := WithRequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				seen = RequestIDFromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			if tc.incoming != "" {
				req.Header.Set("X-Request-Id", tc.incoming)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			header := rec.Header().Get("X-Request-Id")
			if header == "" || header != seen {
				t.Fatalf("header %q and context %q disagree", header, seen)
			}
			if tc.keep != (header == tc.incoming) {
				t.Fatalf("request id = %q, incoming %q", header, tc.incoming)
			}
		})
	}
}
