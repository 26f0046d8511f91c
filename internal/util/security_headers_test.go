package util

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
)

func noContent(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func TestWithSecurityHeaders(t *testing.T) {
	cases := []struct {
		name     string
		prepare  func(*http.Request)
		wantHSTS bool
	}{
		{name: "plain http", prepare: func(*http.Request) {}},
		{name: "forwarded https", prepare: func(r *http.Request) { r.Header.Set("X-Forwarded-Proto", "HTTPS") }, wantHSTS: true},
		{name: "direct tls", prepare: func(r *http.Request) { r.TLS = &tls.ConnectionState{} }, wantHSTS: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/videos", nil)
			tc.prepare(req)
			rec := httptest.NewRecorder()
			WithSecurityHeaders(http.HandlerFunc(noContent)).ServeHTTP(rec, req)

			if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
				t.Fatalf("X-Content-Type-Options = %q", got)
			}
			if got := rec.Header().Get("Cross-Origin-Resource-Policy"); got != "same-origin" {
				t.Fatalf("Cross-Origin-Resource-Policy = %q", got)
			}
			if got := rec.Header().Get("Strict-Transport-Security"); (got != "") != tc.wantHSTS {
				t.Fatalf("Strict-Transport-Security = %q, want present=%v", got, tc.wantHSTS)
			}
		})
	}
}

func TestWithMediaEmbeddingOverridesResourcePolicy(t *testing.T) {
	h := WithSecurityHeaders(WithMediaEmbedding(http.HandlerFunc(noContent)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/uploads/videos/a.mp4", nil))

	if got := rec.Header().Get("Cross-Origin-Resource-Policy"); got != "cross-origin" {
		t.Fatalf("Cross-Origin-Resource-Policy = %q, want cross-origin", got)
	}
	if got := rec.Header().Get("Content-Security-Policy"); got != "default-src 'none'; sandbox" {
		t.Fatalf("Content-Security-Policy = %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options = %q", got)
	}
}
