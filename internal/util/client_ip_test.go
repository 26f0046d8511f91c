package util

import (
	"net/http/httptest"
	"net/netip"
	"testing"
)

func TestClientIP(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"10.0.0.0/8", "192.168.1.10"})
	if err != nil {
		t.Fatalf("new trusted proxies: %v", err)
	}

	cases := []struct {
		name    string
		remote  string
		xff     string
		realIP  string
		trusted *TrustedProxies
		want    string
	}{
		{name: "untrusted peer ignores headers", remote: "198.51.100.10:1234", xff: "203.0.113.5", realIP: "203.0.113.6", want: "198.51.100.10"},
		{name: "trusted peer uses forwarded", remote: "10.0.0.20:1234", xff: "203.0.113.5", trusted: trusted, want: "203.0.113.5"},
		{name: "skips trusted hops from the right", remote: "10.0.0.20:1234", xff: "203.0.113.5, 10.0.0.10", trusted: trusted, want: "203.0.113.5"},
		{name: "spoofed left hop is not chosen", remote: "192.168.1.10:80", xff: "1.1.1.1, 203.0.113.9", trusted: trusted, want: "203.0.113.9"},
		{name: "real ip when forwarded unusable", remote: "10.0.0.20:1234", xff: "garbage", realIP: "203.0.113.7", trusted: trusted, want: "203.0.113.7"},
		{name: "all hops trusted returns leftmost", remote: "10.0.0.20:1234", xff: "10.0.0.5, 10.0.0.10", trusted: trusted, want: "10.0.0.5"},
		{name: "ipv4 mapped peer", remote: "[::ffff:10.1.2.3]:443", xff: "203.0.113.8", trusted: trusted, want: "203.0.113.8"},
		{name: "peer without port", remote: "198.51.100.11", want: "198.51.100.11"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://media.example.com", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			if got := ClientIP(req, tc.trusted); got != tc.want {
				t.Fatalf("client ip = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewTrustedProxies(t *testing.T) {
	tp, err := NewTrustedProxies([]string{" 10.0.0.0/8 ", "", "2001:db8::1"})
	if err != nil {
		t.Fatalf("expected valid entries, got err: %v", err)
	}
	if !tp.Contains(netip.MustParseAddr("2001:db8::1")) || tp.Contains(netip.MustParseAddr("2001:db8::2")) {
		t.Fatalf("single ipv6 entry should match exactly one address")
	}
	if _, err := NewTrustedProxies([]string{"not-an-ip"}); err == nil {
		t.Fatalf("expected parse error for invalid entry")
	}
	if tp, err := NewTrustedProxies(nil); err != nil || tp != nil {
		t.Fatalf("expected nil set for empty input, got %v %v", tp, err)
	}
}
