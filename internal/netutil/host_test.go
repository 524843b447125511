package netutil

import (
	"net/http/httptest"
	"testing"
)

func TestNormalizeHost(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Example.COM:443":      "example.com",
		" example.com. ":       "example.com",
		"[2001:db8::1]:8443":   "2001:db8::1",
		"2001:db8::1":          "2001:db8::1",
		"localhost:10443":      "localhost",
		"sub.test.EXAMPLE.com": "sub.test.example.com",
	}

	for in, want := range tests {
		if got := NormalizeHost(in); got != want {
			t.Fatalf("NormalizeHost(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestRemoteIP(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"192.0.2.10:51820":        "192.0.2.10",
		"[2001:db8::5]:443":       "2001:db8::5",
		"[::ffff:192.0.2.1]:1234": "192.0.2.1",
		"pipe":                    "pipe",
	}
	for addr, want := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = addr
		r.Header.Set("X-Forwarded-For", "198.51.100.1")
		if got := RemoteIP(r); got != want {
			t.Fatalf("RemoteIP(%q) = %q, want %q", addr, got, want)
		}
	}
}
