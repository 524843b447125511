package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNormalizeDomainHost(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"example.com":                 "example.com",
		"https://example.com/path":    "example.com",
		"http://EXAMPLE.com:443/abc":  "example.com",
		"  sub.example.com.  ":        "sub.example.com",
		"https://[2001:db8::1]:10443": "2001:db8::1",
	}

	for in, want := range tests {
		if got := normalizeDomainHost(in); got != want {
			t.Fatalf("normalizeDomainHost(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestParseServerFlagsDefaults(t *testing.T) {
	t.Setenv("CAT4IGP_CONFIG", "")
	t.Setenv("CAT4IGP_TLS_MODE", "")
	t.Setenv("CAT4IGP_LOG_FORMAT", "")

	cfg, err := ParseServerFlags(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TLSMode != TLSModeOff {
		t.Fatalf("expected tls mode off, got %q", cfg.TLSMode)
	}
	if cfg.Listen != defaultServerListen || cfg.DBPath != defaultServerDBPath {
		t.Fatalf("unexpected listen/db defaults: %+v", cfg)
	}
	if cfg.StaleTunnelAfter != defaultServerStaleTunnelAfter {
		t.Fatalf("expected stale tunnel default, got %s", cfg.StaleTunnelAfter)
	}
	if cfg.LogFormat != "text" {
		t.Fatalf("expected text log format, got %q", cfg.LogFormat)
	}
}

func TestParseServerFlagsValidation(t *testing.T) {
	t.Setenv("CAT4IGP_CONFIG", "")

	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown tls mode", args: []string{"--tls-mode", "wildcard"}},
		{name: "acme needs domain", args: []string{"--tls-mode", "acme"}},
		{name: "static needs files", args: []string{"--tls-mode", "static", "--tls-cert-file", "c.pem"}},
		{name: "http3 needs tls", args: []string{"--http3"}},
		{name: "negative stale", args: []string{"--stale-tunnel-after", "-1s"}},
		{name: "zero watch timeout", args: []string{"--watch-timeout", "0s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseServerFlags(tt.args); err == nil {
				t.Fatalf("expected parse error for args: %v", tt.args)
			}
		})
	}
}

func TestParseServerFlagsLayering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	data := `
listen = ":9000"
db_path = "/var/lib/cat4igp/file.db"
operator_token = "from-file"
reconcile_interval = "2m"
stale_tunnel_after = "0s"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CAT4IGP_CONFIG", "")
	t.Setenv("CAT4IGP_OPERATOR_TOKEN", "from-env")
	t.Setenv("CAT4IGP_LISTEN", "")

	cfg, err := ParseServerFlags([]string{"--config", path, "--db", "/tmp/flag.db"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":9000" {
		t.Fatalf("expected file listen, got %q", cfg.Listen)
	}
	if cfg.OperatorToken != "from-env" {
		t.Fatalf("expected env to override file, got %q", cfg.OperatorToken)
	}
	if cfg.DBPath != "/tmp/flag.db" {
		t.Fatalf("expected flag to override file, got %q", cfg.DBPath)
	}
	if cfg.ReconcileInterval != 2*time.Minute {
		t.Fatalf("expected file duration, got %s", cfg.ReconcileInterval)
	}
	if cfg.StaleTunnelAfter != 0 {
		t.Fatalf("expected recycling disabled by file, got %s", cfg.StaleTunnelAfter)
	}
}

func TestParseServerFlagsBadFileDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	if err := os.WriteFile(path, []byte("watch_timeout = 30\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CAT4IGP_CONFIG", "")
	if _, err := ParseServerFlags([]string{"--config=" + path}); err == nil {
		t.Fatal("expected numeric duration to be rejected")
	}
}

func TestParseAgentFlags(t *testing.T) {
	t.Setenv("CAT4IGP_CONFIG", "")
	t.Setenv("CAT4IGP_SERVER", "https://mesh.example.com/")
	t.Setenv("CAT4IGP_ENDPOINT", "")

	cfg, err := ParseAgentFlags([]string{"--endpoint", "203.0.113.1:51820", "--name", "edge-1"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL != "https://mesh.example.com" {
		t.Fatalf("expected trimmed server url, got %q", cfg.ServerURL)
	}
	if cfg.Name != "edge-1" || cfg.Endpoint != "203.0.113.1:51820" {
		t.Fatalf("unexpected agent config %+v", cfg)
	}

	if _, err := ParseAgentFlags([]string{"--endpoint", "203.0.113.1"}); err == nil {
		t.Fatal("expected endpoint without port to be rejected")
	}
	t.Setenv("CAT4IGP_SERVER", "mesh.example.com")
	if _, err := ParseAgentFlags(nil); err == nil {
		t.Fatal("expected relative server url to be rejected")
	}
}

func TestParseOperatorFlagsReturnsRest(t *testing.T) {
	t.Setenv("CAT4IGP_CONFIG", "")
	t.Setenv("CAT4IGP_SERVER", "http://127.0.0.1:8443")
	t.Setenv("CAT4IGP_OPERATOR_TOKEN", "")

	if _, _, err := ParseOperatorFlags("mesh", []string{"list"}); err == nil {
		t.Fatal("expected missing token error")
	}
	cfg, rest, err := ParseOperatorFlags("mesh", []string{"--operator-token", "tok", "create", "core"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Token != "tok" {
		t.Fatalf("unexpected token %q", cfg.Token)
	}
	if len(rest) != 2 || rest[0] != "create" || rest[1] != "core" {
		t.Fatalf("unexpected remaining args %v", rest)
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("CAT4IGP_CONFIG", "/etc/env.toml")

	tests := []struct {
		args []string
		want string
	}{
		{args: []string{"--config", "a.toml"}, want: "a.toml"},
		{args: []string{"-config=b.toml", "--db", "x"}, want: "b.toml"},
		{args: []string{"--db", "x"}, want: "/etc/env.toml"},
		{args: []string{"--", "--config", "c.toml"}, want: "/etc/env.toml"},
	}
	for _, tt := range tests {
		if got := configPath(tt.args); got != tt.want {
			t.Fatalf("configPath(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}
