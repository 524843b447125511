package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cat4igp/cat4igp/internal/config"
)

func clearEnvForTest(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CAT4IGP_CONFIG",
		"CAT4IGP_DOMAIN",
		"CAT4IGP_DB_PATH",
		"CAT4IGP_TLS_MODE",
		"CAT4IGP_HTTP3",
		"OTHER_VAR",
	} {
		t.Setenv(key, "")
	}
}

func writeDotEnv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadEnvFromDotEnvLoadsMissingVars(t *testing.T) {
	clearEnvForTest(t)
	path := writeDotEnv(t, "CAT4IGP_DOMAIN=from-file.example.com\nOTHER_VAR=skip\n")

	loadEnvFromDotEnv(path)

	if got := os.Getenv("CAT4IGP_DOMAIN"); got != "from-file.example.com" {
		t.Fatalf("expected CAT4IGP_DOMAIN loaded from file, got %q", got)
	}
	if got := os.Getenv("OTHER_VAR"); got != "" {
		t.Fatalf("expected unprefixed var not to be loaded, got %q", got)
	}
}

func TestLoadEnvFromDotEnvKeepsExistingEnv(t *testing.T) {
	clearEnvForTest(t)
	t.Setenv("CAT4IGP_DOMAIN", "from-env.example.com")
	path := writeDotEnv(t, "CAT4IGP_DOMAIN=from-file.example.com\n")

	loadEnvFromDotEnv(path)

	if got := os.Getenv("CAT4IGP_DOMAIN"); got != "from-env.example.com" {
		t.Fatalf("expected existing env to win, got %q", got)
	}
}

func TestLoadEnvFromDotEnvMissingFile(t *testing.T) {
	clearEnvForTest(t)

	loadEnvFromDotEnv(filepath.Join(t.TempDir(), "nope.env"))

	if got := os.Getenv("CAT4IGP_DOMAIN"); got != "" {
		t.Fatalf("expected nothing loaded, got %q", got)
	}
}

func TestServerConfigPrefersCLIFlagsOverDotEnv(t *testing.T) {
	clearEnvForTest(t)
	path := writeDotEnv(t, "CAT4IGP_DOMAIN=from-file.example.com\nCAT4IGP_DB_PATH=./from-file.db\n")

	loadEnvFromDotEnv(path)
	cfg, err := config.ParseServerFlags([]string{"--domain", "from-cli.example.com", "--db", "./from-cli.db"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Domain != "from-cli.example.com" {
		t.Fatalf("expected CLI domain to win, got %q", cfg.Domain)
	}
	if cfg.DBPath != "./from-cli.db" {
		t.Fatalf("expected CLI db path to win, got %q", cfg.DBPath)
	}
}
