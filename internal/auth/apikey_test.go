package auth

import (
	"errors"
	"testing"
)

func TestHashSecretDeterministic(t *testing.T) {
	a := HashSecret("abc", "pepper")
	b := HashSecret("abc", "pepper")
	if a != b {
		t.Fatalf("expected deterministic hash")
	}
	if HashSecret("abc", "other") == a {
		t.Fatalf("expected pepper to change the hash")
	}
}

func TestConstantTimeHashEquals(t *testing.T) {
	if !ConstantTimeHashEquals("abc", "abc") {
		t.Fatalf("expected equal hashes")
	}
	if ConstantTimeHashEquals("abc", "abd") {
		t.Fatalf("expected non-equal hashes")
	}
}

func TestConstantTimeEquals(t *testing.T) {
	if !ConstantTimeEquals("operator-token", "operator-token") {
		t.Fatalf("expected equal tokens")
	}
	if ConstantTimeEquals("operator-token", "operator-token-longer") {
		t.Fatalf("expected different lengths to differ")
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	cred := FormatCredential(42, secret)
	id, got, err := ParseCredential(cred)
	if err != nil {
		t.Fatal(err)
	}
	if id != 42 || got != secret {
		t.Fatalf("got %d %q, want 42 %q", id, got, secret)
	}
}

func TestParseCredentialRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "abc", "42.", ".secret", "x.secret", "0.secret", "-1.secret"} {
		if _, _, err := ParseCredential(in); !errors.Is(err, ErrMalformedCredential) {
			t.Fatalf("ParseCredential(%q): expected ErrMalformedCredential, got %v", in, err)
		}
	}
}
