package cli

import (
	"bytes"
	"strings"
	"testing"
)

// field returns the value of a "key: value" output line.
func field(t *testing.T, out, key string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(line, key+": "); ok {
			return v
		}
	}
	t.Fatalf("output has no %q line:\n%s", key, out)
	return ""
}

func TestIfnameEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	var out, errb bytes.Buffer
	if code := runIfname([]string{"encode", "--ipv6", "5", "300"}, &out, &errb); code != 0 {
		t.Fatalf("encode exit %d: %s", code, errb.String())
	}
	name := field(t, out.String(), "name")
	if !strings.HasPrefix(name, "cat") || len(name) != 15 {
		t.Fatalf("unexpected name %q", name)
	}
	linkLocal := field(t, out.String(), "link_local")
	if !strings.HasPrefix(linkLocal, "fe80::") {
		t.Fatalf("unexpected link-local %q", linkLocal)
	}

	for _, in := range []string{name, strings.TrimPrefix(name, "cat"), strings.ToLower(name)} {
		out.Reset()
		errb.Reset()
		if code := runIfname([]string{"decode", in}, &out, &errb); code != 0 {
			t.Fatalf("decode %q exit %d: %s", in, code, errb.String())
		}
		got := out.String()
		if field(t, got, "protocol") != "wireguard" || field(t, got, "peer_id") != "5" ||
			field(t, got, "tunnel_id") != "300" || field(t, got, "ipv6") != "true" {
			t.Fatalf("decode %q:\n%s", in, got)
		}
		if field(t, got, "name") != name || field(t, got, "link_local") != linkLocal {
			t.Fatalf("decode %q did not canonicalize:\n%s", in, got)
		}
	}
}

func TestIfnameErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		code int
	}{
		{"peer too large", []string{"encode", "40000", "1"}, 2},
		{"missing tunnel id", []string{"encode", "5"}, 2},
		{"bad character", []string{"decode", "catUUUUUUUUUUUU"}, 1},
		{"wrong prefix", []string{"decode", "--prefix", "wg", "cat000000000000"}, 1},
		{"unknown subcommand", []string{"explain", "x"}, 2},
	}
	for _, tt := range tests {
		var out, errb bytes.Buffer
		if code := runIfname(tt.args, &out, &errb); code != tt.code {
			t.Fatalf("%s: exit %d, want %d (stderr %q)", tt.name, code, tt.code, errb.String())
		}
	}
}
