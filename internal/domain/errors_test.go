package domain

import (
	"errors"
	"testing"
)

func TestTunnelErrorMessage(t *testing.T) {
	t.Parallel()

	err := &TunnelError{TunnelID: 12, Op: "set_endpoint", Err: ErrTunnelRetired}
	want := "tunnel 12: set_endpoint: tunnel retired"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTunnelErrorUnwrap(t *testing.T) {
	t.Parallel()

	err := &TunnelError{TunnelID: 2, Op: "create", Err: ErrTunnelConflict}
	if !errors.Is(err, ErrTunnelConflict) {
		t.Fatal("expected errors.Is to match ErrTunnelConflict")
	}
}

func TestTunnelErrorWithoutID(t *testing.T) {
	t.Parallel()

	err := &TunnelError{Op: "resolve", Err: ErrTunnelNotFound}
	want := "resolve: tunnel not found"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestInviteErrorKinds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind InviteErrorKind
		want error
		msg  string
	}{
		{InviteNotFound, ErrInviteNotFound, "invite not found"},
		{InviteExpired, ErrInviteExpired, "invite expired"},
		{InviteExhausted, ErrInviteExhausted, "invite exhausted"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.kind.String(), func(t *testing.T) {
			t.Parallel()
			var err error = &InviteError{Kind: tc.kind}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected errors.Is(%v, %v)", err, tc.want)
			}
			if got := err.Error(); got != tc.msg {
				t.Fatalf("got %q, want %q", got, tc.msg)
			}
			var ie *InviteError
			if !errors.As(err, &ie) || ie.Kind != tc.kind {
				t.Fatalf("expected errors.As to recover kind %v", tc.kind)
			}
		})
	}
}
