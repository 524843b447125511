package ifname

import (
	"encoding/base32"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []Identifier{
		{Protocol: WireGuard()},
		{Protocol: WireGuard(), PeerID: MaxPeerID, Data: 1<<36 - 1},
		{Protocol: WireGuard(), PeerID: 3, Data: WireGuardData{IPv6: true, TunnelID: 77}.Pack()},
		{Protocol: Primary(0), PeerID: 1, Data: 12345},
		{Protocol: Primary(31), PeerID: 42, Data: 1 << 35},
		{Protocol: Extended(0), PeerID: 9, Data: 1<<31 - 1},
		{Protocol: Extended(15), PeerID: 100, Data: 5},
		{Protocol: Extended(16), PeerID: 200, Data: 1<<26 - 1},
		{Protocol: Extended(255), PeerID: 300, Data: 1},
		{Protocol: Extended(256), PeerID: 400, Data: 1<<21 - 1},
		{Protocol: Extended(MaxExtendedSub), PeerID: MaxPeerID, Data: 1<<21 - 1},
	}
	for _, want := range cases {
		s, err := Encode(want)
		if err != nil {
			t.Fatalf("Encode(%+v): %v", want, err)
		}
		if len(s) != EncodedLen {
			t.Fatalf("Encode(%+v) = %q, want %d characters", want, s, EncodedLen)
		}
		got, err := Decode(s)
		if err != nil {
			t.Fatalf("Decode(%q): %v", s, err)
		}
		if got != want {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestDataBitsByProtocol(t *testing.T) {
	t.Parallel()

	tests := []struct {
		p    Protocol
		want int
	}{
		{WireGuard(), 36},
		{Extended(0), 31},
		{Extended(15), 31},
		{Extended(16), 26},
		{Extended(255), 26},
		{Extended(256), 21},
		{Extended(MaxExtendedSub), 21},
	}
	for _, tt := range tests {
		got, err := Identifier{Protocol: tt.p}.DataBits()
		if err != nil {
			t.Fatalf("DataBits(%s): %v", tt.p, err)
		}
		if got != tt.want {
			t.Fatalf("DataBits(%s) = %d, want %d", tt.p, got, tt.want)
		}
	}
}

func TestUnpackRejectsFourthExtendedGroup(t *testing.T) {
	t.Parallel()

	v := uint64(SelectorExtended)<<51 | 0b10001<<46 | 0b10001<<41 | 0b10001<<36
	_, err := Unpack(v)
	if !errors.Is(err, ErrTypeTooLong) {
		t.Fatalf("expected ErrTypeTooLong, got %v", err)
	}
	var ce *CodecError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CodecError, got %T", err)
	}
	if ce.Group != 3 || ce.Bit != 15 {
		t.Fatalf("expected group 3 at bit 15, got group %d bit %d", ce.Group, ce.Bit)
	}
}

func TestUnpackRejectsNonCanonicalExtendedType(t *testing.T) {
	t.Parallel()

	v := uint64(SelectorExtended)<<51 | 0b10000<<46 | 0b00001<<41
	if _, err := Unpack(v); !errors.Is(err, ErrNonCanonical) {
		t.Fatalf("expected ErrNonCanonical, got %v", err)
	}
}

func TestUnpackRejectsWideValue(t *testing.T) {
	t.Parallel()

	if _, err := Unpack(1 << Bits); !errors.Is(err, ErrFieldOverflow) {
		t.Fatalf("expected ErrFieldOverflow, got %v", err)
	}
}

func TestEncodeRejectsOverflow(t *testing.T) {
	t.Parallel()

	cases := map[string]Identifier{
		"peer id":          {Protocol: WireGuard(), PeerID: MaxPeerID + 1},
		"primary data":     {Protocol: WireGuard(), Data: 1 << 36},
		"extended data":    {Protocol: Extended(MaxExtendedSub), Data: 1 << 21},
		"extended type":    {Protocol: Extended(MaxExtendedSub + 1)},
		"selector":         {Protocol: Primary(32)},
		"primary sub-type": {Protocol: Protocol{Selector: SelectorWireGuard, Sub: 1}},
	}
	for name, id := range cases {
		if _, err := Encode(id); err == nil {
			t.Fatalf("%s: expected encode error", name)
		}
	}
	if _, err := Encode(Identifier{Protocol: Extended(MaxExtendedSub + 1)}); !errors.Is(err, ErrTypeTooLong) {
		t.Fatalf("expected ErrTypeTooLong, got %v", err)
	}
}

func TestFormatValueSelectorCharacter(t *testing.T) {
	t.Parallel()

	if got := FormatValue(uint64(SelectorWireGuard) << 51); got != "W00000000000" {
		t.Fatalf("got %q", got)
	}
	if got := FormatValue(uint64(SelectorExtended) << 51); got != "X00000000000" {
		t.Fatalf("got %q", got)
	}
}

func TestFormatValueMatchesStdlibCrockford(t *testing.T) {
	t.Parallel()

	enc := base32.NewEncoding(Alphabet).WithPadding(base32.NoPadding)
	for _, v := range []uint64{0, 1, 0xABCDEF, 1<<Bits - 1, 0x00E1234567890A} {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], v<<8)
		want := enc.EncodeToString(buf[:])[:EncodedLen]
		if got := FormatValue(v); got != want {
			t.Fatalf("FormatValue(%#x) = %q, want %q", v, got, want)
		}
	}
}

func TestWireGuardLayoutMatchesByteLayout(t *testing.T) {
	t.Parallel()

	var peer, tunnel uint16 = 0x1234, 0xABCD
	var b [8]byte
	b[0] = 0b11100<<3 | byte(peer>>12)&0b111
	b[1] = byte(peer >> 4)
	b[2] = byte(peer&0xF)<<4 | 0b1000
	b[3] = byte(tunnel >> 8)
	b[4] = byte(tunnel)
	want := base32.NewEncoding(Alphabet).WithPadding(base32.NoPadding).EncodeToString(b[:])[:EncodedLen]

	got, err := Encode(WireGuardIdentifier(peer, WireGuardData{IPv6: true, TunnelID: tunnel}))
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestParseValueAliasesAndCase(t *testing.T) {
	t.Parallel()

	id := WireGuardIdentifier(1, WireGuardData{TunnelID: 1, FEC: true})
	s, err := Encode(id)
	if err != nil {
		t.Fatal(err)
	}
	mangled := strings.NewReplacer("0", "o", "1", "I").Replace(strings.ToLower(s))
	got, err := Decode(mangled[:4] + "-" + mangled[4:])
	if err != nil {
		t.Fatalf("Decode(%q): %v", mangled, err)
	}
	if got != id {
		t.Fatalf("got %+v, want %+v", got, id)
	}
}

func TestParseValueErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want error
	}{
		{"W0000000000", ErrBadLength},
		{"W000000000000", ErrBadLength},
		{"W0000000000U", ErrBadChar},
		{"W00000000001", ErrPadBits},
	}
	for _, tt := range tests {
		if _, err := ParseValue(tt.in); !errors.Is(err, tt.want) {
			t.Fatalf("ParseValue(%q): got %v, want %v", tt.in, err, tt.want)
		}
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	wg, _ := Encode(WireGuardIdentifier(7, WireGuardData{TunnelID: 3}))
	if _, err := DecodeStrict(wg, reg); err != nil {
		t.Fatalf("expected wireguard to be known: %v", err)
	}

	ext, _ := Encode(Identifier{Protocol: Extended(300), PeerID: 7})
	if _, err := DecodeStrict(ext, reg); !errors.Is(err, ErrUnknownProtocol) {
		t.Fatalf("expected ErrUnknownProtocol, got %v", err)
	}
	if err := reg.Register(Extended(300), "gre"); err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeStrict(ext, reg); err != nil {
		t.Fatalf("expected registered extended type to decode: %v", err)
	}
	if err := reg.Register(Extended(300), "gre"); !errors.Is(err, ErrProtocolRegistered) {
		t.Fatalf("expected ErrProtocolRegistered, got %v", err)
	}
}

func TestRegistryProtocolsOrder(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	_ = reg.Register(Extended(2), "b")
	_ = reg.Register(Extended(1), "a")
	_ = reg.Register(Primary(1), "p")

	got := reg.Protocols()
	want := []Protocol{Primary(1), WireGuard(), Extended(1), Extended(2)}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestWireGuardDataRoundTrip(t *testing.T) {
	t.Parallel()

	for _, d := range []WireGuardData{
		{},
		{IPv6: true},
		{FEC: true, FakeTCP: true, TunnelID: 0xFFFF},
		{IPv6: true, FEC: true, FakeTCP: true, TunnelID: 1},
	} {
		got, err := UnpackWireGuardData(d.Pack())
		if err != nil {
			t.Fatal(err)
		}
		if got != d {
			t.Fatalf("got %+v, want %+v", got, d)
		}
	}
	if _, err := UnpackWireGuardData(1); err == nil {
		t.Fatal("expected reserved bit rejection")
	}
}
