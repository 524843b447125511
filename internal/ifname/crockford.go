package ifname

import (
	"fmt"
	"strings"
)

// Alphabet is the Crockford base32 alphabet.
const Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// EncodedLen is the length of a printable identifier: 56 value bits plus 4
// zero pad bits.
const EncodedLen = 12

const padBits = EncodedLen*groupBits - Bits

var decodeMap = func() [256]int8 {
	var m [256]int8
	for i := range m {
		m[i] = -1
	}
	for i := 0; i < len(Alphabet); i++ {
		c := Alphabet[i]
		m[c] = int8(i)
		m[c|0x20] = int8(i)
	}
	for _, alias := range []struct {
		c byte
		v int8
	}{{'O', 0}, {'I', 1}, {'L', 1}} {
		m[alias.c] = alias.v
		m[alias.c|0x20] = alias.v
	}
	return m
}()

// FormatValue renders a 56-bit value in upper-case Crockford base32.
func FormatValue(v uint64) string {
	x := (v & valueMask) << padBits
	var buf [EncodedLen]byte
	for i := range buf {
		shift := (EncodedLen - 1 - i) * groupBits
		buf[i] = Alphabet[(x>>shift)&selectorMax]
	}
	return string(buf[:])
}

// ParseValue decodes a printable identifier. Input is case-insensitive,
// hyphens are ignored and O, I and L are read as 0, 1 and 1.
func ParseValue(s string) (uint64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "-", "")
	if len(s) != EncodedLen {
		return 0, &CodecError{Op: "decode", Group: -1, Bit: -1, Err: fmt.Errorf("%w: got %d", ErrBadLength, len(s))}
	}
	var x uint64
	for i := 0; i < len(s); i++ {
		d := decodeMap[s[i]]
		if d < 0 {
			return 0, &CodecError{Op: "decode", Group: i, Bit: i * groupBits, Err: fmt.Errorf("%w %q", ErrBadChar, s[i])}
		}
		x = x<<groupBits | uint64(d)
	}
	if x&(1<<padBits-1) != 0 {
		return 0, &CodecError{Op: "decode", Group: EncodedLen - 1, Bit: Bits, Err: ErrPadBits}
	}
	return x >> padBits, nil
}
