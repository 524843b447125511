// Package ifname packs tunnel interface identifiers into a 56-bit value and
// renders them as 12-character Crockford base32 strings.
//
// The value is read most-significant bit first. The first 5-bit group selects
// the protocol. The extended selector is followed by one to three 5-bit
// groups, each carrying a continuation flag in its top bit and four bits of
// sub-type. The next 15 bits hold the peer node id and whatever is left is
// protocol data.
package ifname

import (
	"errors"
	"fmt"
	"math/bits"
)

const (
	// Bits is the fixed width of an identifier value.
	Bits = 56
	// PeerBits is the width of the peer node id field.
	PeerBits = 15
	// MaxPeerID is the largest peer node id that fits the identifier.
	MaxPeerID = 1<<PeerBits - 1

	// SelectorWireGuard is the primary selector for WireGuard tunnels.
	SelectorWireGuard uint8 = 0b11100
	// SelectorExtended marks a protocol whose type continues into the
	// following groups.
	SelectorExtended uint8 = 0b11101

	// MaxExtendedGroups bounds the extended type to three groups.
	MaxExtendedGroups = 3
	// MaxExtendedSub is the largest extended sub-type.
	MaxExtendedSub = 1<<(4*MaxExtendedGroups) - 1

	groupBits        = 5
	continuationFlag = 0b10000
	payloadMask      = 0b01111
	selectorMax      = 1<<groupBits - 1
	valueMask        = uint64(1)<<Bits - 1
)

// Identifier is the decoded form of an interface identifier.
type Identifier struct {
	Protocol Protocol
	PeerID   uint16
	// Data is right-aligned and must fit in DataBits.
	Data uint64
}

// DataBits returns the width of the protocol data field for id's protocol.
func (id Identifier) DataBits() (int, error) {
	tb, err := id.Protocol.typeBits()
	if err != nil {
		return 0, err
	}
	return Bits - tb - PeerBits, nil
}

// Pack lays id out as a 56-bit value.
func Pack(id Identifier) (uint64, error) {
	p := id.Protocol
	if p.Selector > selectorMax {
		return 0, &CodecError{Op: "encode", Group: 0, Bit: 0, Err: fmt.Errorf("%w: selector %d", ErrFieldOverflow, p.Selector)}
	}
	if id.PeerID > MaxPeerID {
		return 0, &CodecError{Op: "encode", Group: -1, Bit: -1, Err: fmt.Errorf("%w: peer id %d exceeds %d", ErrFieldOverflow, id.PeerID, MaxPeerID)}
	}

	var w bitWriter
	w.put(uint64(p.Selector), groupBits)
	if p.IsExtended() {
		groups, err := p.extendedGroups()
		if err != nil {
			return 0, err
		}
		for i := groups - 1; i >= 0; i-- {
			g := uint64(p.Sub>>(4*i)) & payloadMask
			if i > 0 {
				g |= continuationFlag
			}
			w.put(g, groupBits)
		}
	} else if p.Sub != 0 {
		return 0, &CodecError{Op: "encode", Group: 0, Bit: 0, Err: fmt.Errorf("%w: primary selector %d carries a sub-type", ErrFieldOverflow, p.Selector)}
	}
	w.put(uint64(id.PeerID), PeerBits)

	dataBits := Bits - w.n
	if dataBits < 64 && id.Data>>dataBits != 0 {
		return 0, &CodecError{Op: "encode", Group: -1, Bit: w.n, Err: fmt.Errorf("%w: data needs %d bits, field has %d", ErrFieldOverflow, bits.Len64(id.Data), dataBits)}
	}
	w.put(id.Data, dataBits)
	return w.v, nil
}

// Unpack splits a 56-bit value into its fields. It does not consult a
// protocol registry; see [DecodeStrict].
func Unpack(v uint64) (Identifier, error) {
	if v&^valueMask != 0 {
		return Identifier{}, &CodecError{Op: "decode", Group: -1, Bit: -1, Err: fmt.Errorf("%w: value wider than %d bits", ErrFieldOverflow, Bits)}
	}
	r := bitReader{v: v}
	var id Identifier
	id.Protocol.Selector = uint8(r.take(groupBits))

	if id.Protocol.IsExtended() {
		var sub uint16
		for g := 1; ; g++ {
			bit := r.n
			grp := r.take(groupBits)
			more := grp&continuationFlag != 0
			payload := uint16(grp & payloadMask)
			if g == 1 && more && payload == 0 {
				return Identifier{}, &CodecError{Op: "decode", Group: g, Bit: bit, Err: ErrNonCanonical}
			}
			sub = sub<<4 | payload
			if !more {
				break
			}
			if g == MaxExtendedGroups {
				return Identifier{}, &CodecError{Op: "decode", Group: g, Bit: bit, Err: ErrTypeTooLong}
			}
		}
		id.Protocol.Sub = sub
	}

	id.PeerID = uint16(r.take(PeerBits))
	id.Data = r.take(Bits - r.n)
	return id, nil
}

// Encode packs id and renders it as a 12-character string.
func Encode(id Identifier) (string, error) {
	v, err := Pack(id)
	if err != nil {
		return "", err
	}
	return FormatValue(v), nil
}

// Decode parses a printable identifier without checking the protocol
// against a registry.
func Decode(s string) (Identifier, error) {
	v, err := ParseValue(s)
	if err != nil {
		return Identifier{}, err
	}
	return Unpack(v)
}

// DecodeStrict is like [Decode] but rejects protocols reg does not know.
func DecodeStrict(s string, reg *Registry) (Identifier, error) {
	id, err := Decode(s)
	if err != nil {
		return Identifier{}, err
	}
	if reg == nil || !reg.Known(id.Protocol) {
		group, bit := 0, 0
		if id.Protocol.IsExtended() {
			group, bit = 1, groupBits
		}
		return Identifier{}, &CodecError{Op: "decode", Group: group, Bit: bit, Err: fmt.Errorf("%w: %s", ErrUnknownProtocol, id.Protocol)}
	}
	return id, nil
}

type bitWriter struct {
	v uint64
	n int
}

func (w *bitWriter) put(val uint64, width int) {
	w.v = w.v<<width | val
	w.n += width
}

type bitReader struct {
	v uint64
	n int
}

func (r *bitReader) take(width int) uint64 {
	shift := Bits - r.n - width
	r.n += width
	return (r.v >> shift) & (uint64(1)<<width - 1)
}

// Sentinel errors carried inside [CodecError].
var (
	ErrTypeTooLong     = errors.New("extended protocol type exceeds three groups")
	ErrNonCanonical    = errors.New("extended protocol type has a redundant leading group")
	ErrUnknownProtocol = errors.New("unknown protocol type")
	ErrFieldOverflow   = errors.New("field overflow")
	ErrBadLength       = errors.New("identifier must be 12 characters")
	ErrBadChar         = errors.New("invalid base32 character")
	ErrPadBits         = errors.New("trailing pad bits must be zero")
)

// CodecError reports a malformed identifier. Group is the 5-bit group index
// and Bit the offset from the most significant bit; either is -1 when the
// failure is not tied to a position.
type CodecError struct {
	Op    string
	Group int
	Bit   int
	Err   error
}

func (e *CodecError) Error() string {
	if e.Group < 0 && e.Bit < 0 {
		return fmt.Sprintf("ifname %s: %v", e.Op, e.Err)
	}
	if e.Group < 0 {
		return fmt.Sprintf("ifname %s: bit %d: %v", e.Op, e.Bit, e.Err)
	}
	return fmt.Sprintf("ifname %s: group %d (bit %d): %v", e.Op, e.Group, e.Bit, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}
