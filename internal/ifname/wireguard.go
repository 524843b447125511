package ifname

import "fmt"

// WireGuardData is the protocol data of a WireGuard identifier.
//
// Layout of the 36 data bits, most significant first: IPv6, FEC and FakeTCP
// flags, one reserved bit, the low 16 bits of the tunnel id and 16 reserved
// bits.
type WireGuardData struct {
	IPv6     bool
	FEC      bool
	FakeTCP  bool
	TunnelID uint16
}

const (
	wgDataBits     = Bits - groupBits - PeerBits
	wgFlagIPv6     = uint64(1) << (wgDataBits - 1)
	wgFlagFEC      = uint64(1) << (wgDataBits - 2)
	wgFlagFakeTCP  = uint64(1) << (wgDataBits - 3)
	wgTunnelShift  = 16
	wgReservedMask = uint64(1)<<(wgDataBits-4) | 0xFFFF
)

// Pack returns the 36-bit data value.
func (d WireGuardData) Pack() uint64 {
	v := uint64(d.TunnelID) << wgTunnelShift
	if d.IPv6 {
		v |= wgFlagIPv6
	}
	if d.FEC {
		v |= wgFlagFEC
	}
	if d.FakeTCP {
		v |= wgFlagFakeTCP
	}
	return v
}

// UnpackWireGuardData reads WireGuard data. Reserved bits must be zero.
func UnpackWireGuardData(v uint64) (WireGuardData, error) {
	if v>>wgDataBits != 0 {
		return WireGuardData{}, fmt.Errorf("%w: wireguard data wider than %d bits", ErrFieldOverflow, wgDataBits)
	}
	if v&wgReservedMask != 0 {
		return WireGuardData{}, fmt.Errorf("%w: wireguard reserved bits set", ErrFieldOverflow)
	}
	return WireGuardData{
		IPv6:     v&wgFlagIPv6 != 0,
		FEC:      v&wgFlagFEC != 0,
		FakeTCP:  v&wgFlagFakeTCP != 0,
		TunnelID: uint16(v >> wgTunnelShift),
	}, nil
}

// WireGuardIdentifier builds the identifier a node uses for its side of a
// WireGuard tunnel to peerID.
func WireGuardIdentifier(peerID uint16, data WireGuardData) Identifier {
	return Identifier{Protocol: WireGuard(), PeerID: peerID, Data: data.Pack()}
}
