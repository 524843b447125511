package ifname

import (
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/crypto/blake2s"
)

// DefaultPrefix is prepended to the encoded identifier to form a device
// name. "cat" plus 12 characters fills IFNAMSIZ-1 on Linux.
const DefaultPrefix = "cat"

// MaxInterfaceNameLen is the longest device name Linux accepts.
const MaxInterfaceNameLen = 15

// InterfaceName returns the device name for id.
func InterfaceName(prefix string, id Identifier) (string, error) {
	enc, err := Encode(id)
	if err != nil {
		return "", err
	}
	name := prefix + enc
	if len(name) > MaxInterfaceNameLen {
		return "", fmt.Errorf("interface name %q longer than %d characters", name, MaxInterfaceNameLen)
	}
	return name, nil
}

// ParseInterfaceName strips prefix and decodes the remainder.
func ParseInterfaceName(prefix, name string) (Identifier, error) {
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok {
		return Identifier{}, fmt.Errorf("interface name %q does not start with %q", name, prefix)
	}
	return Decode(rest)
}

// LinkLocalFromName derives a stable fe80::/64 address for an interface
// from the BLAKE2s-256 hash of its name.
func LinkLocalFromName(name string) netip.Addr {
	sum := blake2s.Sum256([]byte(name))
	var a [16]byte
	a[0], a[1] = 0xfe, 0x80
	copy(a[8:], sum[8:16])
	return netip.AddrFrom16(a)
}
