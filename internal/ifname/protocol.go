package ifname

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Protocol identifies the tunnel transport behind an interface. Primary
// protocols use Selector alone. Extended protocols set Selector to
// [SelectorExtended] and carry their type in Sub.
type Protocol struct {
	Selector uint8
	Sub      uint16
}

// WireGuard is the primary WireGuard protocol.
func WireGuard() Protocol {
	return Protocol{Selector: SelectorWireGuard}
}

// Primary returns the primary protocol with the given 5-bit selector.
func Primary(selector uint8) Protocol {
	return Protocol{Selector: selector}
}

// Extended returns the extended protocol with the given sub-type.
func Extended(sub uint16) Protocol {
	return Protocol{Selector: SelectorExtended, Sub: sub}
}

// IsExtended reports whether p uses the multi-group type encoding.
func (p Protocol) IsExtended() bool {
	return p.Selector == SelectorExtended
}

func (p Protocol) String() string {
	if p.IsExtended() {
		return fmt.Sprintf("extended/%d", p.Sub)
	}
	if p.Selector == SelectorWireGuard {
		return "wireguard"
	}
	return fmt.Sprintf("primary/%d", p.Selector)
}

// extendedGroups is the minimal group count that holds Sub.
func (p Protocol) extendedGroups() (int, error) {
	if p.Sub > MaxExtendedSub {
		return 0, &CodecError{Op: "encode", Group: 1, Bit: groupBits, Err: fmt.Errorf("%w: sub-type %d", ErrTypeTooLong, p.Sub)}
	}
	n := 1
	for v := p.Sub >> 4; v != 0; v >>= 4 {
		n++
	}
	return n, nil
}

func (p Protocol) typeBits() (int, error) {
	if !p.IsExtended() {
		return groupBits, nil
	}
	n, err := p.extendedGroups()
	if err != nil {
		return 0, err
	}
	return groupBits * (1 + n), nil
}

// ErrProtocolRegistered is returned when a protocol is registered twice.
var ErrProtocolRegistered = errors.New("protocol already registered")

// Registry is an append-only set of known protocols used by [DecodeStrict].
type Registry struct {
	mu    sync.RWMutex
	names map[Protocol]string
}

// NewRegistry returns a registry that knows WireGuard.
func NewRegistry() *Registry {
	return &Registry{names: map[Protocol]string{WireGuard(): "wireguard"}}
}

// Register adds p under name. Entries are never removed or replaced.
func (r *Registry) Register(p Protocol, name string) error {
	if p.Selector > selectorMax {
		return fmt.Errorf("register %s: %w", p, ErrFieldOverflow)
	}
	if !p.IsExtended() && p.Sub != 0 {
		return fmt.Errorf("register %s: primary protocols have no sub-type", p)
	}
	if p.IsExtended() {
		if _, err := p.extendedGroups(); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.names[p]; ok {
		return fmt.Errorf("register %s: %w", p, ErrProtocolRegistered)
	}
	r.names[p] = name
	return nil
}

// Known reports whether p has been registered.
func (r *Registry) Known(p Protocol) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.names[p]
	return ok
}

// Name returns the registered name of p.
func (r *Registry) Name(p Protocol) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.names[p]
	return name, ok
}

// Protocols lists registered protocols, primaries first.
func (r *Registry) Protocols() []Protocol {
	r.mu.RLock()
	out := make([]Protocol, 0, len(r.names))
	for p := range r.names {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsExtended() != out[j].IsExtended() {
			return !out[i].IsExtended()
		}
		if out[i].Selector != out[j].Selector {
			return out[i].Selector < out[j].Selector
		}
		return out[i].Sub < out[j].Sub
	})
	return out
}
