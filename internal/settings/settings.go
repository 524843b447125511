// Package settings caches process-wide key/value settings loaded from the
// store once at startup. Writes go through to the store before the cache is
// updated.
package settings

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cat4igp/cat4igp/internal/domain"
	"github.com/cat4igp/cat4igp/internal/ifname"
)

// Well-known keys.
const (
	KeyDefaultMeshGroup      = "default_mesh_group"
	KeyDefaultWireguardMTU   = "default_wireguard_mtu"
	KeyAuthKeyPepper         = "auth_key_pepper"
	KeyInterfacePrefix       = "interface_prefix"
	KeyWireguardEndpointIPv6 = "wireguard_endpoint_ipv6"
	KeyWireguardFEC          = "wireguard_fec"
	KeyWireguardFakeTCP      = "wireguard_faketcp"
)

// DefaultWireguardMTU is used when default_wireguard_mtu is unset or invalid.
const DefaultWireguardMTU = 1420

const (
	minMTU = 576
	maxMTU = 9000
)

// Backend is the persistence the cache reads from and writes to.
type Backend interface {
	ListSettings(ctx context.Context) ([]domain.Setting, error)
	SetSetting(ctx context.Context, key, value string) error
	SetSettingIfAbsent(ctx context.Context, key, value string) (string, error)
}

// Store is a read-mostly settings cache.
type Store struct {
	backend Backend

	mu     sync.RWMutex
	values map[string]string
	loaded bool
}

// New returns an empty cache over backend. Call Load before reading.
func New(backend Backend) *Store {
	return &Store{backend: backend, values: map[string]string{}}
}

// Load reads every setting from the backend. Later calls are no-ops.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}
	list, err := s.backend.ListSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	for _, st := range list {
		s.values[st.Key] = st.Value
	}
	s.loaded = true
	return nil
}

// Get returns the cached value for key.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// All returns a copy of every cached setting.
func (s *Store) All() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Set validates and persists key=value, then updates the cache.
func (s *Store) Set(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: setting key is required", domain.ErrInvalidArgument)
	}
	if err := Validate(key, value); err != nil {
		return err
	}
	if err := s.backend.SetSetting(ctx, key, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	return nil
}

// Validate checks values for well-known keys. Unknown keys are accepted
// as-is.
func Validate(key, value string) error {
	switch key {
	case KeyDefaultWireguardMTU:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < minMTU || n > maxMTU {
			return fmt.Errorf("%w: %s must be an integer between %d and %d", domain.ErrInvalidArgument, key, minMTU, maxMTU)
		}
	case KeyDefaultMeshGroup:
		if strings.TrimSpace(value) == "" {
			return nil
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: %s must be a mesh group id", domain.ErrInvalidArgument, key)
		}
	case KeyWireguardEndpointIPv6, KeyWireguardFEC, KeyWireguardFakeTCP:
		if _, err := strconv.ParseBool(strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("%w: %s must be true or false", domain.ErrInvalidArgument, key)
		}
	case KeyInterfacePrefix:
		if len(value)+ifname.EncodedLen > ifname.MaxInterfaceNameLen {
			return fmt.Errorf("%w: %s must be at most %d characters", domain.ErrInvalidArgument, key, ifname.MaxInterfaceNameLen-ifname.EncodedLen)
		}
	case KeyAuthKeyPepper:
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%w: %s must not be empty", domain.ErrInvalidArgument, key)
		}
	}
	return nil
}

// DefaultMTU returns default_wireguard_mtu or 1420.
func (s *Store) DefaultMTU() int {
	v, ok := s.Get(KeyDefaultWireguardMTU)
	if !ok {
		return DefaultWireguardMTU
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < minMTU || n > maxMTU {
		return DefaultWireguardMTU
	}
	return n
}

// DefaultMeshGroup returns the group new nodes join when their invite does
// not say otherwise. ok is false when no default is configured.
func (s *Store) DefaultMeshGroup() (int64, bool) {
	v, ok := s.Get(KeyDefaultMeshGroup)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// InterfacePrefix returns interface_prefix or "cat".
func (s *Store) InterfacePrefix() string {
	if v, ok := s.Get(KeyInterfacePrefix); ok {
		return v
	}
	return ifname.DefaultPrefix
}

// EndpointIPv6 reports whether new tunnels exchange IPv6 endpoints.
func (s *Store) EndpointIPv6() bool {
	return s.flag(KeyWireguardEndpointIPv6)
}

// FEC reports whether new tunnels are flagged for FEC wrapping.
func (s *Store) FEC() bool {
	return s.flag(KeyWireguardFEC)
}

// FakeTCP reports whether new tunnels are flagged for FakeTCP wrapping.
func (s *Store) FakeTCP() bool {
	return s.flag(KeyWireguardFakeTCP)
}

func (s *Store) flag(key string) bool {
	v, ok := s.Get(key)
	if !ok {
		return false
	}
	b, _ := strconv.ParseBool(strings.TrimSpace(v))
	return b
}

// AuthPepper resolves the credential hashing pepper. An override from
// configuration wins; otherwise the stored pepper is used, and one is
// generated with gen and persisted on first start.
func (s *Store) AuthPepper(ctx context.Context, override string, gen func() (string, error)) (string, error) {
	if override = strings.TrimSpace(override); override != "" {
		return override, nil
	}
	if v, ok := s.Get(KeyAuthKeyPepper); ok && v != "" {
		return v, nil
	}
	candidate, err := gen()
	if err != nil {
		return "", err
	}
	stored, err := s.backend.SetSettingIfAbsent(ctx, KeyAuthKeyPepper, candidate)
	if err != nil {
		return "", fmt.Errorf("persist %s: %w", KeyAuthKeyPepper, err)
	}
	s.mu.Lock()
	s.values[KeyAuthKeyPepper] = stored
	s.mu.Unlock()
	return stored, nil
}
