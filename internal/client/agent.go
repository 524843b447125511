package client

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/cat4igp/cat4igp/internal/auth"
	"github.com/cat4igp/cat4igp/internal/client/settings"
	"github.com/cat4igp/cat4igp/internal/config"
	"github.com/cat4igp/cat4igp/internal/domain"
)

// Applier configures the local side of a tunnel once both endpoints and the
// peer key are known. Interfaces themselves are created out of band.
// Confirmed reports whether the peer has been heard from over the tunnel;
// the agent answers a tunnel only after it returns true.
type Applier interface {
	Apply(ctx context.Context, intent domain.TunnelIntent) error
	Confirmed(ctx context.Context, intent domain.TunnelIntent) (bool, error)
}

// handshakePollInterval is how often the agent rechecks tunnels that are
// configured but not yet confirmed.
const handshakePollInterval = 5 * time.Second

// ErrNotEnrolled is returned when the agent has no credential and no invite.
var ErrNotEnrolled = errors.New("no node credential: pass --credential or --invite")

// Agent keeps one node's tunnels negotiated: it publishes the node's
// endpoint and key, and answers every tunnel it has configured.
type Agent struct {
	cfg     config.AgentConfig
	log     *slog.Logger
	client  *Client
	applier Applier
	nodeID  int64

	resolve  func(ctx context.Context, network, host string) ([]netip.Addr, error)
	assigned map[int64]string
	// applied maps tunnel id to the peer key and endpoint last applied.
	applied map[int64]string
	pending int
}

// NewAgent returns an Agent. Call Run to enroll and start syncing.
func NewAgent(cfg config.AgentConfig, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:      cfg,
		log:      logger,
		client:   New(cfg.ServerURL, cfg.Credential, cfg.Timeout, logger),
		applier:  logApplier{log: logger},
		resolve:  net.DefaultResolver.LookupNetIP,
		assigned: map[int64]string{},
		applied:  map[int64]string{},
	}
}

// SetApplier replaces the default applier, which only logs.
func (a *Agent) SetApplier(ap Applier) {
	a.applier = ap
}

// NodeID returns the enrolled node id, or 0 before enrollment.
func (a *Agent) NodeID() int64 { return a.nodeID }

// Run enrolls if needed and then syncs on every pushed change and on the
// resync interval until ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.enroll(ctx); err != nil {
		return err
	}
	if err := a.publishKey(ctx); err != nil {
		return err
	}

	trigger := make(chan struct{}, 1)
	go a.watchLoop(ctx, trigger)

	ticker := time.NewTicker(a.cfg.ResyncInterval)
	defer ticker.Stop()
	for {
		if err := a.Sync(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if IsUnauthorized(err) {
				return fmt.Errorf("credential rejected by server: %w", err)
			}
			a.log.Warn("tunnel sync failed", "err", shortenError(err))
		}
		var recheck <-chan time.Time
		if a.pending > 0 {
			recheck = time.After(handshakePollInterval)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-trigger:
		case <-ticker.C:
		case <-recheck:
		}
	}
}

// enroll picks the credential from config, then the state file, and
// registers with the invite as a last resort.
func (a *Agent) enroll(ctx context.Context) error {
	if a.cfg.Credential != "" {
		return a.useCredential(a.cfg.Credential)
	}
	saved, err := settings.Load(a.cfg.StateFile)
	switch {
	case err == nil && saved.ServerURL == a.cfg.ServerURL:
		a.log.Info("using saved credential", "state_file", a.cfg.StateFile, "node_id", saved.NodeID)
		return a.useCredential(saved.Credential)
	case err == nil:
		a.log.Warn("saved credential belongs to another server; ignoring", "saved_server", saved.ServerURL)
	case !errors.Is(err, fs.ErrNotExist):
		a.log.Warn("state file unreadable", "state_file", a.cfg.StateFile, "err", err)
	}

	if a.cfg.InviteCode == "" {
		return ErrNotEnrolled
	}
	var publicKey string
	if a.cfg.PublicKey != "" {
		key, err := wgtypes.ParseKey(a.cfg.PublicKey)
		if err != nil {
			return fmt.Errorf("invalid public key: %w", err)
		}
		publicKey = key.String()
	}
	resp, err := a.client.Register(ctx, domain.RegisterRequest{
		InviteCode: a.cfg.InviteCode,
		Name:       a.cfg.Name,
		PublicKey:  publicKey,
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	a.log.Info("node registered", "node_id", resp.NodeID, "name", resp.Name)
	if err := settings.Save(a.cfg.StateFile, settings.Credentials{
		ServerURL:  a.cfg.ServerURL,
		NodeID:     resp.NodeID,
		Credential: resp.Credential,
	}); err != nil {
		// The credential is shown once; losing it means re-enrolling.
		a.log.Error("save credential failed", "state_file", a.cfg.StateFile, "err", err)
	}
	return a.useCredential(resp.Credential)
}

func (a *Agent) useCredential(credential string) error {
	nodeID, _, err := auth.ParseCredential(credential)
	if err != nil {
		return fmt.Errorf("malformed credential: %w", err)
	}
	a.nodeID = nodeID
	a.client = a.client.WithToken(credential)
	return nil
}

func (a *Agent) publishKey(ctx context.Context) error {
	if a.cfg.PublicKey == "" {
		return nil
	}
	key, err := wgtypes.ParseKey(a.cfg.PublicKey)
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	if _, err := a.client.SetStaticKey(ctx, key.String()); err != nil {
		return fmt.Errorf("publish public key: %w", err)
	}
	a.log.Info("public key published", "node_id", a.nodeID)
	return nil
}

func (a *Agent) watchLoop(ctx context.Context, trigger chan<- struct{}) {
	reconnect := newReconnectBackOff()
	for {
		started := time.Now()
		err := a.client.Watch(ctx, func(evt domain.Event) {
			if evt.Kind != domain.EventTunnelsChanged {
				return
			}
			select {
			case trigger <- struct{}{}:
			default:
			}
		})
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > reconnectMaxDelay {
			reconnect.Reset()
		}
		delay := reconnect.NextBackOff()
		switch {
		case IsUnauthorized(err):
			a.log.Error("watch rejected; relying on periodic resync", "err", err)
			return
		case isTLSProvisioningInProgressError(err):
			a.log.Info("server TLS certificate provisioning in progress; retrying", "retry_in", delay.Round(time.Second).String())
		default:
			a.log.Warn("watch disconnected; reconnecting", "err", shortenError(err), "retry_in", delay.Round(time.Second).String())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// Sync fetches the node's tunnels and advances each one as far as the
// agent can on its own.
func (a *Agent) Sync(ctx context.Context) error {
	intents, err := a.client.Tunnels(ctx)
	if err != nil {
		return err
	}
	seen := make(map[int64]struct{}, len(intents))
	a.pending = 0
	var errs []error
	for _, intent := range intents {
		seen[intent.TunnelID] = struct{}{}
		if _, ok := a.assigned[intent.TunnelID]; !ok {
			a.log.Info("tunnel assigned", "tunnel_id", intent.TunnelID, "interface", intent.InterfaceName,
				"peer_node_id", intent.PeerNodeID, "peer_name", intent.PeerName, "link_local", intent.LinkLocal)
			a.assigned[intent.TunnelID] = intent.InterfaceName
		}
		if err := a.advance(ctx, intent); err != nil {
			if IsUnauthorized(err) {
				return err
			}
			errs = append(errs, fmt.Errorf("tunnel %d: %w", intent.TunnelID, err))
		}
	}
	for id, name := range a.assigned {
		if _, ok := seen[id]; !ok {
			a.log.Info("tunnel removed", "tunnel_id", id, "interface", name)
			delete(a.assigned, id)
			delete(a.applied, id)
		}
	}
	return errors.Join(errs...)
}

func (a *Agent) advance(ctx context.Context, intent domain.TunnelIntent) error {
	if intent.State == domain.TunnelStateRetired {
		return nil
	}
	if a.cfg.Endpoint != "" {
		endpoint, ipv6, err := a.localEndpoint(ctx, intent.EndpointIPv6)
		if err != nil {
			return err
		}
		if intent.LocalEndpoint == nil || *intent.LocalEndpoint != endpoint {
			updated, err := a.client.ReportEndpoint(ctx, intent.TunnelID, endpoint, ipv6)
			if err != nil {
				return fmt.Errorf("report endpoint: %w", err)
			}
			a.log.Info("endpoint reported", "tunnel_id", intent.TunnelID, "endpoint", endpoint)
			intent = updated
		}
	}
	if intent.LocalAnswered || intent.LocalEndpoint == nil || intent.PeerEndpoint == nil || intent.PeerPublicKey == "" {
		return nil
	}
	applied := intent.PeerPublicKey + "@" + *intent.PeerEndpoint
	if a.applied[intent.TunnelID] != applied {
		if err := a.applier.Apply(ctx, intent); err != nil {
			return fmt.Errorf("apply: %w", err)
		}
		a.applied[intent.TunnelID] = applied
	}
	confirmed, err := a.applier.Confirmed(ctx, intent)
	if err != nil {
		return fmt.Errorf("confirm: %w", err)
	}
	if !confirmed {
		a.pending++
		a.log.Debug("waiting for peer handshake", "tunnel_id", intent.TunnelID, "interface", intent.InterfaceName)
		return nil
	}
	updated, err := a.client.ReportAnswered(ctx, intent.TunnelID)
	if err != nil {
		return fmt.Errorf("report answered: %w", err)
	}
	a.log.Info("tunnel answered", "tunnel_id", intent.TunnelID, "state", string(updated.State))
	return nil
}

// localEndpoint resolves the configured endpoint to an address of the
// tunnel's family.
func (a *Agent) localEndpoint(ctx context.Context, wantIPv6 bool) (string, bool, error) {
	host, portStr, err := net.SplitHostPort(a.cfg.Endpoint)
	if err != nil {
		return "", false, fmt.Errorf("endpoint %q: %w", a.cfg.Endpoint, err)
	}
	port, err := net.LookupPort("udp", portStr)
	if err != nil {
		return "", false, fmt.Errorf("endpoint %q: %w", a.cfg.Endpoint, err)
	}
	var addrs []netip.Addr
	if addr, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{addr}
	} else {
		network := "ip4"
		if wantIPv6 {
			network = "ip6"
		}
		if addrs, err = a.resolve(ctx, network, host); err != nil {
			return "", false, fmt.Errorf("resolve endpoint %q: %w", host, err)
		}
	}
	for _, addr := range addrs {
		addr = addr.Unmap()
		if addr.Is6() == wantIPv6 {
			return netip.AddrPortFrom(addr, uint16(port)).String(), wantIPv6, nil
		}
	}
	return "", false, fmt.Errorf("%w: endpoint %q has no address of the tunnel's family", domain.ErrAddressFamily, a.cfg.Endpoint)
}

type logApplier struct {
	log *slog.Logger
}

func (l logApplier) Apply(_ context.Context, intent domain.TunnelIntent) error {
	l.log.Info("tunnel ready to configure",
		"interface", intent.InterfaceName,
		"peer_endpoint", *intent.PeerEndpoint,
		"peer_public_key", intent.PeerPublicKey,
		"link_local", intent.LinkLocal,
		"mtu", intent.MTU)
	return nil
}

// Confirmed is always false: nothing was configured, so the tunnel is
// never answered.
func (logApplier) Confirmed(context.Context, domain.TunnelIntent) (bool, error) {
	return false, nil
}
