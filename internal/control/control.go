// Package control composes the registry, invites, negotiator, topology
// engine and settings into the operations the HTTP API and CLI expose.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/cat4igp/cat4igp/internal/domain"
	"github.com/cat4igp/cat4igp/internal/ifname"
	"github.com/cat4igp/cat4igp/internal/invite"
	"github.com/cat4igp/cat4igp/internal/negotiator"
	"github.com/cat4igp/cat4igp/internal/registry"
	"github.com/cat4igp/cat4igp/internal/settings"
	"github.com/cat4igp/cat4igp/internal/store/sqlite"
	"github.com/cat4igp/cat4igp/internal/topology"
)

// Notifier is told which nodes should refetch their tunnels.
type Notifier interface {
	TunnelsChanged(nodeIDs ...int64)
}

// Service is the control plane.
type Service struct {
	store      *sqlite.Store
	settings   *settings.Store
	registry   *registry.Registry
	invites    *invite.Manager
	negotiator *negotiator.Negotiator
	engine     *topology.Engine
	notifier   Notifier
	log        *slog.Logger
}

// Options wires a Service.
type Options struct {
	Store    *sqlite.Store
	Settings *settings.Store
	// Pepper hashes node credentials. It must be resolved before New.
	Pepper   string
	Notifier Notifier
	Logger   *slog.Logger
}

// New builds the control plane over an opened store and loaded settings.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var neg negotiator.Notifier
	var topo topology.Notifier
	if opts.Notifier != nil {
		neg, topo = opts.Notifier, opts.Notifier
	}
	reg := registry.New(opts.Store, opts.Pepper, logger.With("component", "registry"))
	return &Service{
		store:      opts.Store,
		settings:   opts.Settings,
		registry:   reg,
		invites:    invite.NewManager(opts.Store, reg, logger.With("component", "invite")),
		negotiator: negotiator.New(opts.Store, neg, logger.With("component", "negotiator")),
		engine:     topology.NewEngine(opts.Store, opts.Settings, topo, logger.With("component", "topology")),
		notifier:   opts.Notifier,
		log:        logger,
	}
}

// Engine exposes the topology engine for periodic maintenance.
func (s *Service) Engine() *topology.Engine { return s.engine }

// Registry exposes node authentication.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Register redeems an invite into a new node and joins it to its mesh
// group. The public key, when given, is validated before the invite is
// consumed.
func (s *Service) Register(ctx context.Context, req domain.RegisterRequest) (domain.RegisterResponse, error) {
	var publicKey string
	if strings.TrimSpace(req.PublicKey) != "" {
		key, err := registry.ParsePublicKey(req.PublicKey)
		if err != nil {
			return domain.RegisterResponse{}, err
		}
		publicKey = key
	}
	red, err := s.invites.Redeem(ctx, req.InviteCode, req.Name)
	if err != nil {
		return domain.RegisterResponse{}, err
	}
	if publicKey != "" {
		if _, err := s.registry.SetStaticKey(ctx, red.Node.ID, publicKey); err != nil {
			s.log.Warn("store static key failed", "node_id", red.Node.ID, "err", err)
		}
	}
	if groupID, ok := s.joinTarget(red.Invite); ok {
		if _, err := s.JoinMesh(ctx, groupID, red.Node.ID); err != nil {
			s.log.Warn("join mesh on registration failed", "node_id", red.Node.ID, "mesh_group_id", groupID, "err", err)
		}
	}
	return domain.RegisterResponse{
		NodeID:     red.Node.ID,
		Name:       red.Node.Name,
		Credential: red.Credential,
	}, nil
}

// joinTarget picks the group a freshly enrolled node joins: the invite's
// override if set (0 meaning none), otherwise default_mesh_group.
func (s *Service) joinTarget(inv domain.Invite) (int64, bool) {
	if inv.JoinMesh != nil {
		return *inv.JoinMesh, *inv.JoinMesh > 0
	}
	return s.settings.DefaultMeshGroup()
}

// Authenticate checks a node credential and records contact.
func (s *Service) Authenticate(ctx context.Context, credential string) (domain.Node, error) {
	node, err := s.registry.Authenticate(ctx, credential)
	if err != nil {
		return domain.Node{}, err
	}
	if err := s.registry.Touch(ctx, node.ID); err != nil {
		s.log.Debug("touch node failed", "node_id", node.ID, "err", err)
	}
	return node, nil
}

// CreateInvite issues an invite. A join_mesh override must name an
// existing group or be 0.
func (s *Service) CreateInvite(ctx context.Context, req domain.InviteRequest) (domain.Invite, error) {
	if req.JoinMesh != nil && *req.JoinMesh > 0 {
		if _, err := s.store.GetMeshGroup(ctx, *req.JoinMesh); err != nil {
			return domain.Invite{}, err
		}
	}
	return s.invites.Create(ctx, invite.Options{
		MaxUses:   req.MaxUses,
		ExpiresAt: req.ExpiresAt,
		JoinMesh:  req.JoinMesh,
	})
}

// ListInvites returns all invites.
func (s *Service) ListInvites(ctx context.Context) ([]domain.Invite, error) {
	return s.invites.List(ctx)
}

// CreateMesh creates a mesh group.
func (s *Service) CreateMesh(ctx context.Context, req domain.MeshRequest) (domain.MeshGroup, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.MeshGroup{}, fmt.Errorf("%w: mesh name is required", domain.ErrInvalidArgument)
	}
	if req.AutoWireguardMTU != 0 {
		if err := settings.Validate(settings.KeyDefaultWireguardMTU, strconv.Itoa(req.AutoWireguardMTU)); err != nil {
			return domain.MeshGroup{}, err
		}
	}
	g, err := s.store.CreateMeshGroup(ctx, name, req.AutoWireguard, req.AutoWireguardMTU)
	if err != nil {
		return domain.MeshGroup{}, err
	}
	s.log.Info("mesh group created", "mesh_group_id", g.ID, "name", g.Name, "auto_wireguard", g.AutoWireguard)
	return g, nil
}

// UpdateMesh changes a group's auto-wireguard settings and reconciles it.
func (s *Service) UpdateMesh(ctx context.Context, id int64, autoWireguard bool, mtu int) (topology.Result, error) {
	if err := s.store.UpdateMeshGroup(ctx, id, autoWireguard, mtu); err != nil {
		return topology.Result{}, err
	}
	return s.engine.Reconcile(ctx, id)
}

// DeleteMesh removes a group and releases every tunnel it claimed.
func (s *Service) DeleteMesh(ctx context.Context, id int64) (topology.Result, error) {
	if err := s.store.DeleteMeshGroup(ctx, id); err != nil {
		return topology.Result{}, err
	}
	if v, ok := s.settings.Get(settings.KeyDefaultMeshGroup); ok && v == strconv.FormatInt(id, 10) {
		if err := s.settings.Set(ctx, settings.KeyDefaultMeshGroup, ""); err != nil {
			s.log.Warn("clear default mesh group failed", "mesh_group_id", id, "err", err)
		}
	}
	return s.engine.Reconcile(ctx, id)
}

// ListMeshes returns all groups.
func (s *Service) ListMeshes(ctx context.Context) ([]domain.MeshGroup, error) {
	return s.store.ListMeshGroups(ctx)
}

// MeshMembers returns a group's node ids.
func (s *Service) MeshMembers(ctx context.Context, groupID int64) ([]int64, error) {
	if _, err := s.store.GetMeshGroup(ctx, groupID); err != nil {
		return nil, err
	}
	return s.store.ListMembers(ctx, groupID)
}

// JoinMesh adds a node to a group and reconciles the group.
func (s *Service) JoinMesh(ctx context.Context, groupID, nodeID int64) (topology.Result, error) {
	added, err := s.store.AddMember(ctx, groupID, nodeID)
	if err != nil {
		return topology.Result{}, err
	}
	if added {
		s.log.Info("node joined mesh", "node_id", nodeID, "mesh_group_id", groupID)
	}
	return s.engine.Reconcile(ctx, groupID)
}

// LeaveMesh removes a node from a group and reconciles the group.
func (s *Service) LeaveMesh(ctx context.Context, groupID, nodeID int64) (topology.Result, error) {
	removed, err := s.store.RemoveMember(ctx, groupID, nodeID)
	if err != nil {
		return topology.Result{}, err
	}
	if removed {
		s.log.Info("node left mesh", "node_id", nodeID, "mesh_group_id", groupID)
	}
	return s.engine.Reconcile(ctx, groupID)
}

// Reconcile runs the topology engine for one group.
func (s *Service) Reconcile(ctx context.Context, groupID int64) (topology.Result, error) {
	return s.engine.Reconcile(ctx, groupID)
}

// ReconcileAll runs the topology engine for every group.
func (s *Service) ReconcileAll(ctx context.Context) (topology.Result, error) {
	return s.engine.ReconcileAll(ctx)
}

// RetireTunnel retires a tunnel on operator request. Groups that still
// want the pair will propose it again on their next reconcile.
func (s *Service) RetireTunnel(ctx context.Context, tunnelID int64) error {
	return s.negotiator.Retire(ctx, tunnelID)
}

// Node returns a node's public view.
func (s *Service) Node(ctx context.Context, id int64) (domain.NodeInfo, error) {
	n, err := s.registry.Get(ctx, id)
	if err != nil {
		return domain.NodeInfo{}, err
	}
	return nodeInfo(n), nil
}

// Nodes lists every node.
func (s *Service) Nodes(ctx context.Context) ([]domain.NodeInfo, error) {
	list, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.NodeInfo, 0, len(list))
	for _, n := range list {
		out = append(out, nodeInfo(n))
	}
	return out, nil
}

func nodeInfo(n domain.Node) domain.NodeInfo {
	return domain.NodeInfo{ID: n.ID, Name: n.Name, CreatedAt: n.CreatedAt, LastSeen: n.LastSeen}
}

// Rename changes a node's display name.
func (s *Service) Rename(ctx context.Context, id int64, name string) error {
	return s.registry.Rename(ctx, id, name)
}

// SetStaticKey stores a node's WireGuard public key and tells its peers.
func (s *Service) SetStaticKey(ctx context.Context, nodeID int64, publicKey string) (domain.StaticKeyResponse, error) {
	k, err := s.registry.SetStaticKey(ctx, nodeID, publicKey)
	if err != nil {
		return domain.StaticKeyResponse{}, err
	}
	if s.notifier != nil {
		if tunnels, err := s.store.ListNodeTunnels(ctx, nodeID); err == nil {
			for _, t := range tunnels {
				if slot, ok := t.SlotOf(nodeID); ok {
					s.notifier.TunnelsChanged(t.Peer(slot.Other()).NodeID)
				}
			}
		}
	}
	return domain.StaticKeyResponse{NodeID: k.NodeID, PublicKey: k.PublicKey}, nil
}

// StaticKey returns a node's WireGuard public key.
func (s *Service) StaticKey(ctx context.Context, nodeID int64) (domain.StaticKeyResponse, error) {
	k, err := s.registry.StaticKey(ctx, nodeID)
	if err != nil {
		return domain.StaticKeyResponse{}, err
	}
	return domain.StaticKeyResponse{NodeID: k.NodeID, PublicKey: k.PublicKey}, nil
}

// Tunnels returns the tunnels assigned to nodeID as seen from that node.
func (s *Service) Tunnels(ctx context.Context, nodeID int64) ([]domain.TunnelIntent, error) {
	tunnels, err := s.store.ListNodeTunnels(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	prefix := s.settings.InterfacePrefix()
	out := make([]domain.TunnelIntent, 0, len(tunnels))
	for _, t := range tunnels {
		intent, err := s.intent(ctx, prefix, t, nodeID)
		if err != nil {
			return nil, err
		}
		out = append(out, intent)
	}
	return out, nil
}

// ReportEndpoint records the caller's endpoint for a tunnel.
func (s *Service) ReportEndpoint(ctx context.Context, nodeID, tunnelID int64, req domain.EndpointRequest) (domain.TunnelIntent, error) {
	t, err := s.negotiator.ReportEndpoint(ctx, tunnelID, nodeID, req.Endpoint, req.IPv6)
	if err != nil {
		return domain.TunnelIntent{}, err
	}
	return s.intent(ctx, s.settings.InterfacePrefix(), t, nodeID)
}

// ReportAnswered records that the caller has configured its side.
func (s *Service) ReportAnswered(ctx context.Context, nodeID, tunnelID int64) (domain.TunnelIntent, error) {
	t, err := s.negotiator.ReportAnswered(ctx, tunnelID, nodeID)
	if err != nil {
		return domain.TunnelIntent{}, err
	}
	return s.intent(ctx, s.settings.InterfacePrefix(), t, nodeID)
}

// intent renders t from nodeID's side. The interface identifier carries the
// remote peer's id and the low 16 bits of the tunnel id.
func (s *Service) intent(ctx context.Context, prefix string, t domain.WireguardTunnel, nodeID int64) (domain.TunnelIntent, error) {
	slot, ok := t.SlotOf(nodeID)
	if !ok {
		return domain.TunnelIntent{}, &domain.TunnelError{TunnelID: t.ID, Op: "view", Err: domain.ErrNotTunnelPeer}
	}
	local, remote := t.Peer(slot), t.Peer(slot.Other())

	id := ifname.WireGuardIdentifier(uint16(remote.NodeID), ifname.WireGuardData{
		IPv6:     t.EndpointIPv6,
		FEC:      t.FEC,
		FakeTCP:  t.FakeTCP,
		TunnelID: uint16(t.ID),
	})
	name, err := ifname.InterfaceName(prefix, id)
	if err != nil {
		return domain.TunnelIntent{}, fmt.Errorf("tunnel %d interface name: %w", t.ID, err)
	}

	intent := domain.TunnelIntent{
		TunnelID:      t.ID,
		InterfaceName: name,
		LinkLocal:     ifname.LinkLocalFromName(name).String(),
		LocalSlot:     slot.String(),
		PeerNodeID:    remote.NodeID,
		LocalEndpoint: local.Endpoint,
		PeerEndpoint:  remote.Endpoint,
		LocalAnswered: local.Answered,
		PeerAnswered:  remote.Answered,
		MTU:           t.MTU,
		EndpointIPv6:  t.EndpointIPv6,
		FEC:           t.FEC,
		FakeTCP:       t.FakeTCP,
		State:         t.State(),
	}
	if peer, err := s.store.GetNode(ctx, remote.NodeID); err == nil {
		intent.PeerName = peer.Name
	} else if !errors.Is(err, domain.ErrNodeNotFound) {
		return domain.TunnelIntent{}, err
	}
	if k, err := s.store.GetStaticKey(ctx, remote.NodeID); err == nil {
		intent.PeerPublicKey = k.PublicKey
	} else if !errors.Is(err, domain.ErrStaticKeyNotFound) {
		return domain.TunnelIntent{}, err
	}
	return intent, nil
}

// Settings returns every setting except the credential pepper.
func (s *Service) Settings() map[string]string {
	all := s.settings.All()
	delete(all, settings.KeyAuthKeyPepper)
	return all
}

// SetSetting writes a setting. The pepper cannot be changed at runtime and
// default_mesh_group must name an existing group.
func (s *Service) SetSetting(ctx context.Context, key, value string) error {
	switch key {
	case settings.KeyAuthKeyPepper:
		return fmt.Errorf("%w: %s cannot be changed at runtime", domain.ErrInvalidArgument, key)
	case settings.KeyDefaultMeshGroup:
		if id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil && id > 0 {
			if _, err := s.store.GetMeshGroup(ctx, id); err != nil {
				return err
			}
		}
	}
	return s.settings.Set(ctx, key, value)
}
