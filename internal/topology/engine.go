package topology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cat4igp/cat4igp/internal/domain"
	"github.com/cat4igp/cat4igp/internal/store/sqlite"
)

// Backend is the persistence the engine reads snapshots from and applies
// intents to.
type Backend interface {
	GetMeshGroup(ctx context.Context, id int64) (domain.MeshGroup, error)
	ListMeshGroups(ctx context.Context) ([]domain.MeshGroup, error)
	ListMembers(ctx context.Context, groupID int64) ([]int64, error)
	ListGroupTunnels(ctx context.Context, groupID int64) ([]domain.WireguardTunnel, error)
	ClaimedGroupIDs(ctx context.Context) ([]int64, error)
	CreateTunnel(ctx context.Context, in sqlite.NewTunnel) (domain.WireguardTunnel, error)
	ActiveTunnelForPair(ctx context.Context, pair domain.Pair) (domain.WireguardTunnel, error)
	ClaimTunnel(ctx context.Context, tunnelID, groupID int64) error
	ReleaseClaim(ctx context.Context, tunnelID, groupID int64) (bool, error)
	RetireTunnel(ctx context.Context, tunnelID int64) error
	ListUnestablishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.WireguardTunnel, error)
}

// Defaults supplies the values used for groups that do not set their own.
type Defaults interface {
	DefaultMTU() int
	EndpointIPv6() bool
	FEC() bool
	FakeTCP() bool
}

// Notifier is told which nodes should refetch their tunnels.
type Notifier interface {
	TunnelsChanged(nodeIDs ...int64)
}

// Result counts what a reconcile did.
type Result struct {
	Created  int
	Attached int
	Retired  int
	Released int
}

func (r *Result) add(o Result) {
	r.Created += o.Created
	r.Attached += o.Attached
	r.Retired += o.Retired
	r.Released += o.Released
}

// Engine applies topology diffs.
type Engine struct {
	backend  Backend
	defaults Defaults
	notifier Notifier
	log      *slog.Logger

	// Parallelism bounds ReconcileAll. Zero means 4.
	Parallelism int

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	now func() time.Time
}

// NewEngine returns an Engine. notifier may be nil.
func NewEngine(backend Backend, defaults Defaults, notifier Notifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		backend:  backend,
		defaults: defaults,
		notifier: notifier,
		log:      logger,
		locks:    map[int64]*sync.Mutex{},
		now:      time.Now,
	}
}

func (e *Engine) groupLock(groupID int64) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	mu, ok := e.locks[groupID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[groupID] = mu
	}
	return mu
}

// Plan loads the group's snapshot and returns the diff without applying
// it. A deleted group plans to release every tunnel it still claims.
func (e *Engine) Plan(ctx context.Context, groupID int64) (Plan, domain.MeshGroup, error) {
	group, err := e.backend.GetMeshGroup(ctx, groupID)
	switch {
	case errors.Is(err, domain.ErrMeshNotFound):
		group = domain.MeshGroup{ID: groupID}
	case err != nil:
		return Plan{}, domain.MeshGroup{}, err
	}
	var members []int64
	if group.AutoWireguard {
		if members, err = e.backend.ListMembers(ctx, groupID); err != nil {
			return Plan{}, domain.MeshGroup{}, err
		}
	}
	existing, err := e.backend.ListGroupTunnels(ctx, groupID)
	if err != nil {
		return Plan{}, domain.MeshGroup{}, err
	}
	return Diff(group, members, existing), group, nil
}

// Reconcile brings one group to its target mesh. Intents are applied
// independently: a failing intent is reported in the joined error and the
// others still run.
func (e *Engine) Reconcile(ctx context.Context, groupID int64) (Result, error) {
	mu := e.groupLock(groupID)
	mu.Lock()
	defer mu.Unlock()

	plan, group, err := e.Plan(ctx, groupID)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile group %d: %w", groupID, err)
	}
	if plan.Empty() {
		return Result{}, nil
	}
	res, err := e.apply(ctx, group, plan)
	e.log.Info("mesh reconciled",
		"mesh_group_id", groupID,
		"created", res.Created,
		"attached", res.Attached,
		"released", res.Released,
		"retired", res.Retired,
		"err", err)
	return res, err
}

func (e *Engine) apply(ctx context.Context, group domain.MeshGroup, plan Plan) (Result, error) {
	var res Result
	var errs []error
	var touched []int64

	mtu := group.AutoWireguardMTU
	if mtu <= 0 {
		mtu = e.defaults.DefaultMTU()
	}
	tmpl := sqlite.NewTunnel{
		MTU:          mtu,
		EndpointIPv6: e.defaults.EndpointIPv6(),
		FEC:          e.defaults.FEC(),
		FakeTCP:      e.defaults.FakeTCP(),
		MeshGroupID:  group.ID,
	}

	for _, pair := range plan.Creates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		created, err := e.create(ctx, pair, tmpl)
		if err != nil {
			errs = append(errs, fmt.Errorf("create %s: %w", pair, err))
			continue
		}
		if created {
			res.Created++
			touched = append(touched, pair.Low, pair.High)
		} else {
			res.Attached++
		}
	}
	for _, t := range plan.Retires {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		retired, err := e.backend.ReleaseClaim(ctx, t.ID, group.ID)
		if err != nil {
			errs = append(errs, &domain.TunnelError{TunnelID: t.ID, Op: "retire", Err: err})
			continue
		}
		res.Released++
		if retired {
			res.Retired++
			touched = append(touched, t.Peer1.NodeID, t.Peer2.NodeID)
		}
	}
	e.notify(touched...)
	return res, errors.Join(errs...)
}

// create inserts a tunnel for pair from tmpl or, when the pair already has
// an active tunnel, adds the group's claim to it. It reports whether a new
// tunnel was inserted.
func (e *Engine) create(ctx context.Context, pair domain.Pair, tmpl sqlite.NewTunnel) (bool, error) {
	tmpl.Pair = pair
	_, err := e.backend.CreateTunnel(ctx, tmpl)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, domain.ErrTunnelConflict) {
		return false, err
	}
	existingID := int64(0)
	var te *domain.TunnelError
	if errors.As(err, &te) {
		existingID = te.TunnelID
	}
	if existingID == 0 {
		t, lerr := e.backend.ActiveTunnelForPair(ctx, pair)
		if lerr != nil {
			return false, errors.Join(err, lerr)
		}
		existingID = t.ID
	}
	if err := e.backend.ClaimTunnel(ctx, existingID, tmpl.MeshGroupID); err != nil {
		return false, err
	}
	return false, nil
}

// ReconcileAll reconciles every group, including deleted groups that still
// hold claims. Groups run concurrently.
func (e *Engine) ReconcileAll(ctx context.Context) (Result, error) {
	ids, err := e.groupIDs(ctx)
	if err != nil {
		return Result{}, err
	}
	limit := e.Parallelism
	if limit <= 0 {
		limit = 4
	}

	var mu sync.Mutex
	var total Result
	var errs []error
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, id := range ids {
		g.Go(func() error {
			res, err := e.Reconcile(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			total.add(res)
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return total, errors.Join(errs...)
}

func (e *Engine) groupIDs(ctx context.Context) ([]int64, error) {
	groups, err := e.backend.ListMeshGroups(ctx)
	if err != nil {
		return nil, err
	}
	claimed, err := e.backend.ClaimedGroupIDs(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]struct{}, len(groups)+len(claimed))
	var ids []int64
	for _, g := range groups {
		seen[g.ID] = struct{}{}
		ids = append(ids, g.ID)
	}
	for _, id := range claimed {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// RecycleStale retires tunnels that have not been established within
// olderThan and reconciles so their pairs are proposed again under a new
// tunnel id. A zero olderThan disables recycling.
func (e *Engine) RecycleStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	stale, err := e.backend.ListUnestablishedBefore(ctx, e.now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	var errs []error
	recycled := 0
	for _, t := range stale {
		if err := e.backend.RetireTunnel(ctx, t.ID); err != nil {
			errs = append(errs, &domain.TunnelError{TunnelID: t.ID, Op: "recycle", Err: err})
			continue
		}
		recycled++
		e.log.Info("stale tunnel recycled", "tunnel_id", t.ID, "state", string(t.State()), "age", e.now().Sub(t.CreatedAt).Round(time.Second))
		e.notify(t.Peer1.NodeID, t.Peer2.NodeID)
	}
	if _, err := e.ReconcileAll(ctx); err != nil {
		errs = append(errs, err)
	}
	return recycled, errors.Join(errs...)
}

func (e *Engine) notify(ids ...int64) {
	if e.notifier == nil || len(ids) == 0 {
		return
	}
	e.notifier.TunnelsChanged(ids...)
}
