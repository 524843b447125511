// Package topology keeps each mesh group's WireGuard tunnels in line with
// its membership.
//
// Diff is a pure function from a group's membership and its current
// tunnels to the tunnels that must be created or retired. Engine loads the
// inputs from the store, applies the resulting plan intent by intent, and
// tells affected nodes to refetch.
package topology

import (
	"slices"

	"github.com/cat4igp/cat4igp/internal/domain"
)

// Plan is the set of changes that brings a group to its target mesh.
type Plan struct {
	GroupID int64
	// Creates are the pairs that need a new tunnel, in ascending order.
	Creates []domain.Pair
	// Retires are the group's tunnels whose pair left the target, by id.
	Retires []domain.WireguardTunnel
}

// Empty reports whether the plan changes nothing.
func (p Plan) Empty() bool {
	return len(p.Creates) == 0 && len(p.Retires) == 0
}

// Target returns the full mesh over members: one pair per unordered pair of
// distinct node ids, lower id first. Duplicate ids are ignored.
func Target(members []int64) []domain.Pair {
	ids := slices.Clone(members)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if len(ids) < 2 {
		return nil
	}
	out := make([]domain.Pair, 0, len(ids)*(len(ids)-1)/2)
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			out = append(out, domain.Pair{Low: ids[i], High: ids[j]})
		}
	}
	return out
}

// Diff compares the group's target mesh with its existing tunnels. The
// target is the full mesh over members when the group has auto_wireguard
// set and empty otherwise. Retired tunnels in existing are ignored.
// Applying the plan and diffing again yields an empty plan.
func Diff(group domain.MeshGroup, members []int64, existing []domain.WireguardTunnel) Plan {
	plan := Plan{GroupID: group.ID}

	var target []domain.Pair
	if group.AutoWireguard {
		target = Target(members)
	}
	want := make(map[domain.Pair]struct{}, len(target))
	for _, p := range target {
		want[p] = struct{}{}
	}

	have := make(map[domain.Pair]struct{}, len(existing))
	for _, t := range existing {
		if t.RetiredAt != nil {
			continue
		}
		pair := t.Pair()
		if _, dup := have[pair]; dup {
			plan.Retires = append(plan.Retires, t)
			continue
		}
		have[pair] = struct{}{}
		if _, ok := want[pair]; !ok {
			plan.Retires = append(plan.Retires, t)
		}
	}
	for _, p := range target {
		if _, ok := have[p]; !ok {
			plan.Creates = append(plan.Creates, p)
		}
	}

	slices.SortFunc(plan.Retires, func(a, b domain.WireguardTunnel) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return plan
}

// AffectedNodes returns the distinct node ids touched by the plan.
func (p Plan) AffectedNodes() []int64 {
	var ids []int64
	for _, c := range p.Creates {
		ids = append(ids, c.Low, c.High)
	}
	for _, t := range p.Retires {
		ids = append(ids, t.Peer1.NodeID, t.Peer2.NodeID)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}
