package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cat4igp/cat4igp/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "cat4igp.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// seedNodes enrolls n nodes through a single unlimited invite.
func seedNodes(t *testing.T, store *Store, n int) []domain.Node {
	t.Helper()
	ctx := context.Background()
	inv, err := store.CreateInvite(ctx, NewInvite{Code: "seed-" + t.Name()})
	if err != nil {
		t.Fatal(err)
	}
	out := make([]domain.Node, 0, n)
	for i := 0; i < n; i++ {
		node, _, err := store.RedeemInvite(ctx, inv.Code, NewNode{Name: "node", AuthKeyHash: "hash"}, time.Now())
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, node)
	}
	return out
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "path", "cat4igp.db")

	store, err := Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected db file to exist at %s: %v", dbPath, err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestNodeLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	nodes := seedNodes(t, store, 2)
	if nodes[0].ID >= nodes[1].ID {
		t.Fatalf("expected increasing node ids, got %d and %d", nodes[0].ID, nodes[1].ID)
	}
	if err := store.RenameNode(ctx, nodes[0].ID, "edge-1"); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetNode(ctx, nodes[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "edge-1" || got.AuthKeyHash != "hash" {
		t.Fatalf("unexpected node %+v", got)
	}
	if _, err := store.GetNode(ctx, 999); !errors.Is(err, domain.ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
	if err := store.RenameNode(ctx, 999, "x"); !errors.Is(err, domain.ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
	all, err := store.ListNodes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(all))
	}
}

func TestStaticKeyUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	node := seedNodes(t, store, 1)[0]

	if _, err := store.GetStaticKey(ctx, node.ID); !errors.Is(err, domain.ErrStaticKeyNotFound) {
		t.Fatalf("expected ErrStaticKeyNotFound, got %v", err)
	}
	if _, err := store.UpsertStaticKey(ctx, node.ID, "key-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpsertStaticKey(ctx, node.ID, "key-b"); err != nil {
		t.Fatal(err)
	}
	k, err := store.GetStaticKey(ctx, node.ID)
	if err != nil {
		t.Fatal(err)
	}
	if k.PublicKey != "key-b" {
		t.Fatalf("expected replaced key, got %q", k.PublicKey)
	}
	if _, err := store.UpsertStaticKey(ctx, 999, "key-c"); !errors.Is(err, domain.ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound for unknown node, got %v", err)
	}
}

func TestTouchNodeThrottled(t *testing.T) {
	store, err := OpenWithOptions(filepath.Join(t.TempDir(), "touch.db"), OpenOptions{TouchMinInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()
	node := seedNodes(t, store, 1)[0]

	if err := store.TouchNode(ctx, node.ID); err != nil {
		t.Fatal(err)
	}
	first, err := store.GetNode(ctx, node.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first.LastSeen == nil {
		t.Fatal("expected last_seen to be set")
	}
	time.Sleep(2 * time.Millisecond)
	if err := store.TouchNode(ctx, node.ID); err != nil {
		t.Fatal(err)
	}
	var persisted time.Time
	if err := store.db.QueryRowContext(ctx, `SELECT last_seen FROM nodes WHERE id = ?`, node.ID).Scan(&persisted); err != nil {
		t.Fatal(err)
	}
	if !persisted.Equal(*first.LastSeen) {
		t.Fatalf("expected throttled touch to leave the last_seen column unchanged")
	}

	// Reads still report the latest contact.
	second, err := store.GetNode(ctx, node.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !second.LastSeen.After(*first.LastSeen) {
		t.Fatalf("GetNode last_seen = %s, want after %s", second.LastSeen, first.LastSeen)
	}
	nodes, err := store.ListNodes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 || !nodes[0].LastSeen.Equal(*second.LastSeen) {
		t.Fatalf("ListNodes = %+v, want last_seen %s", nodes, second.LastSeen)
	}
}

func TestTouchNodeWritesAfterInterval(t *testing.T) {
	store, err := OpenWithOptions(filepath.Join(t.TempDir(), "touch.db"), OpenOptions{TouchMinInterval: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()
	node := seedNodes(t, store, 1)[0]

	if err := store.TouchNode(ctx, node.ID); err != nil {
		t.Fatal(err)
	}
	var first time.Time
	if err := store.db.QueryRowContext(ctx, `SELECT last_seen FROM nodes WHERE id = ?`, node.ID).Scan(&first); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := store.TouchNode(ctx, node.ID); err != nil {
		t.Fatal(err)
	}
	var second time.Time
	if err := store.db.QueryRowContext(ctx, `SELECT last_seen FROM nodes WHERE id = ?`, node.ID).Scan(&second); err != nil {
		t.Fatal(err)
	}
	if !second.After(first) {
		t.Fatalf("expected last_seen to advance after the interval: %s then %s", first, second)
	}
}

func TestSettingsUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetSetting(ctx, "default_wireguard_mtu"); !errors.Is(err, domain.ErrSettingNotFound) {
		t.Fatalf("expected ErrSettingNotFound, got %v", err)
	}
	if err := store.SetSetting(ctx, "default_wireguard_mtu", "1400"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetSetting(ctx, "default_wireguard_mtu", "1380"); err != nil {
		t.Fatal(err)
	}
	st, err := store.GetSetting(ctx, "default_wireguard_mtu")
	if err != nil {
		t.Fatal(err)
	}
	if st.Value != "1380" {
		t.Fatalf("expected updated value, got %q", st.Value)
	}
	if st.UpdatedAt.Before(st.CreatedAt) {
		t.Fatalf("expected updated_at >= created_at")
	}

	v, err := store.SetSettingIfAbsent(ctx, "auth_key_pepper", "first")
	if err != nil {
		t.Fatal(err)
	}
	v2, err := store.SetSettingIfAbsent(ctx, "auth_key_pepper", "second")
	if err != nil {
		t.Fatal(err)
	}
	if v != "first" || v2 != "first" {
		t.Fatalf("expected first write to win, got %q and %q", v, v2)
	}
}

func TestMeshMembership(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	nodes := seedNodes(t, store, 2)

	g, err := store.CreateMeshGroup(ctx, "core", true, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateMeshGroup(ctx, "core", false, 0); !errors.Is(err, domain.ErrMeshNameInUse) {
		t.Fatalf("expected ErrMeshNameInUse, got %v", err)
	}
	added, err := store.AddMember(ctx, g.ID, nodes[1].ID)
	if err != nil || !added {
		t.Fatalf("expected member to be added, got %v %v", added, err)
	}
	added, err = store.AddMember(ctx, g.ID, nodes[1].ID)
	if err != nil || added {
		t.Fatalf("expected duplicate add to be a no-op, got %v %v", added, err)
	}
	if _, err := store.AddMember(ctx, g.ID, 999); !errors.Is(err, domain.ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
	if _, err := store.AddMember(ctx, 999, nodes[0].ID); !errors.Is(err, domain.ErrMeshNotFound) {
		t.Fatalf("expected ErrMeshNotFound, got %v", err)
	}
	if _, err := store.AddMember(ctx, g.ID, nodes[0].ID); err != nil {
		t.Fatal(err)
	}
	members, err := store.ListMembers(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 || members[0] != nodes[0].ID {
		t.Fatalf("expected sorted members, got %v", members)
	}
	removed, err := store.RemoveMember(ctx, g.ID, nodes[0].ID)
	if err != nil || !removed {
		t.Fatalf("expected member removal, got %v %v", removed, err)
	}
	groups, err := store.GroupsForNode(ctx, nodes[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || groups[0] != g.ID {
		t.Fatalf("unexpected groups %v", groups)
	}
	if err := store.DeleteMeshGroup(ctx, g.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetMeshGroup(ctx, g.ID); !errors.Is(err, domain.ErrMeshNotFound) {
		t.Fatalf("expected ErrMeshNotFound after delete, got %v", err)
	}
}
