package invite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cat4igp/cat4igp/internal/domain"
	"github.com/cat4igp/cat4igp/internal/registry"
	"github.com/cat4igp/cat4igp/internal/store/sqlite"
)

func newTestManager(t *testing.T) (*Manager, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "invite.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(store, "pepper", logger)
	return NewManager(store, reg, logger), store
}

func TestCreateUsesUUIDCodes(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	inv, err := m.Create(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := uuid.Parse(inv.Code); err != nil {
		t.Fatalf("expected uuid code, got %q", inv.Code)
	}
	if inv.MaxUses != nil || inv.ExpiresAt != nil {
		t.Fatalf("expected unlimited invite, got %+v", inv)
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	zero := 0
	past := time.Now().Add(-time.Hour)
	neg := int64(-1)

	for _, opts := range []Options{{MaxUses: &zero}, {ExpiresAt: &past}, {JoinMesh: &neg}} {
		if _, err := m.Create(context.Background(), opts); err == nil {
			t.Fatalf("expected %+v to be rejected", opts)
		}
	}
}

func TestRedeemReturnsWorkingCredential(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()

	inv, err := m.Create(ctx, Options{})
	if err != nil {
		t.Fatal(err)
	}
	red, err := m.Redeem(ctx, inv.Code, "edge-1")
	if err != nil {
		t.Fatal(err)
	}
	if red.Invite.UsedCount != 1 {
		t.Fatalf("expected used_count 1, got %d", red.Invite.UsedCount)
	}
	node, err := m.registry.Authenticate(ctx, red.Credential)
	if err != nil {
		t.Fatal(err)
	}
	if node.ID != red.Node.ID || node.Name != "edge-1" {
		t.Fatalf("unexpected authenticated node %+v", node)
	}
}

func TestRedeemBoundedUnderConcurrency(t *testing.T) {
	t.Parallel()
	m, store := newTestManager(t)
	ctx := context.Background()

	maxUses := 3
	inv, err := m.Create(ctx, Options{MaxUses: &maxUses})
	if err != nil {
		t.Fatal(err)
	}

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, exhausted := 0, 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Redeem(ctx, inv.Code, "n")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrInviteExhausted):
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != maxUses || exhausted != workers-maxUses {
		t.Fatalf("expected %d successes and %d exhausted, got %d and %d", maxUses, workers-maxUses, ok, exhausted)
	}
	nodes, err := store.ListNodes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != maxUses {
		t.Fatalf("expected %d nodes, got %d", maxUses, len(nodes))
	}
}

func TestRedeemExpired(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()

	exp := time.Now().Add(time.Minute)
	inv, err := m.Create(ctx, Options{ExpiresAt: &exp})
	if err != nil {
		t.Fatal(err)
	}
	m.now = func() time.Time { return exp.Add(time.Second) }

	_, err = m.Redeem(ctx, inv.Code, "late")
	var ie *domain.InviteError
	if !errors.As(err, &ie) || ie.Kind != domain.InviteExpired {
		t.Fatalf("expected expired invite error, got %v", err)
	}
	if _, err := m.Redeem(ctx, "", "x"); !errors.Is(err, domain.ErrInviteNotFound) {
		t.Fatalf("expected ErrInviteNotFound for empty code, got %v", err)
	}
}
