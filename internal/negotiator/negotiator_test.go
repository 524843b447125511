package negotiator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cat4igp/cat4igp/internal/domain"
	"github.com/cat4igp/cat4igp/internal/store/sqlite"
)

type recordingNotifier struct {
	mu    sync.Mutex
	nodes []int64
}

func (r *recordingNotifier) TunnelsChanged(ids ...int64) {
	r.mu.Lock()
	r.nodes = append(r.nodes, ids...)
	r.mu.Unlock()
}

type fixture struct {
	store    *sqlite.Store
	neg      *Negotiator
	notifier *recordingNotifier
	tunnel   domain.WireguardTunnel
}

func newFixture(t *testing.T, ipv6 bool) fixture {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "neg.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	inv, err := store.CreateInvite(ctx, sqlite.NewInvite{Code: "c"})
	if err != nil {
		t.Fatal(err)
	}
	var ids []int64
	for i := 0; i < 2; i++ {
		n, _, err := store.RedeemInvite(ctx, inv.Code, sqlite.NewNode{Name: "n", AuthKeyHash: "h"}, time.Now())
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, n.ID)
	}
	pair, err := domain.NewPair(ids[0], ids[1])
	if err != nil {
		t.Fatal(err)
	}
	tun, err := store.CreateTunnel(ctx, sqlite.NewTunnel{Pair: pair, MTU: 1420, EndpointIPv6: ipv6})
	if err != nil {
		t.Fatal(err)
	}
	rec := &recordingNotifier{}
	return fixture{
		store:    store,
		neg:      New(store, rec, slog.New(slog.NewTextHandler(io.Discard, nil))),
		notifier: rec,
		tunnel:   tun,
	}
}

func TestEstablishedInEitherOrder(t *testing.T) {
	t.Parallel()
	orders := [][]domain.PeerSlot{
		{domain.Peer1, domain.Peer2},
		{domain.Peer2, domain.Peer1},
	}
	for _, order := range orders {
		f := newFixture(t, false)
		ctx := context.Background()
		endpoints := map[domain.PeerSlot]string{
			domain.Peer1: "203.0.113.1:51820",
			domain.Peer2: "198.51.100.2:51821",
		}
		for _, slot := range order {
			if err := f.neg.SetEndpoint(ctx, f.tunnel.ID, slot, endpoints[slot], false); err != nil {
				t.Fatal(err)
			}
		}
		for _, slot := range order {
			if err := f.neg.MarkAnswered(ctx, f.tunnel.ID, slot); err != nil {
				t.Fatal(err)
			}
		}
		state, err := f.neg.State(ctx, f.tunnel.ID)
		if err != nil {
			t.Fatal(err)
		}
		if state != domain.TunnelStateEstablished {
			t.Fatalf("order %v: expected established, got %s", order, state)
		}
		got, err := f.store.GetTunnel(ctx, f.tunnel.ID)
		if err != nil {
			t.Fatal(err)
		}
		for slot, ep := range endpoints {
			if p := got.Peer(slot); p.Endpoint == nil || *p.Endpoint != ep {
				t.Fatalf("order %v: %s endpoint = %v, want %s", order, slot, p.Endpoint, ep)
			}
		}
	}
}

func TestConcurrentPeersDoNotClobber(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for _, slot := range []domain.PeerSlot{domain.Peer1, domain.Peer2} {
		wg.Add(1)
		go func(slot domain.PeerSlot) {
			defer wg.Done()
			ep := "203.0.113.1:51820"
			if slot == domain.Peer2 {
				ep = "203.0.113.2:51820"
			}
			if err := f.neg.SetEndpoint(ctx, f.tunnel.ID, slot, ep, false); err != nil {
				errs <- err
				return
			}
			if err := f.neg.MarkAnswered(ctx, f.tunnel.ID, slot); err != nil {
				errs <- err
			}
		}(slot)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	got, err := f.store.GetTunnel(ctx, f.tunnel.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Peer1.Endpoint == nil || got.Peer2.Endpoint == nil || got.State() != domain.TunnelStateEstablished {
		t.Fatalf("expected both peers' writes to survive, got %+v", got)
	}
}

func TestSetEndpointAddressFamily(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	v4 := newFixture(t, false)
	err := v4.neg.SetEndpoint(ctx, v4.tunnel.ID, domain.Peer1, "[2001:db8::1]:51820", true)
	if !errors.Is(err, domain.ErrAddressFamily) {
		t.Fatalf("expected ErrAddressFamily, got %v", err)
	}
	var te *domain.TunnelError
	if !errors.As(err, &te) || te.TunnelID != v4.tunnel.ID {
		t.Fatalf("expected TunnelError for tunnel %d, got %v", v4.tunnel.ID, err)
	}
	if err := v4.neg.SetEndpoint(ctx, v4.tunnel.ID, domain.Peer1, "[2001:db8::1]:51820", false); !errors.Is(err, domain.ErrAddressFamily) {
		t.Fatalf("expected v6 address on v4 tunnel to fail, got %v", err)
	}

	v6 := newFixture(t, true)
	if err := v6.neg.SetEndpoint(ctx, v6.tunnel.ID, domain.Peer2, "[2001:db8::2]:51820", true); err != nil {
		t.Fatal(err)
	}
}

func TestParseEndpoint(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		ipv6 bool
		want string
		err  error
	}{
		{"203.0.113.1:51820", false, "203.0.113.1:51820", nil},
		{" [::ffff:203.0.113.1]:51820 ", false, "203.0.113.1:51820", nil},
		{"[2001:db8::1]:51820", true, "[2001:db8::1]:51820", nil},
		{"203.0.113.1", false, "", domain.ErrInvalidEndpoint},
		{"203.0.113.1:0", false, "", domain.ErrInvalidEndpoint},
		{"0.0.0.0:51820", false, "", domain.ErrInvalidEndpoint},
		{"example.com:51820", false, "", domain.ErrInvalidEndpoint},
		{"203.0.113.1:51820", true, "", domain.ErrAddressFamily},
	}
	for _, tt := range tests {
		got, err := ParseEndpoint(tt.in, tt.ipv6)
		if tt.err != nil {
			if !errors.Is(err, tt.err) {
				t.Fatalf("ParseEndpoint(%q) error = %v, want %v", tt.in, err, tt.err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("ParseEndpoint(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestReportResolvesSlotAndNotifiesOtherPeer(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()
	low, high := f.tunnel.Peer1.NodeID, f.tunnel.Peer2.NodeID

	got, err := f.neg.ReportEndpoint(ctx, f.tunnel.ID, high, "198.51.100.7:51820", false)
	if err != nil {
		t.Fatal(err)
	}
	if got.Peer2.Endpoint == nil || got.Peer1.Endpoint != nil {
		t.Fatalf("expected only peer2's endpoint to be set, got %+v", got)
	}
	if len(f.notifier.nodes) != 1 || f.notifier.nodes[0] != low {
		t.Fatalf("expected peer1 to be notified, got %v", f.notifier.nodes)
	}

	_, err = f.neg.ReportAnswered(ctx, f.tunnel.ID, 9999)
	if !errors.Is(err, domain.ErrNotTunnelPeer) {
		t.Fatalf("expected ErrNotTunnelPeer, got %v", err)
	}
	if !IsPeerError(err) {
		t.Fatal("expected not-a-peer to be classified as a peer error")
	}
}

func TestRetireIsTerminal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()

	if err := f.neg.SetEndpoint(ctx, f.tunnel.ID, domain.Peer1, "203.0.113.1:51820", false); err != nil {
		t.Fatal(err)
	}
	if err := f.neg.Retire(ctx, f.tunnel.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.neg.Retire(ctx, f.tunnel.ID); err != nil {
		t.Fatalf("expected retire to be idempotent, got %v", err)
	}
	state, err := f.neg.State(ctx, f.tunnel.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state != domain.TunnelStateRetired {
		t.Fatalf("expected retired, got %s", state)
	}
	if err := f.neg.MarkAnswered(ctx, f.tunnel.ID, domain.Peer1); !errors.Is(err, domain.ErrTunnelRetired) {
		t.Fatalf("expected ErrTunnelRetired, got %v", err)
	}
	if _, err := f.neg.ReportEndpoint(ctx, f.tunnel.ID, f.tunnel.Peer2.NodeID, "203.0.113.2:51820", false); !errors.Is(err, domain.ErrTunnelRetired) {
		t.Fatalf("expected ErrTunnelRetired from report, got %v", err)
	}
	if err := f.neg.Retire(ctx, 424242); !errors.Is(err, domain.ErrTunnelNotFound) {
		t.Fatalf("expected ErrTunnelNotFound, got %v", err)
	}
}
