package server

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(rate, burst float64) (*rateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := newRateLimiterWith(rate, burst)
	rl.now = clock.now
	return rl, clock
}

func TestRateLimiterBurstThenDeny(t *testing.T) {
	t.Parallel()

	rl, _ := newTestLimiter(5, 3)
	for i := range 3 {
		if !rl.allow("192.0.2.1") {
			t.Fatalf("request %d denied inside burst", i)
		}
	}
	if rl.allow("192.0.2.1") {
		t.Fatal("expected denial after burst")
	}
	if !rl.allow("192.0.2.2") {
		t.Fatal("other address must have its own bucket")
	}
}

func TestRateLimiterRefill(t *testing.T) {
	t.Parallel()

	rl, clock := newTestLimiter(2, 2)
	rl.allow("a")
	rl.allow("a")
	if rl.allow("a") {
		t.Fatal("expected denial")
	}
	clock.advance(500 * time.Millisecond)
	if !rl.allow("a") {
		t.Fatal("expected one token after half a second at 2/s")
	}
	if rl.allow("a") {
		t.Fatal("refill must not exceed elapsed time")
	}
	clock.advance(time.Hour)
	for range 2 {
		if !rl.allow("a") {
			t.Fatal("bucket should refill to burst")
		}
	}
	if rl.allow("a") {
		t.Fatal("refill must be capped at burst")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	t.Parallel()

	rl, clock := newTestLimiter(5, 10)
	rl.allow("old")
	clock.advance(regCleanupAge + time.Second)
	rl.allow("fresh")

	if got := rl.cleanup(); got != 1 {
		t.Fatalf("evicted %d buckets, want 1", got)
	}
	sh := rl.shardFor("fresh")
	sh.mu.Lock()
	_, ok := sh.buckets["fresh"]
	sh.mu.Unlock()
	if !ok {
		t.Fatal("fresh bucket evicted")
	}
}

func TestRateLimiterConcurrent(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter()
	var wg sync.WaitGroup
	for g := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := range 20 {
				rl.allow(fmt.Sprintf("198.51.100.%d", (g*20+k)%250))
			}
		}()
	}
	wg.Wait()
}

func BenchmarkRateLimiterAllowParallel(b *testing.B) {
	rl := newRateLimiter()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			rl.allow(fmt.Sprintf("203.0.113.%d", i%100))
			i++
		}
	})
}
