package server

import (
	"hash/maphash"
	"sync"
	"time"
)

const (
	regRatePerSecond = 5.0
	regBurst         = 10.0
	regCleanupAge    = 5 * time.Minute

	limiterShards = 16
)

// rateLimiter is a token bucket per remote address, sharded so registrations
// from distinct hosts rarely share a mutex.
type rateLimiter struct {
	rate   float64
	burst  float64
	seed   maphash.Seed
	shards [limiterShards]limiterShard
	now    func() time.Time
}

type limiterShard struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

type tokenBucket struct {
	tokens float64
	last   time.Time
}

func newRateLimiter() *rateLimiter {
	return newRateLimiterWith(regRatePerSecond, regBurst)
}

func newRateLimiterWith(rate, burst float64) *rateLimiter {
	rl := &rateLimiter{rate: rate, burst: burst, seed: maphash.MakeSeed(), now: time.Now}
	for i := range rl.shards {
		rl.shards[i].buckets = make(map[string]*tokenBucket)
	}
	return rl
}

func (rl *rateLimiter) shardFor(key string) *limiterShard {
	return &rl.shards[maphash.String(rl.seed, key)%limiterShards]
}

// allow takes one token from key's bucket.
func (rl *rateLimiter) allow(key string) bool {
	sh := rl.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := rl.now()
	b, ok := sh.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: rl.burst, last: now}
		sh.buckets[key] = b
	}
	b.tokens = min(rl.burst, b.tokens+now.Sub(b.last).Seconds()*rl.rate)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// cleanup drops buckets idle longer than regCleanupAge. The janitor calls it.
func (rl *rateLimiter) cleanup() int {
	now := rl.now()
	evicted := 0
	for i := range rl.shards {
		sh := &rl.shards[i]
		sh.mu.Lock()
		for k, b := range sh.buckets {
			if now.Sub(b.last) > regCleanupAge {
				delete(sh.buckets, k)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	return evicted
}
