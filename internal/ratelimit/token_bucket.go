// Package ratelimit limits how quickly local clients may open tunnel
// connections.
package ratelimit

import (
	"sync"
	"time"
)

// One token is stored as 1e9 micro-units so that a refill rate expressed in
// tokens/sec adds exactly `rate` units per elapsed nanosecond.
const unitsPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket allows bursts up to capacity and refills at rate tokens/sec.
// A nil *TokenBucket allows everything.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	units int64
	last  time.Time
}

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	capacity = max(capacity, 0)
	rate = max(rate, 0)
	return &TokenBucket{
		clock:    clock,
		capacity: capacity,
		rate:     rate,
		units:    tokensToUnits(capacity),
		last:     clock.Now(),
	}
}

// NewPerSecond returns a bucket that admits perSecond events per second with
// an equal burst, or nil (unlimited) when perSecond <= 0.
func NewPerSecond(clock Clock, perSecond int) *TokenBucket {
	if perSecond <= 0 {
		return nil
	}
	return NewTokenBucket(clock, int64(perSecond), int64(perSecond))
}

// Allow takes n tokens if they are available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if b == nil || n <= 0 {
		return true
	}
	cost := tokensToUnits(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(b.clock.Now())
	if b.units < cost {
		return false
	}
	b.units -= cost
	return true
}

// available reports how many whole tokens could be taken right now.
func (b *TokenBucket) available() int64 {
	if b == nil {
		return maxInt64
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(b.clock.Now())
	return b.units / unitsPerToken
}

// refill must be called with mu held.
func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.last)
	b.last = now
	if elapsed <= 0 || b.rate <= 0 {
		// A clock that steps backwards only moves the reference point.
		return
	}

	full := tokensToUnits(b.capacity)
	missing := full - b.units
	if missing <= 0 {
		b.units = full
		return
	}
	// Compare before multiplying so a long idle period cannot overflow.
	if elapsed.Nanoseconds() >= missing/b.rate {
		b.units = full
		return
	}
	b.units = min(b.units+elapsed.Nanoseconds()*b.rate, full)
}

func tokensToUnits(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/unitsPerToken {
		return maxInt64
	}
	return tokens * unitsPerToken
}
