// Package airtime paces outbound mesh traffic. A token bucket models the
// channel's byte budget and a small priority queue lets short control
// packets (replies, ACK/NAK) overtake bulk data chunks.
package airtime

import (
    "context"
    "sync"
    "time"
)

// TokenBucket refills at rate tokens per second up to capacity.
type TokenBucket struct {
    mu       sync.Mutex
    capacity int64
    tokens   int64
    rate     int64
    last     time.Time
    now      func() time.Time
}

// NewTokenBucket starts full. A rate <= 0 disables shaping.
func NewTokenBucket(ratePerSec, capacity int64) *TokenBucket {
    if capacity <= 0 { capacity = ratePerSec }
    b := &TokenBucket{capacity: capacity, tokens: capacity, rate: ratePerSec, now: time.Now}
    b.last = b.now()
    return b
}

// Allow tries to consume n tokens; if not enough, returns duration to wait.
func (b *TokenBucket) Allow(n int64) (ok bool, wait time.Duration) {
    if b == nil || b.rate <= 0 { return true, 0 }
    b.mu.Lock(); defer b.mu.Unlock()
    now := b.now()
    if dt := now.Sub(b.last); dt > 0 {
        // beyond a full refill the product would overflow
        if full := time.Duration(b.capacity * int64(time.Second) / b.rate); dt > full { dt = full + time.Second }
        if add := b.rate * dt.Nanoseconds() / int64(time.Second); add > 0 {
            b.tokens += add
            if b.tokens > b.capacity { b.tokens = b.capacity }
            b.last = now
        }
    }
    // a packet larger than the bucket is let through once the bucket is full
    if n > b.capacity { n = b.capacity }
    if b.tokens >= n {
        b.tokens -= n
        return true, 0
    }
    need := n - b.tokens
    return false, time.Duration(need * int64(time.Second) / b.rate)
}

// Wait blocks until n tokens were consumed or ctx ends.
func (b *TokenBucket) Wait(ctx context.Context, n int64) error {
    for {
        ok, wait := b.Allow(n)
        if ok { return nil }
        if wait < time.Millisecond { wait = time.Millisecond }
        t := time.NewTimer(wait)
        select {
        case <-ctx.Done():
            t.Stop()
            return ctx.Err()
        case <-t.C:
        }
    }
}
