// Package memkv is a sharded, thread-safe in-memory byte store with
// per-key TTL, an optional total size cap and atomic counters.
//
// It backs the in-memory file store used by simulated nodes and tests, and
// the history of finished transfers.
package memkv

import (
    "sort"
    "strings"
    "sync"
    "sync/atomic"
    "time"
)

type Options struct {
    Shards        int           // default 32
    MaxBytes      uint64        // 0 = unlimited
    SweepInterval time.Duration // background expiry; default 1s, <0 disables
    Now           func() time.Time
}

func (o Options) withDefaults() Options {
    if o.Shards <= 0 { o.Shards = 32 }
    if o.SweepInterval == 0 { o.SweepInterval = time.Second }
    if o.Now == nil { o.Now = time.Now }
    return o
}

type Store struct {
    opts   Options
    shards []shard
    stop   chan struct{}
    wg     sync.WaitGroup
    once   sync.Once

    keys    atomic.Int64
    bytes   atomic.Uint64
    sets    atomic.Uint64
    hits    atomic.Uint64
    misses  atomic.Uint64
    expired atomic.Uint64
    rejects atomic.Uint64
}

type shard struct {
    mu sync.RWMutex
    m  map[string]entry
}

type entry struct {
    val      []byte
    expireAt int64 // unix nanos, 0 = never
}

func (e entry) expiredAt(now int64) bool { return e.expireAt != 0 && e.expireAt <= now }

func New(opts Options) *Store {
    opts = opts.withDefaults()
    s := &Store{opts: opts, shards: make([]shard, opts.Shards), stop: make(chan struct{})}
    for i := range s.shards {
        s.shards[i].m = make(map[string]entry)
    }
    if opts.SweepInterval > 0 {
        s.wg.Add(1)
        go s.sweeper()
    }
    return s
}

// Close stops the background sweeper. The store stays usable.
func (s *Store) Close() {
    s.once.Do(func() { close(s.stop) })
    s.wg.Wait()
}

func (s *Store) shardFor(key string) *shard {
    // FNV-1a
    var h uint64 = 14695981039346656037
    for i := 0; i < len(key); i++ {
        h ^= uint64(key[i])
        h *= 1099511628211
    }
    return &s.shards[h%uint64(len(s.shards))]
}

func (s *Store) now() int64 { return s.opts.Now().UnixNano() }

// Set stores a copy of val. It returns false when the size cap would be
// exceeded; the previous value, if any, is kept in that case.
func (s *Store) Set(key string, val []byte, ttl time.Duration) bool {
    var exp int64
    if ttl > 0 { exp = s.opts.Now().Add(ttl).UnixNano() }
    v := append([]byte(nil), val...)

    sh := s.shardFor(key)
    sh.mu.Lock()
    defer sh.mu.Unlock()
    old, existed := sh.m[key]
    if !s.account(len(old.val), len(v)) {
        s.rejects.Add(1)
        return false
    }
    sh.m[key] = entry{val: v, expireAt: exp}
    if !existed { s.keys.Add(1) }
    s.sets.Add(1)
    return true
}

// account moves the byte counter from oldLen to newLen, enforcing MaxBytes
// on growth.
func (s *Store) account(oldLen, newLen int) bool {
    for {
        cur := s.bytes.Load()
        next := cur + uint64(newLen) - uint64(oldLen)
        if newLen < oldLen && uint64(oldLen-newLen) > cur { next = 0 }
        if newLen > oldLen && s.opts.MaxBytes > 0 && next > s.opts.MaxBytes {
            return false
        }
        if s.bytes.CompareAndSwap(cur, next) { return true }
    }
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(key string) ([]byte, bool) {
    sh := s.shardFor(key)
    sh.mu.RLock()
    e, ok := sh.m[key]
    sh.mu.RUnlock()
    if ok && e.expiredAt(s.now()) {
        s.expire(sh, key)
        ok = false
    }
    if !ok {
        s.misses.Add(1)
        return nil, false
    }
    s.hits.Add(1)
    return append([]byte(nil), e.val...), true
}

// Exists reports whether key holds a live value without touching counters.
func (s *Store) Exists(key string) bool {
    sh := s.shardFor(key)
    sh.mu.RLock()
    e, ok := sh.m[key]
    sh.mu.RUnlock()
    return ok && !e.expiredAt(s.now())
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(key string) bool {
    sh := s.shardFor(key)
    sh.mu.Lock()
    defer sh.mu.Unlock()
    e, ok := sh.m[key]
    if !ok { return false }
    delete(sh.m, key)
    s.keys.Add(-1)
    s.account(len(e.val), 0)
    return !e.expiredAt(s.now())
}

// Expire changes the TTL of an existing key; ttl <= 0 removes the expiry.
func (s *Store) Expire(key string, ttl time.Duration) bool {
    sh := s.shardFor(key)
    sh.mu.Lock()
    defer sh.mu.Unlock()
    e, ok := sh.m[key]
    if !ok || e.expiredAt(s.now()) { return false }
    e.expireAt = 0
    if ttl > 0 { e.expireAt = s.opts.Now().Add(ttl).UnixNano() }
    sh.m[key] = e
    return true
}

// Keys returns the live keys with the given prefix in lexical order.
func (s *Store) Keys(prefix string) []string {
    now := s.now()
    var out []string
    for i := range s.shards {
        sh := &s.shards[i]
        sh.mu.RLock()
        for k, e := range sh.m {
            if strings.HasPrefix(k, prefix) && !e.expiredAt(now) {
                out = append(out, k)
            }
        }
        sh.mu.RUnlock()
    }
    sort.Strings(out)
    return out
}

func (s *Store) expire(sh *shard, key string) {
    sh.mu.Lock()
    defer sh.mu.Unlock()
    if e, ok := sh.m[key]; ok && e.expiredAt(s.now()) {
        delete(sh.m, key)
        s.keys.Add(-1)
        s.account(len(e.val), 0)
        s.expired.Add(1)
    }
}

// Sweep drops every expired key and returns how many were removed.
func (s *Store) Sweep() int {
    now := s.now()
    n := 0
    for i := range s.shards {
        sh := &s.shards[i]
        sh.mu.Lock()
        for k, e := range sh.m {
            if e.expiredAt(now) {
                delete(sh.m, k)
                s.keys.Add(-1)
                s.account(len(e.val), 0)
                n++
            }
        }
        sh.mu.Unlock()
    }
    s.expired.Add(uint64(n))
    return n
}

func (s *Store) sweeper() {
    defer s.wg.Done()
    t := time.NewTicker(s.opts.SweepInterval)
    defer t.Stop()
    for {
        select {
        case <-s.stop:
            return
        case <-t.C:
            s.Sweep()
        }
    }
}

// Stats is a point-in-time copy of the store counters.
type Stats struct {
    Keys    int64
    Bytes   uint64
    Sets    uint64
    Hits    uint64
    Misses  uint64
    Expired uint64
    Rejects uint64
}

func (s *Store) Metrics() Stats {
    return Stats{
        Keys:    s.keys.Load(),
        Bytes:   s.bytes.Load(),
        Sets:    s.sets.Load(),
        Hits:    s.hits.Load(),
        Misses:  s.misses.Load(),
        Expired: s.expired.Load(),
        Rejects: s.rejects.Load(),
    }
}
