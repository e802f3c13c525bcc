// Package history keeps summaries of finished transfers for a while so the
// status API and the operator CLI can show what happened after the session
// itself is gone.
package history

import (
    "fmt"
    "sort"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "github.com/meshtastic/firmware-sub008/pkg/codec"
    "github.com/meshtastic/firmware-sub008/pkg/memkv"
    "github.com/meshtastic/firmware-sub008/pkg/session"
)

const (
    keyPrefix  = "history:"
    keyStats   = "stats:last"
    DefaultTTL = 24 * time.Hour
)

// Store persists session summaries in the in-memory KV. It implements
// session.Observer and is safe for concurrent use.
type Store struct {
    kv  *memkv.Store
    c   codec.Codec
    ttl time.Duration
    log *zap.Logger
    seq atomic.Uint64
}

func New(kv *memkv.Store, c codec.Codec, ttl time.Duration, log *zap.Logger) *Store {
    if ttl <= 0 { ttl = DefaultTTL }
    if log == nil { log = zap.L() }
    return &Store{kv: kv, c: c, ttl: ttl, log: log.Named("history")}
}

// key orders entries by finish time; seq breaks ties within one nanosecond.
func (s *Store) key(at time.Time) string {
    return fmt.Sprintf("%s%020d:%06d", keyPrefix, at.UnixNano(), s.seq.Add(1)%1_000_000)
}

func (s *Store) TransferFinished(sum session.Summary) {
    b, err := s.c.Marshal(sum)
    if err != nil {
        s.log.Warn("encode summary", zap.Uint32("session", sum.ID), zap.Error(err))
        return
    }
    if !s.kv.Set(s.key(sum.Finished), b, s.ttl) {
        s.log.Warn("history full, summary dropped", zap.Uint32("session", sum.ID))
        return
    }
    s.log.Debug("recorded", zap.Uint32("session", sum.ID), zap.String("state", sum.State), zap.String("file", sum.Filename))
}

func (s *Store) TransferStats(st session.Stats) {
    b, err := s.c.Marshal(st)
    if err != nil { return }
    s.kv.Set(keyStats, b, s.ttl)
}

// Recent returns up to n summaries, newest first. n <= 0 returns all.
func (s *Store) Recent(n int) []session.Summary {
    keys := s.kv.Keys(keyPrefix)
    sort.Sort(sort.Reverse(sort.StringSlice(keys)))
    out := make([]session.Summary, 0, len(keys))
    for _, k := range keys {
        if n > 0 && len(out) == n { break }
        b, ok := s.kv.Get(k)
        if !ok { continue }
        var sum session.Summary
        if err := s.c.Unmarshal(b, &sum); err != nil {
            s.log.Warn("decode summary", zap.String("key", k), zap.Error(err))
            continue
        }
        out = append(out, sum)
    }
    return out
}

// LastStats returns the most recent periodic stats report, if any.
func (s *Store) LastStats() (session.Stats, bool) {
    b, ok := s.kv.Get(keyStats)
    if !ok { return session.Stats{}, false }
    var st session.Stats
    if err := s.c.Unmarshal(b, &st); err != nil { return session.Stats{}, false }
    return st, true
}
