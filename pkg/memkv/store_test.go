package memkv

import (
    "sync"
    "testing"
    "time"
)

type fakeClock struct {
    mu sync.Mutex
    t  time.Time
}

func (c *fakeClock) Now() time.Time { c.mu.Lock(); defer c.mu.Unlock(); return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.mu.Lock(); c.t = c.t.Add(d); c.mu.Unlock() }

func newTestStore(opts Options) (*Store, *fakeClock) {
    clk := &fakeClock{t: time.Unix(1700000000, 0)}
    opts.Now = clk.Now
    opts.SweepInterval = -1
    return New(opts), clk
}

func TestSetGetReturnsCopy(t *testing.T) {
    s, _ := newTestStore(Options{})
    defer s.Close()

    in := []byte("abc")
    if !s.Set("k1", in, 0) { t.Fatalf("set rejected") }
    in[0] = 'X'
    v, ok := s.Get("k1")
    if !ok || string(v) != "abc" { t.Fatalf("Get mismatch: ok=%v v=%q", ok, v) }
    v[0] = 'Y'
    v2, _ := s.Get("k1")
    if string(v2) != "abc" { t.Fatalf("store mutated through returned slice: %q", v2) }
}

func TestTTLExpiry(t *testing.T) {
    s, clk := newTestStore(Options{})
    defer s.Close()

    s.Set("short", []byte("1"), time.Second)
    s.Set("long", []byte("2"), time.Hour)
    s.Set("forever", []byte("3"), 0)

    clk.Advance(2 * time.Second)
    if _, ok := s.Get("short"); ok { t.Fatalf("expected short to expire") }
    if !s.Exists("long") || !s.Exists("forever") { t.Fatalf("unexpected expiry") }

    if !s.Expire("long", time.Second) { t.Fatalf("expire failed") }
    clk.Advance(2 * time.Second)
    if n := s.Sweep(); n != 1 { t.Fatalf("sweep removed %d", n) }
    if m := s.Metrics(); m.Keys != 1 || m.Bytes != 1 || m.Expired != 2 {
        t.Fatalf("metrics = %+v", m)
    }
}

func TestMaxBytes(t *testing.T) {
    s, _ := newTestStore(Options{MaxBytes: 10})
    defer s.Close()

    if !s.Set("a", make([]byte, 6), 0) { t.Fatalf("first set rejected") }
    if s.Set("b", make([]byte, 6), 0) { t.Fatalf("expected cap rejection") }
    // shrinking an existing key always fits
    if !s.Set("a", make([]byte, 2), 0) { t.Fatalf("shrink rejected") }
    if !s.Set("b", make([]byte, 8), 0) { t.Fatalf("set after shrink rejected") }
    if m := s.Metrics(); m.Bytes != 10 || m.Rejects != 1 {
        t.Fatalf("metrics = %+v", m)
    }
    s.Delete("b")
    if m := s.Metrics(); m.Bytes != 2 || m.Keys != 1 {
        t.Fatalf("after delete metrics = %+v", m)
    }
}

func TestKeysPrefixSorted(t *testing.T) {
    s, _ := newTestStore(Options{})
    defer s.Close()
    for _, k := range []string{"f/b", "x/1", "f/a", "f/c"} {
        s.Set(k, nil, 0)
    }
    got := s.Keys("f/")
    if len(got) != 3 || got[0] != "f/a" || got[2] != "f/c" {
        t.Fatalf("keys = %v", got)
    }
}

func TestConcurrentAccess(t *testing.T) {
    s := New(Options{SweepInterval: time.Millisecond})
    defer s.Close()
    var wg sync.WaitGroup
    for g := 0; g < 8; g++ {
        wg.Add(1)
        go func(g int) {
            defer wg.Done()
            for i := 0; i < 500; i++ {
                k := string(rune('a'+g)) + "/" + string(rune('0'+i%10))
                s.Set(k, []byte{byte(i)}, time.Millisecond)
                s.Get(k)
                s.Delete(k)
            }
        }(g)
    }
    wg.Wait()
}
