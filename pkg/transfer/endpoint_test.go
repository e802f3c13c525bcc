package transfer

import (
    "bytes"
    "math/rand"
    "testing"
    "time"

    "go.uber.org/zap"

    "github.com/meshtastic/firmware-sub008/pkg/fsstore"
    "github.com/meshtastic/firmware-sub008/pkg/memkv"
    "github.com/meshtastic/firmware-sub008/pkg/mesh"
    "github.com/meshtastic/firmware-sub008/pkg/xmodem"
)

const (
    nodeA mesh.NodeNum = 0x11111111
    nodeB mesh.NodeNum = 0x0A0B0C0D
)

type sentPacket struct {
    to mesh.NodeNum
    p  xmodem.Packet
}

type recorder struct{ sent []sentPacket }

func (r *recorder) SendData(to mesh.NodeNum, p xmodem.Packet) error {
    r.sent = append(r.sent, sentPacket{to: to, p: p})
    return nil
}

func (r *recorder) last() xmodem.Packet { return r.sent[len(r.sent)-1].p }

func (r *recorder) reset() { r.sent = nil }

// countingStore wraps a store and counts opens, closes and removes.
type countingStore struct {
    fsstore.Store
    opens, closes, removes int
}

func (c *countingStore) Open(p string, m fsstore.Mode) (fsstore.Handle, error) {
    h, err := c.Store.Open(p, m)
    if err != nil { return nil, err }
    c.opens++
    return &countingHandle{Handle: h, c: c}, nil
}

func (c *countingStore) Remove(p string) error { c.removes++; return c.Store.Remove(p) }

type countingHandle struct {
    fsstore.Handle
    c      *countingStore
    closed bool
}

func (h *countingHandle) Close() error {
    if !h.closed { h.closed = true; h.c.closes++ }
    return h.Handle.Close()
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newStore(t *testing.T) (*fsstore.MemStore, *countingStore) {
    kv := memkv.New(memkv.Options{SweepInterval: -1})
    t.Cleanup(kv.Close)
    ms := fsstore.NewMemStore(kv)
    return ms, &countingStore{Store: ms}
}

func testOpts(clk *clock) Options {
    return Options{Now: clk.Now, Logger: zap.NewNop()}
}

func pattern(n int) []byte {
    b := make([]byte, n)
    for i := range b { b[i] = byte(i*7 + 3) }
    return b
}

func ack(seq uint16) xmodem.Packet { return xmodem.NewPacket(xmodem.ACK, seq, nil) }
func nak(seq uint16) xmodem.Packet { return xmodem.NewPacket(xmodem.NAK, seq, nil) }

func TestSendSequence300Bytes(t *testing.T) {
    ms, cs := newStore(t)
    src := pattern(300)
    _ = ms.Put("/tmp/x.txt", src)
    rec := &recorder{}
    clk := &clock{t: time.Unix(0, 0)}
    e := NewEndpoint(cs, rec, testOpts(clk))

    if err := e.StartSend("/tmp/x.txt", nodeB); err != nil { t.Fatalf("start: %v", err) }
    type step struct {
        control xmodem.Control
        seq     uint16
        n       int
    }
    want := []step{{xmodem.STX, 0, len("/tmp/x.txt")}, {xmodem.SOH, 1, 128}, {xmodem.SOH, 2, 128}, {xmodem.SOH, 3, 44}, {xmodem.EOT, 4, 0}}
    for i, w := range want {
        if len(rec.sent) != i+1 { t.Fatalf("step %d: sent %d packets", i, len(rec.sent)) }
        got := rec.last()
        if got.Control != w.control || got.Seq != w.seq || len(got.Payload) != w.n || !got.Valid() {
            t.Fatalf("step %d: got %v, want %v seq=%d len=%d", i, got, w.control, w.seq, w.n)
        }
        if rec.sent[i].to != nodeB { t.Fatalf("step %d addressed to %v", i, rec.sent[i].to) }
        if w.control == xmodem.SOH {
            off := int(w.seq-1) * ChunkSize
            if !bytes.Equal(got.Payload, src[off:off+w.n]) { t.Fatalf("chunk %d payload mismatch", w.seq) }
        }
        if e.State() != Sending { t.Fatalf("step %d state = %v", i, e.State()) }
        e.HandlePacket(ack(got.Seq))
    }
    if e.State() != Complete { t.Fatalf("state = %v, want COMPLETE", e.State()) }
    if e.BytesTransferred() != 300 || e.TotalSize() != 300 { t.Fatalf("bytes=%d total=%d", e.BytesTransferred(), e.TotalSize()) }
    if len(rec.sent) != 5 { t.Fatalf("sent %d packets after completion", len(rec.sent)) }
    if cs.opens != 1 || cs.closes != 1 { t.Fatalf("opens=%d closes=%d", cs.opens, cs.closes) }
}

// link delivers packets between two endpoints in order, optionally
// corrupting data payloads and duplicating packets.
type link struct {
    rng       *rand.Rand
    corrupt   float64
    duplicate float64
    queues    map[mesh.NodeNum][]xmodem.Packet
    counts    map[mesh.NodeNum]int
}

type linkSide struct {
    l    *link
    from mesh.NodeNum
}

func (s linkSide) SendData(to mesh.NodeNum, p xmodem.Packet) error {
    l := s.l
    l.counts[s.from]++
    p.Payload = append([]byte(nil), p.Payload...)
    if l.rng != nil && len(p.Payload) > 0 && l.rng.Float64() < l.corrupt {
        p.Payload[l.rng.Intn(len(p.Payload))] ^= 0x01
    }
    l.queues[to] = append(l.queues[to], p)
    if l.rng != nil && l.rng.Float64() < l.duplicate {
        l.queues[to] = append(l.queues[to], p)
    }
    return nil
}

func runLink(t *testing.T, l *link, eps map[mesh.NodeNum]*Endpoint) {
    for steps := 0; steps < 100000; steps++ {
        progressed := false
        for id, ep := range eps {
            q := l.queues[id]
            if len(q) == 0 { continue }
            l.queues[id] = q[1:]
            ep.HandlePacket(q[0])
            progressed = true
        }
        if !progressed { return }
    }
    t.Fatalf("link did not settle")
}

func transferOver(t *testing.T, l *link, size int) (sender, receiver *Endpoint, got []byte) {
    ms, _ := newStore(t)
    src := pattern(size)
    _ = ms.Put("/src.bin", src)
    clk := &clock{t: time.Unix(0, 0)}
    sender = NewEndpoint(ms, linkSide{l, nodeA}, testOpts(clk))
    receiver = NewEndpoint(ms, linkSide{l, nodeB}, testOpts(clk))
    if err := receiver.StartReceive("/dst.bin", nodeA); err != nil { t.Fatalf("receive: %v", err) }
    if err := sender.StartSend("/src.bin", nodeB); err != nil { t.Fatalf("send: %v", err) }
    runLink(t, l, map[mesh.NodeNum]*Endpoint{nodeA: sender, nodeB: receiver})
    got, _ = ms.Get("/dst.bin")
    return sender, receiver, got
}

func TestPacketCountAndReconstruction(t *testing.T) {
    for _, n := range []int{0, 1, 127, 128, 129, 256, 300, 1000, 4096} {
        l := &link{queues: map[mesh.NodeNum][]xmodem.Packet{}, counts: map[mesh.NodeNum]int{}}
        s, r, got := transferOver(t, l, n)
        if s.State() != Complete || r.State() != Complete {
            t.Fatalf("size %d: states %v/%v", n, s.State(), r.State())
        }
        want := 1 + (n+ChunkSize-1)/ChunkSize + 1
        if l.counts[nodeA] != want { t.Fatalf("size %d: sender sent %d packets, want %d", n, l.counts[nodeA], want) }
        if !bytes.Equal(got, pattern(n)) { t.Fatalf("size %d: reconstructed file differs", n) }
        if r.BytesTransferred() != int64(n) { t.Fatalf("size %d: receiver bytes %d", n, r.BytesTransferred()) }
    }
}

func TestTransferSurvivesCorruptionAndDuplication(t *testing.T) {
    l := &link{
        rng:       rand.New(rand.NewSource(42)),
        corrupt:   0.15,
        duplicate: 0.15,
        queues:    map[mesh.NodeNum][]xmodem.Packet{},
        counts:    map[mesh.NodeNum]int{},
    }
    s, r, got := transferOver(t, l, 5000)
    if s.State() != Complete || r.State() != Complete {
        t.Fatalf("states %v/%v (%v)", s.State(), r.State(), s.Reason())
    }
    if !bytes.Equal(got, pattern(5000)) { t.Fatalf("reconstructed file differs") }
    if s.Retransmits() == 0 { t.Fatalf("expected some retransmissions") }
}

func startedSender(t *testing.T, size int) (*Endpoint, *recorder, *countingStore) {
    ms, cs := newStore(t)
    _ = ms.Put("/f", pattern(size))
    rec := &recorder{}
    e := NewEndpoint(cs, rec, testOpts(&clock{t: time.Unix(0, 0)}))
    if err := e.StartSend("/f", nodeB); err != nil { t.Fatalf("start: %v", err) }
    e.HandlePacket(ack(0))
    return e, rec, cs
}

func TestNakRetransmitsIdenticalPacket(t *testing.T) {
    e, rec, _ := startedSender(t, 500)
    outstanding := rec.last()
    rec.reset()
    for k := 0; k < DefaultMaxRetrans; k++ {
        e.HandlePacket(nak(outstanding.Seq))
    }
    if len(rec.sent) != DefaultMaxRetrans { t.Fatalf("retransmissions = %d", len(rec.sent)) }
    for i, s := range rec.sent {
        if !s.p.Equal(outstanding) { t.Fatalf("retransmission %d differs: %v vs %v", i, s.p, outstanding) }
    }
    if e.State() != Sending || e.RetriesRemaining() != 0 { t.Fatalf("state=%v retries=%d", e.State(), e.RetriesRemaining()) }

    e.HandlePacket(ack(outstanding.Seq))
    if got := rec.last(); got.Seq != outstanding.Seq+1 || got.Control != xmodem.SOH {
        t.Fatalf("did not advance: %v", got)
    }
    if e.RetriesRemaining() != DefaultMaxRetrans { t.Fatalf("retries not reset: %d", e.RetriesRemaining()) }
}

func TestRetryExhaustionSendsOneCAN(t *testing.T) {
    e, rec, cs := startedSender(t, 500)
    seq := rec.last().Seq
    rec.reset()
    for k := 0; k <= DefaultMaxRetrans; k++ {
        e.HandlePacket(nak(seq))
    }
    if e.State() != Error || e.Reason() != ReasonRetryExhausted { t.Fatalf("state=%v reason=%v", e.State(), e.Reason()) }
    cans := 0
    for _, s := range rec.sent {
        if s.p.Control == xmodem.CAN { cans++ }
    }
    if cans != 1 || rec.last().Control != xmodem.CAN { t.Fatalf("cans=%d last=%v", cans, rec.last()) }
    if e.FileOpen() || cs.closes != 1 { t.Fatalf("file not closed: open=%v closes=%d", e.FileOpen(), cs.closes) }

    n := len(rec.sent)
    e.HandlePacket(nak(seq))
    e.HandlePacket(ack(seq))
    e.HandleUndecodable()
    if len(rec.sent) != n { t.Fatalf("packets sent after ERROR") }
}

func TestStaleRepliesIgnored(t *testing.T) {
    e, rec, _ := startedSender(t, 500)
    rec.reset() // outstanding: seq 1
    e.HandlePacket(nak(7))
    e.HandlePacket(ack(0))
    e.HandlePacket(ack(9))
    if len(rec.sent) != 0 || e.RetriesRemaining() != DefaultMaxRetrans { t.Fatalf("stale replies acted on: %d", len(rec.sent)) }
    // next-expected style ACK is accepted
    e.HandlePacket(ack(2))
    if rec.last().Seq != 2 { t.Fatalf("next-seq ack not accepted: %v", rec.last()) }
}

func TestUndecodableCountsAsNakForSender(t *testing.T) {
    e, rec, _ := startedSender(t, 500)
    outstanding := rec.last()
    rec.reset()
    e.HandleUndecodable()
    if len(rec.sent) != 1 || !rec.last().Equal(outstanding) { t.Fatalf("expected one retransmission, got %d", len(rec.sent)) }
    if e.RetriesRemaining() != DefaultMaxRetrans-1 { t.Fatalf("retries = %d", e.RetriesRemaining()) }
}

func TestStartSendMissingFile(t *testing.T) {
    _, cs := newStore(t)
    rec := &recorder{}
    e := NewEndpoint(cs, rec, testOpts(&clock{}))
    if err := e.StartSend("/nope", nodeB); err == nil { t.Fatalf("expected error") }
    if e.State() != Idle || len(rec.sent) != 0 { t.Fatalf("state=%v sent=%d", e.State(), len(rec.sent)) }
    if err := e.StartReceive("/x", nodeB); err != nil { t.Fatalf("endpoint unusable after failed start: %v", err) }
    if err := e.StartSend("/x", nodeB); err != ErrNotIdle { t.Fatalf("err = %v", err) }
}

func armedReceiver(t *testing.T) (*Endpoint, *recorder, *fsstore.MemStore, *countingStore) {
    ms, cs := newStore(t)
    rec := &recorder{}
    e := NewEndpoint(cs, rec, testOpts(&clock{t: time.Unix(0, 0)}))
    if err := e.StartReceive("/tmp/y.txt", nodeA); err != nil { t.Fatalf("receive: %v", err) }
    if cs.opens != 0 { t.Fatalf("file opened before handshake") }
    e.HandlePacket(xmodem.NewPacket(xmodem.STX, 0, []byte("/src/name")))
    if rec.last().Control != xmodem.ACK || rec.last().Seq != 0 || cs.opens != 1 {
        t.Fatalf("handshake not accepted: %v opens=%d", rec.last(), cs.opens)
    }
    return e, rec, ms, cs
}

func TestCorruptChunkAnsweredWithOneNak(t *testing.T) {
    e, rec, ms, _ := armedReceiver(t)
    e.HandlePacket(xmodem.NewPacket(xmodem.SOH, 1, pattern(128)))

    good := xmodem.NewPacket(xmodem.SOH, 2, pattern(100))
    for i := range good.Payload {
        bad := good
        bad.Payload = append([]byte(nil), good.Payload...)
        bad.Payload[i] ^= 0xFF
        rec.reset()
        e.HandlePacket(bad)
        if len(rec.sent) != 1 || rec.last().Control != xmodem.NAK || rec.last().Seq != 2 {
            t.Fatalf("byte %d: replies %v", i, rec.sent)
        }
        if e.Seq() != 2 || e.BytesTransferred() != 128 || e.State() != Receiving {
            t.Fatalf("byte %d: state changed seq=%d bytes=%d", i, e.Seq(), e.BytesTransferred())
        }
    }
    if err := e.file.Flush(); err != nil { t.Fatalf("flush: %v", err) }
    if after, _ := ms.Get("/tmp/y.txt"); !bytes.Equal(after, pattern(128)) { t.Fatalf("file changed by corrupt chunk") }

    rec.reset()
    e.HandlePacket(good)
    if rec.last().Control != xmodem.ACK || e.BytesTransferred() != 228 { t.Fatalf("good chunk rejected") }
}

func TestCorruptCopyOfAcceptedChunkIsNaked(t *testing.T) {
    e, rec, _, _ := armedReceiver(t)
    chunk := xmodem.NewPacket(xmodem.SOH, 1, pattern(128))
    e.HandlePacket(chunk)
    if rec.last().Control != xmodem.ACK || e.Seq() != 2 { t.Fatalf("chunk 1 not accepted: %v", rec.last()) }

    bad := chunk
    bad.Payload = append([]byte(nil), chunk.Payload...)
    bad.Payload[5] ^= 0x01
    rec.reset()
    e.HandlePacket(bad)
    if len(rec.sent) != 1 || rec.last().Control != xmodem.NAK || rec.last().Seq != 1 { t.Fatalf("replies = %v", rec.sent) }
    if e.Seq() != 2 || e.BytesTransferred() != 128 { t.Fatalf("state changed seq=%d bytes=%d", e.Seq(), e.BytesTransferred()) }

    // an intact copy is still re-ACKed
    rec.reset()
    e.HandlePacket(chunk)
    if len(rec.sent) != 1 || rec.last().Control != xmodem.ACK || rec.last().Seq != 1 { t.Fatalf("replies = %v", rec.sent) }
}

func TestReceiverSeqHandling(t *testing.T) {
    e, rec, _, _ := armedReceiver(t)
    rec.reset()
    e.HandlePacket(xmodem.NewPacket(xmodem.SOH, 2, []byte("ahead")))
    if rec.last().Control != xmodem.NAK || e.BytesTransferred() != 0 { t.Fatalf("out-of-order chunk accepted") }

    chunk := xmodem.NewPacket(xmodem.SOH, 1, []byte("first"))
    e.HandlePacket(chunk)
    e.HandlePacket(chunk) // duplicate
    if len(rec.sent) != 3 || rec.sent[1].p.Control != xmodem.ACK || rec.sent[2].p.Control != xmodem.ACK || rec.sent[2].p.Seq != 1 {
        t.Fatalf("replies = %v", rec.sent)
    }
    if e.BytesTransferred() != 5 || e.Seq() != 2 { t.Fatalf("duplicate written: bytes=%d seq=%d", e.BytesTransferred(), e.Seq()) }

    e.HandlePacket(xmodem.NewPacket(xmodem.EOT, 2, nil))
    if e.State() != Complete || rec.last().Control != xmodem.ACK { t.Fatalf("EOT not completed: %v", e.State()) }
    if e.FileOpen() { t.Fatalf("file left open") }
}

func TestReceiverIgnoresDataBeforeHandshake(t *testing.T) {
    _, cs := newStore(t)
    rec := &recorder{}
    e := NewEndpoint(cs, rec, testOpts(&clock{}))
    _ = e.StartReceive("/y", nodeA)
    e.HandlePacket(xmodem.NewPacket(xmodem.SOH, 1, []byte("x")))
    e.HandlePacket(xmodem.NewPacket(xmodem.EOT, 2, nil))
    if cs.opens != 0 || e.State() != Receiving { t.Fatalf("opens=%d state=%v", cs.opens, e.State()) }
    for _, s := range rec.sent {
        if s.p.Control != xmodem.NAK { t.Fatalf("unexpected reply %v", s.p) }
    }
}

func TestCancelRemovesPartialFile(t *testing.T) {
    e, _, ms, cs := armedReceiver(t)
    e.HandlePacket(xmodem.NewPacket(xmodem.SOH, 1, []byte("partial")))
    e.HandlePacket(xmodem.NewPacket(xmodem.CAN, 1, nil))
    if e.State() != Error || e.Reason() != ReasonCancelled { t.Fatalf("state=%v reason=%v", e.State(), e.Reason()) }
    if cs.closes != 1 || cs.removes != 1 || ms.Exists("/tmp/y.txt") { t.Fatalf("closes=%d removes=%d", cs.closes, cs.removes) }
}

func TestCancelKeepsPartialWhenConfigured(t *testing.T) {
    ms, cs := newStore(t)
    rec := &recorder{}
    opts := testOpts(&clock{})
    opts.KeepPartialOnCancel = true
    e := NewEndpoint(cs, rec, opts)
    _ = e.StartReceive("/y", nodeA)
    e.HandlePacket(xmodem.NewPacket(xmodem.STX, 0, []byte("/s")))
    e.HandlePacket(xmodem.NewPacket(xmodem.CAN, 0, nil))
    if cs.removes != 0 || !ms.Exists("/y") { t.Fatalf("partial file removed") }
}

func TestSenderCancelledByPeer(t *testing.T) {
    e, rec, cs := startedSender(t, 300)
    n := len(rec.sent)
    e.HandlePacket(xmodem.NewPacket(xmodem.CAN, 0, nil))
    if e.State() != Error || cs.closes != 1 || cs.removes != 0 || len(rec.sent) != n {
        t.Fatalf("state=%v closes=%d removes=%d", e.State(), cs.closes, cs.removes)
    }
}

func TestReceiverOpenFailure(t *testing.T) {
    _, cs := newStore(t)
    rec := &recorder{}
    e := NewEndpoint(cs, rec, testOpts(&clock{}))
    _ = e.StartReceive("not-absolute", nodeA)
    e.HandlePacket(xmodem.NewPacket(xmodem.STX, 0, []byte("/s")))
    if e.State() != Error || e.Reason() != ReasonFileError || rec.last().Control != xmodem.NAK {
        t.Fatalf("state=%v reason=%v last=%v", e.State(), e.Reason(), rec.last())
    }
}

func TestTimeoutClosesWithoutNotifyingPeer(t *testing.T) {
    ms, cs := newStore(t)
    _ = ms.Put("/f", pattern(10))
    rec := &recorder{}
    clk := &clock{t: time.Unix(100, 0)}
    e := NewEndpoint(cs, rec, testOpts(clk))
    _ = e.StartSend("/f", nodeB)
    n := len(rec.sent)

    if e.CheckTimeout(clk.t.Add(DefaultTimeout)) { t.Fatalf("timed out at exactly the limit") }
    if !e.CheckTimeout(clk.t.Add(DefaultTimeout + time.Millisecond)) { t.Fatalf("expected timeout") }
    if e.State() != Error || e.Reason() != ReasonTimeout { t.Fatalf("state=%v reason=%v", e.State(), e.Reason()) }
    if len(rec.sent) != n { t.Fatalf("packet sent on timeout") }
    if cs.closes != 1 || e.FileOpen() { t.Fatalf("file not released") }
}

func TestSeqSkipsZeroOnWrap(t *testing.T) {
    if nextSeq(65535) != 1 || nextSeq(0) != 1 || nextSeq(41) != 42 {
        t.Fatalf("nextSeq mismatch")
    }
}
