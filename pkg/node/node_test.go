package node

import (
    "bytes"
    "context"
    "errors"
    "strings"
    "testing"
    "time"

    "go.uber.org/zap"

    "github.com/meshtastic/firmware-sub008/pkg/codec"
    "github.com/meshtastic/firmware-sub008/pkg/config"
    "github.com/meshtastic/firmware-sub008/pkg/fsstore"
    "github.com/meshtastic/firmware-sub008/pkg/history"
    "github.com/meshtastic/firmware-sub008/pkg/memkv"
    "github.com/meshtastic/firmware-sub008/pkg/mesh"
    "github.com/meshtastic/firmware-sub008/pkg/mesh/mem"
    "github.com/meshtastic/firmware-sub008/pkg/session"
    "github.com/meshtastic/firmware-sub008/pkg/xmodem"
)

const (
    nodeA mesh.NodeNum = 0x0000000a
    nodeB mesh.NodeNum = 0x0000000b
)

type peer struct {
    node    *Node
    store   *fsstore.MemStore
    hist    *history.Store
    replies chan string
}

func newPeer(t *testing.T, hub *mem.Hub, id mesh.NodeNum, c xmodem.Codec) *peer {
    t.Helper()
    kv := memkv.New(memkv.Options{SweepInterval: -1})
    t.Cleanup(kv.Close)
    cb, err := codec.CBOR()
    if err != nil { t.Fatalf("cbor: %v", err) }
    p := &peer{
        store:   fsstore.NewMemStore(kv),
        hist:    history.New(kv, cb, time.Hour, zap.NewNop()),
        replies: make(chan string, 8),
    }
    p.node = New(Options{
        Local:        id,
        TickInterval: 10 * time.Millisecond,
        Codec:        c,
        History:      p.hist,
        OnReply:      func(_ mesh.NodeNum, text string) { p.replies <- text },
        Logger:       zap.NewNop(),
    }, p.store)
    l, err := hub.Join(id)
    if err != nil { t.Fatalf("join: %v", err) }
    p.node.AddLink(l, LinkOptions{})
    return p
}

func run(t *testing.T, ps ...*peer) context.Context {
    t.Helper()
    ctx, cancel := context.WithCancel(context.Background())
    done := make(chan struct{}, len(ps))
    for _, p := range ps {
        go func(p *peer) { _ = p.node.Run(ctx); done <- struct{}{} }(p)
    }
    t.Cleanup(func() {
        cancel()
        for range ps { <-done }
    })
    // wait until every loop accepts submissions
    deadline := time.Now().Add(2 * time.Second)
    for _, p := range ps {
        for !p.node.running.Load() {
            if time.Now().After(deadline) { t.Fatalf("node did not start") }
            time.Sleep(time.Millisecond)
        }
    }
    return ctx
}

func waitReply(t *testing.T, p *peer) string {
    t.Helper()
    select {
    case r := <-p.replies:
        return r
    case <-time.After(2 * time.Second):
        t.Fatalf("no reply received")
    }
    return ""
}

func waitHistory(t *testing.T, p *peer) session.Summary {
    t.Helper()
    deadline := time.Now().Add(5 * time.Second)
    for time.Now().Before(deadline) {
        if h := p.node.History(1); len(h) == 1 { return h[0] }
        time.Sleep(5 * time.Millisecond)
    }
    t.Fatalf("transfer did not finish")
    return session.Summary{}
}

func payload(n int) []byte {
    b := make([]byte, n)
    for i := range b { b[i] = byte(i*7 + 3) }
    return b
}

func transferBetween(t *testing.T, hub *mem.Hub, c xmodem.Codec, size int) {
    a := newPeer(t, hub, nodeA, c)
    b := newPeer(t, hub, nodeB, c)
    want := payload(size)
    if err := a.store.Put("/out/r.bin", want); err != nil { t.Fatalf("put: %v", err) }
    ctx := run(t, a, b)

    if err := a.node.SendCommand(nodeB, "RECV:/in/r.bin"); err != nil { t.Fatalf("send command: %v", err) }
    if r := waitReply(t, a); r != "OK: Started RECV to /in/r.bin. Waiting for sender..." { t.Fatalf("reply = %q", r) }

    r, err := a.node.Submit(ctx, "SEND:!0000000b:/out/r.bin")
    if err != nil { t.Fatalf("submit: %v", err) }
    if !strings.HasPrefix(r, "OK:") { t.Fatalf("submit reply = %q", r) }

    sa, sb := waitHistory(t, a), waitHistory(t, b)
    if !sa.Succeeded() || !sb.Succeeded() { t.Fatalf("summaries = %+v / %+v", sa, sb) }
    got, ok := b.store.Get("/in/r.bin")
    if !ok || !bytes.Equal(got, want) { t.Fatalf("received %d bytes, want %d", len(got), len(want)) }
    deadline := time.Now().Add(time.Second)
    for st := a.node.Stats(); st.Completed != 1 || st.Active != 0; st = a.node.Stats() {
        if time.Now().After(deadline) { t.Fatalf("stats = %+v", st) }
        time.Sleep(5 * time.Millisecond)
    }
}

func TestTransferOverMesh(t *testing.T) {
    transferBetween(t, mem.NewHub(mem.Options{}), xmodem.Binary{}, 1000)
}

func TestTransferWithDuplicates(t *testing.T) {
    transferBetween(t, mem.NewHub(mem.Options{Duplicate: 0.3, Seed: 7}), xmodem.Binary{}, 700)
}

func TestTransferProtobufWire(t *testing.T) {
    transferBetween(t, mem.NewHub(mem.Options{}), xmodem.Protobuf{}, 256)
}

func TestSubmitBeforeRun(t *testing.T) {
    a := newPeer(t, mem.NewHub(mem.Options{}), nodeA, nil)
    if _, err := a.node.Submit(context.Background(), "RECV:/x"); !errors.Is(err, ErrNotRunning) { t.Fatalf("err = %v", err) }
    if err := a.node.SendCommand(nodeB, "RECV:/x"); !errors.Is(err, ErrNotRunning) { t.Fatalf("err = %v", err) }
}

func TestRunWithoutLinks(t *testing.T) {
    n := New(Options{Local: nodeA, Logger: zap.NewNop()}, fsstore.NewMemStore(memkv.New(memkv.Options{SweepInterval: -1})))
    if err := n.Run(context.Background()); err == nil { t.Fatalf("run without links should fail") }
}

func TestSendCommandValidation(t *testing.T) {
    hub := mem.NewHub(mem.Options{})
    a := newPeer(t, hub, nodeA, nil)
    run(t, a)
    if err := a.node.SendCommand(mesh.Broadcast, "RECV:/x"); !errors.Is(err, mesh.ErrInvalidNode) { t.Fatalf("broadcast: %v", err) }
    if err := a.node.SendCommand(nodeA, "RECV:/x"); !errors.Is(err, mesh.ErrInvalidNode) { t.Fatalf("self: %v", err) }
    if err := a.node.SendCommand(nodeB, strings.Repeat("x", 201)); !errors.Is(err, session.ErrCommandLength) { t.Fatalf("long: %v", err) }
}

func TestRemoteErrorReply(t *testing.T) {
    hub := mem.NewHub(mem.Options{})
    a, b := newPeer(t, hub, nodeA, nil), newPeer(t, hub, nodeB, nil)
    run(t, a, b)
    if err := a.node.SendCommand(nodeB, "PING"); err != nil { t.Fatalf("send command: %v", err) }
    if r := waitReply(t, a); !strings.HasPrefix(r, "ERROR:") { t.Fatalf("reply = %q", r) }
}

func TestUndecodableDataIsNaked(t *testing.T) {
    hub := mem.NewHub(mem.Options{})
    a := newPeer(t, hub, nodeA, nil)
    raw, err := hub.Join(nodeB)
    if err != nil { t.Fatalf("join: %v", err) }
    ctx := run(t, a)

    // the raw peer arms a receiver on A, then feeds it garbage
    if err := raw.Send(ctx, mesh.Message{From: nodeB, To: nodeA, Port: mesh.PortCommand, Payload: []byte("RECV:/in/junk")}); err != nil { t.Fatalf("send: %v", err) }
    m, err := raw.Recv(ctx)
    if err != nil || !strings.HasPrefix(string(m.Payload), "OK:") { t.Fatalf("reply: %v %v", m, err) }
    if err := raw.Send(ctx, mesh.Message{From: nodeB, To: nodeA, Port: mesh.PortData, Payload: []byte{0xde, 0xad}}); err != nil { t.Fatalf("send: %v", err) }

    rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    m, err = raw.Recv(rctx)
    if err != nil { t.Fatalf("recv: %v", err) }
    p, err := xmodem.Decode(m.Payload)
    if err != nil || m.Port != mesh.PortData || p.Control != xmodem.NAK { t.Fatalf("got %v %+v %v", m, p, err) }
}

func TestOpenTransportUnknownKind(t *testing.T) {
    if _, err := OpenTransport(config.TransportConfig{Kind: "smoke"}, nodeA, zap.NewNop()); err == nil { t.Fatalf("unknown kind should fail") }
}

func TestCloseLinksBeforeRun(t *testing.T) {
    n := New(Options{Local: nodeA, Logger: zap.NewNop()}, fsstore.NewMemStore(memkv.New(memkv.Options{SweepInterval: -1})))
    if err := n.OpenLinks([]config.TransportConfig{{Kind: "udp", Listen: "127.0.0.1:0"}}); err != nil { t.Fatalf("open: %v", err) }
    if err := n.CloseLinks(); err != nil { t.Fatalf("close: %v", err) }
    if len(n.links) != 0 { t.Fatalf("links kept: %d", len(n.links)) }
    if err := n.Run(context.Background()); err == nil { t.Fatalf("run after close should fail") }
}

func TestOpenLinksUDP(t *testing.T) {
    n := New(Options{Local: nodeA, Logger: zap.NewNop()}, fsstore.NewMemStore(memkv.New(memkv.Options{SweepInterval: -1})))
    err := n.OpenLinks([]config.TransportConfig{{Kind: "udp", Listen: "127.0.0.1:0", Airtime: config.AirtimeConfig{BytesPerSec: 100}}})
    if err != nil { t.Fatalf("open: %v", err) }
    if len(n.links) != 1 || n.links[0].bucket == nil { t.Fatalf("links = %+v", n.links) }
    _ = n.links[0].t.Close()
}
