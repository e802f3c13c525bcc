// Package node hosts a session manager on one or more mesh links.
//
// Run owns a single goroutine that delivers inbound messages, local commands
// and ticks to the manager one at a time. Link readers and outbound pumps run
// on their own goroutines and only exchange messages with that loop.
package node

import (
    "context"
    "errors"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "github.com/meshtastic/firmware-sub008/pkg/airtime"
    "github.com/meshtastic/firmware-sub008/pkg/fsstore"
    "github.com/meshtastic/firmware-sub008/pkg/history"
    "github.com/meshtastic/firmware-sub008/pkg/mesh"
    "github.com/meshtastic/firmware-sub008/pkg/session"
    "github.com/meshtastic/firmware-sub008/pkg/xmodem"
)

const DefaultTickInterval = 250 * time.Millisecond

var ErrNotRunning = errors.New("node: not running")

type Options struct {
    Local        mesh.NodeNum
    Session      session.Config
    TickInterval time.Duration
    Codec        xmodem.Codec // data-port encoding, default binary
    HopLimit     uint8
    History      *history.Store   // optional; also registered as observer
    Observer     session.Observer // optional
    // OnReply is called from the loop for OK:/ERROR: texts received from
    // other nodes in answer to commands this node sent.
    OnReply func(from mesh.NodeNum, text string)
    Logger  *zap.Logger
}

// LinkOptions paces one link. Zero values disable pacing.
type LinkOptions struct {
    BytesPerSec int64
    Burst       int64
    Queue       int
}

type link struct {
    t      mesh.Transport
    queue  *airtime.Queue
    bucket *airtime.TokenBucket
}

type submitReq struct {
    text  string
    reply chan string
}

type Node struct {
    opts  Options
    log   *zap.Logger
    mgr   *session.Manager
    recv  session.Receiver
    links []*link

    inbound chan mesh.Message
    submits chan submitReq
    snap    atomic.Pointer[session.Stats]
    msgID   atomic.Uint32
    running atomic.Bool
    done    chan struct{}
}

func New(opts Options, store fsstore.Store) *Node {
    if opts.TickInterval <= 0 { opts.TickInterval = DefaultTickInterval }
    if opts.Codec == nil { opts.Codec = xmodem.Binary{} }
    if opts.HopLimit == 0 { opts.HopLimit = 3 }
    if opts.Logger == nil { opts.Logger = zap.L() }
    n := &Node{
        opts:    opts,
        log:     opts.Logger.Named("node"),
        inbound: make(chan mesh.Message, 64),
        submits: make(chan submitReq),
        done:    make(chan struct{}),
    }
    n.msgID.Store(uint32(time.Now().UnixNano()))

    var obs session.Observers
    if opts.History != nil { obs = append(obs, opts.History) }
    if opts.Observer != nil { obs = append(obs, opts.Observer) }
    cfg := opts.Session
    cfg.Local = opts.Local
    if cfg.Logger == nil { cfg.Logger = opts.Logger }
    n.mgr = session.NewManager(cfg, sink{n}, source{n}, store, obs)
    st := n.mgr.Stats()
    n.snap.Store(&st)
    return n
}

// AddLink attaches a transport. It must be called before Run.
func (n *Node) AddLink(t mesh.Transport, o LinkOptions) {
    l := &link{t: t, queue: airtime.NewQueue(o.Queue)}
    if o.BytesPerSec > 0 { l.bucket = airtime.NewTokenBucket(o.BytesPerSec, o.Burst) }
    n.links = append(n.links, l)
    n.log.Info("link added", zap.Stringer("kind", t.Kind()), zap.Int64("bytes_per_sec", o.BytesPerSec))
}

// Run serves until ctx ends and closes every link on return.
func (n *Node) Run(ctx context.Context) error {
    if len(n.links) == 0 { return errors.New("node: no links") }
    if !n.running.CompareAndSwap(false, true) { return errors.New("node: already running") }
    defer close(n.done)

    ctx, cancel := context.WithCancel(ctx)
    var wg sync.WaitGroup
    for _, l := range n.links {
        wg.Add(2)
        go func(l *link) { defer wg.Done(); n.readLoop(ctx, l) }(l)
        go func(l *link) { defer wg.Done(); n.pump(ctx, l) }(l)
    }
    defer func() {
        cancel()
        for _, l := range n.links { _ = l.t.Close() }
        wg.Wait()
    }()

    tick := time.NewTicker(n.opts.TickInterval)
    defer tick.Stop()
    n.log.Info("node running", zap.Stringer("node", n.opts.Local), zap.Int("links", len(n.links)))
    for {
        select {
        case <-ctx.Done():
            n.log.Info("node stopping", zap.Int("sessions", n.mgr.Len()))
            return nil
        case m := <-n.inbound:
            n.dispatch(m)
        case req := <-n.submits:
            req.reply <- n.mgr.HandleCommand(req.text, n.opts.Local)
        case now := <-tick.C:
            n.mgr.Tick(now)
        }
        st := n.mgr.Stats()
        n.snap.Store(&st)
    }
}

func (n *Node) readLoop(ctx context.Context, l *link) {
    for {
        m, err := l.t.Recv(ctx)
        if err != nil {
            if ctx.Err() != nil || errors.Is(err, mesh.ErrClosed) { return }
            n.log.Debug("recv", zap.Stringer("kind", l.t.Kind()), zap.Error(err))
            continue
        }
        select {
        case n.inbound <- m:
        case <-ctx.Done():
            return
        }
    }
}

func (n *Node) pump(ctx context.Context, l *link) {
    for {
        m, err := l.queue.Pop(ctx)
        if err != nil { return }
        if err := l.bucket.Wait(ctx, int64(mesh.FrameHeaderSize+len(m.Payload))); err != nil { return }
        if err := l.t.Send(ctx, m); err != nil {
            if ctx.Err() != nil { return }
            n.log.Warn("send", zap.Stringer("kind", l.t.Kind()), zap.Stringer("msg", m), zap.Error(err))
        }
    }
}

func (n *Node) dispatch(m mesh.Message) {
    if m.From == n.opts.Local || !m.AddressedTo(n.opts.Local) { return }
    switch m.Port {
    case mesh.PortCommand:
        text := string(m.Payload)
        if session.IsReply(text) {
            n.log.Info("reply received", zap.Stringer("node", m.From), zap.String("text", text))
            if n.opts.OnReply != nil { n.opts.OnReply(m.From, text) }
            return
        }
        n.recv.HandleCommand(text, m.From)
    case mesh.PortData:
        p, err := n.opts.Codec.Decode(m.Payload)
        if err != nil {
            n.log.Debug("undecodable data packet", zap.Stringer("node", m.From), zap.Error(err))
            n.recv.HandleUndecodable(m.From)
            return
        }
        n.recv.HandleDataPacket(p, m.From)
    }
}

func (n *Node) enqueue(c airtime.Class, m mesh.Message) error {
    if len(m.Payload) > mesh.MaxPayload { return mesh.ErrPayloadTooLarge }
    m.From = n.opts.Local
    m.ID = n.msgID.Add(1)
    m.HopLimit = n.opts.HopLimit
    queued := false
    for _, l := range n.links {
        if l.queue.Push(c, m) {
            queued = true
            continue
        }
        n.log.Warn("link queue full, dropping", zap.Stringer("kind", l.t.Kind()), zap.Stringer("msg", m))
    }
    if !queued { return errors.New("node: all link queues full") }
    return nil
}

// Submit runs text as a command issued by this node and returns the reply.
func (n *Node) Submit(ctx context.Context, text string) (string, error) {
    if !n.running.Load() { return "", ErrNotRunning }
    req := submitReq{text: text, reply: make(chan string, 1)}
    select {
    case n.submits <- req:
    case <-n.done:
        return "", ErrNotRunning
    case <-ctx.Done():
        return "", ctx.Err()
    }
    select {
    case r := <-req.reply:
        return r, nil
    case <-ctx.Done():
        return "", ctx.Err()
    }
}

// Stats is the manager view as of the last loop iteration.
func (n *Node) Stats() session.Stats { return *n.snap.Load() }

func (n *Node) Sessions() []session.Info { return n.Stats().Sessions }

func (n *Node) History(limit int) []session.Summary {
    if n.opts.History == nil { return nil }
    return n.opts.History.Recent(limit)
}

// sink adapts the node's link queues to session.PacketSink.
type sink struct{ n *Node }

func (s sink) SendData(to mesh.NodeNum, p xmodem.Packet) error {
    b, err := s.n.opts.Codec.Encode(p)
    if err != nil { return err }
    c := airtime.Bulk
    switch p.Control {
    case xmodem.ACK, xmodem.NAK, xmodem.CAN:
        c = airtime.Control
    }
    return s.n.enqueue(c, mesh.Message{To: to, Port: mesh.PortData, WantAck: true, Payload: b})
}

func (s sink) SendText(to mesh.NodeNum, text string) error {
    return s.n.enqueue(airtime.Control, mesh.Message{To: to, Port: mesh.PortCommand, Payload: []byte(text)})
}

// source hands the manager's entry points to the dispatch loop.
type source struct{ n *Node }

func (s source) Attach(r session.Receiver) { s.n.recv = r }

// SendCommand sends a start command to another node, for example to arm a
// receiver before submitting the matching SEND locally. The answer arrives
// through Options.OnReply. Safe to call from any goroutine while running.
func (n *Node) SendCommand(to mesh.NodeNum, text string) error {
    if !n.running.Load() { return ErrNotRunning }
    if !to.IsUnicast() || to == n.opts.Local { return mesh.ErrInvalidNode }
    if len(text) == 0 || len(text) > session.MaxCommandLen { return session.ErrCommandLength }
    return n.enqueue(airtime.Control, mesh.Message{To: to, Port: mesh.PortCommand, Payload: []byte(text)})
}
