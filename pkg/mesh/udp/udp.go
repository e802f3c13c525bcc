// Package udp carries mesh frames as single UDP datagrams. Each node binds
// one socket; unicast frames go to the address last seen for the target node
// (or its configured address) and everything else is flooded to all peers.
package udp

import (
    "context"
    "fmt"
    "net"
    "sort"
    "sync"

    "go.uber.org/zap"
    "golang.org/x/net/ipv4"

    "github.com/meshtastic/firmware-sub008/pkg/mesh"
)

type Config struct {
    Node   mesh.NodeNum            // stamped as From on outbound frames
    Listen string                  // local bind address, e.g. ":4403"
    Peers  map[mesh.NodeNum]string // statically known nodes
    Flood  []string                // extra addresses that receive broadcasts
    DSCP   int                     // 0 leaves the socket default
    Queue  int                     // inbound queue depth, default 64
    Logger *zap.Logger
}

type Link struct {
    node mesh.NodeNum
    conn *net.UDPConn
    log  *zap.Logger

    mu    sync.Mutex
    peers map[mesh.NodeNum]*net.UDPAddr
    flood []*net.UDPAddr

    rx      chan mesh.Message
    closeCh chan struct{}
    once    sync.Once
}

func Listen(cfg Config) (*Link, error) {
    laddr, err := net.ResolveUDPAddr("udp", cfg.Listen)
    if err != nil { return nil, err }
    c, err := net.ListenUDP("udp", laddr)
    if err != nil { return nil, err }
    if cfg.Queue <= 0 { cfg.Queue = 64 }
    if cfg.Logger == nil { cfg.Logger = zap.L() }
    l := &Link{
        node:    cfg.Node,
        conn:    c,
        log:     cfg.Logger.Named("udp"),
        peers:   make(map[mesh.NodeNum]*net.UDPAddr),
        rx:      make(chan mesh.Message, cfg.Queue),
        closeCh: make(chan struct{}),
    }
    if cfg.DSCP > 0 {
        // DSCP occupies the upper six bits of the TOS byte.
        if err := ipv4.NewConn(c).SetTOS(cfg.DSCP << 2); err != nil {
            l.log.Warn("set dscp", zap.Int("dscp", cfg.DSCP), zap.Error(err))
        }
    }
    for id, a := range cfg.Peers {
        ra, err := net.ResolveUDPAddr("udp", a)
        if err != nil { _ = c.Close(); return nil, fmt.Errorf("udp: peer %s: %w", id, err) }
        l.peers[id] = ra
    }
    for _, a := range cfg.Flood {
        ra, err := net.ResolveUDPAddr("udp", a)
        if err != nil { _ = c.Close(); return nil, fmt.Errorf("udp: flood %s: %w", a, err) }
        l.flood = append(l.flood, ra)
    }
    go l.readLoop()
    return l, nil
}

func (l *Link) Kind() mesh.Kind { return mesh.KindUDP }

func (l *Link) Addr() net.Addr { return l.conn.LocalAddr() }

func (l *Link) readLoop() {
    buf := make([]byte, 64*1024)
    for {
        n, raddr, err := l.conn.ReadFromUDP(buf)
        if err != nil {
            select {
            case <-l.closeCh:
            default:
                l.log.Warn("read failed", zap.Error(err))
            }
            return
        }
        m, err := mesh.DecodeFrame(buf[:n])
        if err != nil {
            l.log.Debug("dropping datagram", zap.Stringer("from", raddr), zap.Error(err))
            continue
        }
        if m.From.IsUnicast() {
            l.mu.Lock()
            l.peers[m.From] = raddr
            l.mu.Unlock()
        }
        select {
        case l.rx <- m:
        default:
            l.log.Debug("rx queue full, dropping", zap.Stringer("msg", m))
        }
    }
}

func (l *Link) Send(ctx context.Context, m mesh.Message) error {
    select {
    case <-l.closeCh:
        return mesh.ErrClosed
    case <-ctx.Done():
        return ctx.Err()
    default:
    }
    if m.From == 0 { m.From = l.node }
    frame, err := m.MarshalBinary()
    if err != nil { return err }
    var firstErr error
    for _, a := range l.targets(m.To) {
        if _, err := l.conn.WriteToUDP(frame, a); err != nil && firstErr == nil { firstErr = err }
    }
    return firstErr
}

// targets resolves where a frame for to is written: the known address of a
// unicast node, otherwise every peer and flood address once.
func (l *Link) targets(to mesh.NodeNum) []*net.UDPAddr {
    l.mu.Lock()
    defer l.mu.Unlock()
    if a, ok := l.peers[to]; ok && to.IsUnicast() { return []*net.UDPAddr{a} }
    seen := make(map[string]bool)
    var out []*net.UDPAddr
    add := func(a *net.UDPAddr) {
        if k := a.String(); !seen[k] { seen[k] = true; out = append(out, a) }
    }
    ids := make([]mesh.NodeNum, 0, len(l.peers))
    for id := range l.peers { ids = append(ids, id) }
    sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
    for _, id := range ids { add(l.peers[id]) }
    for _, a := range l.flood { add(a) }
    return out
}

func (l *Link) Recv(ctx context.Context) (mesh.Message, error) {
    select {
    case <-ctx.Done():
        return mesh.Message{}, ctx.Err()
    case <-l.closeCh:
        return mesh.Message{}, mesh.ErrClosed
    case m := <-l.rx:
        return m, nil
    }
}

func (l *Link) Close() error {
    var err error
    l.once.Do(func() {
        close(l.closeCh)
        err = l.conn.Close()
    })
    return err
}
