// Package quic carries mesh frames as unreliable QUIC datagrams between
// nodes on an IP backhaul. Datagrams keep the lossy mesh semantics while QUIC
// gives encryption and NAT-friendly keepalives.
package quic

import (
    "context"
    "crypto/rand"
    "crypto/rsa"
    "crypto/tls"
    "crypto/x509"
    "errors"
    "math/big"
    "net"
    "sync"
    "time"

    quicgo "github.com/quic-go/quic-go"
    "go.uber.org/zap"

    "github.com/meshtastic/firmware-sub008/pkg/mesh"
)

const alpn = "meshxfer"

type Config struct {
    Node   mesh.NodeNum
    Listen string   // optional; empty means dial-only
    Peers  []string // addresses dialed and redialed while the link is open
    Redial time.Duration
    Queue  int
    Logger *zap.Logger
}

// Link is a set of QUIC connections, inbound and outbound, treated as one
// broadcast domain.
type Link struct {
    cfg  Config
    log  *zap.Logger
    ln   *quicgo.Listener
    qcfg *quicgo.Config

    mu     sync.Mutex
    conns  map[quicgo.Connection]struct{}
    routes map[mesh.NodeNum]quicgo.Connection

    rx     chan mesh.Message
    ctx    context.Context
    cancel context.CancelFunc
    wg     sync.WaitGroup
}

func Open(cfg Config) (*Link, error) {
    if cfg.Listen == "" && len(cfg.Peers) == 0 { return nil, errors.New("quic: nothing to listen on or dial") }
    if cfg.Redial <= 0 { cfg.Redial = 5 * time.Second }
    if cfg.Queue <= 0 { cfg.Queue = 64 }
    if cfg.Logger == nil { cfg.Logger = zap.L() }
    ctx, cancel := context.WithCancel(context.Background())
    l := &Link{
        cfg:    cfg,
        log:    cfg.Logger.Named("quic"),
        qcfg:   &quicgo.Config{EnableDatagrams: true, KeepAlivePeriod: 15 * time.Second, MaxIdleTimeout: time.Minute},
        conns:  make(map[quicgo.Connection]struct{}),
        routes: make(map[mesh.NodeNum]quicgo.Connection),
        rx:     make(chan mesh.Message, cfg.Queue),
        ctx:    ctx,
        cancel: cancel,
    }
    if cfg.Listen != "" {
        cert, err := selfSignedCert()
        if err != nil { cancel(); return nil, err }
        tlsConf := &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{alpn}, MinVersion: tls.VersionTLS13}
        ln, err := quicgo.ListenAddr(cfg.Listen, tlsConf, l.qcfg)
        if err != nil { cancel(); return nil, err }
        l.ln = ln
        l.wg.Add(1)
        go l.acceptLoop()
    }
    for _, addr := range cfg.Peers {
        l.wg.Add(1)
        go l.dialLoop(addr)
    }
    return l, nil
}

func (l *Link) Kind() mesh.Kind { return mesh.KindQUIC }

// Addr is the listening address, nil for dial-only links.
func (l *Link) Addr() net.Addr {
    if l.ln == nil { return nil }
    return l.ln.Addr()
}

// Connected is the number of live connections.
func (l *Link) Connected() int {
    l.mu.Lock(); defer l.mu.Unlock()
    return len(l.conns)
}

func (l *Link) acceptLoop() {
    defer l.wg.Done()
    for {
        c, err := l.ln.Accept(l.ctx)
        if err != nil { return }
        l.log.Info("peer connected", zap.Stringer("addr", c.RemoteAddr()))
        l.serve(c)
    }
}

func (l *Link) dialLoop(addr string) {
    defer l.wg.Done()
    tlsClient := &tls.Config{
        InsecureSkipVerify: true, // links are authenticated by the mesh, not TLS
        NextProtos:         []string{alpn},
        MinVersion:         tls.VersionTLS13,
    }
    for {
        c, err := quicgo.DialAddr(l.ctx, addr, tlsClient, l.qcfg)
        if err == nil {
            l.log.Info("dialed peer", zap.String("addr", addr))
            l.serve(c)
            select {
            case <-c.Context().Done():
            case <-l.ctx.Done():
                return
            }
            l.log.Warn("peer connection lost", zap.String("addr", addr))
        } else if l.ctx.Err() == nil {
            l.log.Debug("dial failed", zap.String("addr", addr), zap.Error(err))
        }
        select {
        case <-l.ctx.Done():
            return
        case <-time.After(l.cfg.Redial):
        }
    }
}

func (l *Link) serve(c quicgo.Connection) {
    l.mu.Lock()
    l.conns[c] = struct{}{}
    l.mu.Unlock()
    l.wg.Add(1)
    go func() {
        defer l.wg.Done()
        defer l.drop(c)
        for {
            b, err := c.ReceiveDatagram(l.ctx)
            if err != nil { return }
            m, err := mesh.DecodeFrame(b)
            if err != nil {
                l.log.Debug("dropping datagram", zap.Stringer("addr", c.RemoteAddr()), zap.Error(err))
                continue
            }
            if m.From.IsUnicast() {
                l.mu.Lock()
                l.routes[m.From] = c
                l.mu.Unlock()
            }
            select {
            case l.rx <- m:
            default:
                l.log.Debug("rx queue full, dropping", zap.Stringer("msg", m))
            }
        }
    }()
}

func (l *Link) drop(c quicgo.Connection) {
    l.mu.Lock()
    delete(l.conns, c)
    for id, rc := range l.routes {
        if rc == c { delete(l.routes, id) }
    }
    l.mu.Unlock()
    _ = c.CloseWithError(0, "")
}

func (l *Link) Send(ctx context.Context, m mesh.Message) error {
    if l.ctx.Err() != nil { return mesh.ErrClosed }
    if err := ctx.Err(); err != nil { return err }
    if m.From == 0 { m.From = l.cfg.Node }
    frame, err := m.MarshalBinary()
    if err != nil { return err }

    l.mu.Lock()
    var targets []quicgo.Connection
    if c, ok := l.routes[m.To]; ok && m.To.IsUnicast() {
        targets = append(targets, c)
    } else {
        for c := range l.conns { targets = append(targets, c) }
    }
    l.mu.Unlock()

    var firstErr error
    for _, c := range targets {
        if err := c.SendDatagram(frame); err != nil && firstErr == nil { firstErr = err }
    }
    return firstErr
}

func (l *Link) Recv(ctx context.Context) (mesh.Message, error) {
    select {
    case <-ctx.Done():
        return mesh.Message{}, ctx.Err()
    case <-l.ctx.Done():
        return mesh.Message{}, mesh.ErrClosed
    case m := <-l.rx:
        return m, nil
    }
}

func (l *Link) Close() error {
    if l.ctx.Err() != nil { return nil }
    l.cancel()
    var err error
    if l.ln != nil { err = l.ln.Close() }
    l.mu.Lock()
    for c := range l.conns { _ = c.CloseWithError(0, "closing") }
    l.mu.Unlock()
    l.wg.Wait()
    return err
}

// selfSignedCert generates a short-lived certificate for the listener.
func selfSignedCert() (tls.Certificate, error) {
    priv, err := rsa.GenerateKey(rand.Reader, 2048)
    if err != nil { return tls.Certificate{}, err }
    tmpl := x509.Certificate{
        SerialNumber:          big.NewInt(time.Now().UnixNano()),
        NotBefore:             time.Now().Add(-time.Minute),
        NotAfter:              time.Now().Add(24 * time.Hour),
        KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
        ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
        BasicConstraintsValid: true,
        DNSNames:              []string{"localhost"},
    }
    der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
    if err != nil { return tls.Certificate{}, err }
    return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
