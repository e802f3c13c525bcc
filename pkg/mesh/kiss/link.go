package kiss

import (
    "context"
    "errors"
    "fmt"
    "io"
    "net"
    "sync"
    "time"

    "go.bug.st/serial"
    "go.uber.org/zap"

    "github.com/meshtastic/firmware-sub008/pkg/mesh"
)

type Config struct {
    Node   mesh.NodeNum
    Serial string // serial device, e.g. /dev/ttyUSB0
    Baud   int    // default 9600
    TCP    string // host:port of a TCP KISS server, used when Serial is empty
    Queue  int
    Logger *zap.Logger
}

// Open connects to the configured TNC.
func Open(cfg Config) (*Link, error) {
    var (
        rw  io.ReadWriteCloser
        err error
    )
    switch {
    case cfg.Serial != "":
        if cfg.Baud <= 0 { cfg.Baud = 9600 }
        rw, err = serial.Open(cfg.Serial, &serial.Mode{
            BaudRate: cfg.Baud,
            Parity:   serial.NoParity,
            DataBits: 8,
            StopBits: serial.OneStopBit,
        })
    case cfg.TCP != "":
        rw, err = net.DialTimeout("tcp", cfg.TCP, 10*time.Second)
    default:
        return nil, errors.New("kiss: no serial port or tcp address configured")
    }
    if err != nil { return nil, fmt.Errorf("kiss: open: %w", err) }
    return New(rw, cfg), nil
}

// Link owns rw and closes it on Close.
type Link struct {
    node mesh.NodeNum
    rw   io.ReadWriteCloser
    log  *zap.Logger

    wmu     sync.Mutex
    rx      chan mesh.Message
    closeCh chan struct{}
    once    sync.Once
}

func New(rw io.ReadWriteCloser, cfg Config) *Link {
    if cfg.Queue <= 0 { cfg.Queue = 64 }
    if cfg.Logger == nil { cfg.Logger = zap.L() }
    l := &Link{node: cfg.Node, rw: rw, log: cfg.Logger.Named("kiss"), rx: make(chan mesh.Message, cfg.Queue), closeCh: make(chan struct{})}
    go l.readLoop()
    return l
}

func (l *Link) Kind() mesh.Kind { return mesh.KindKISS }

func (l *Link) readLoop() {
    dec := NewDecoder(l.rw)
    for {
        payload, err := dec.Next()
        if err != nil {
            select {
            case <-l.closeCh:
            default:
                l.log.Warn("read failed", zap.Error(err))
                l.Close()
            }
            return
        }
        m, err := mesh.DecodeFrame(payload)
        if err != nil {
            l.log.Debug("dropping kiss frame", zap.Int("len", len(payload)), zap.Error(err))
            continue
        }
        if m.From == l.node && l.node != 0 { continue } // our own frame echoed by a digipeater
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
    l.wmu.Lock()
    defer l.wmu.Unlock()
    _, err = l.rw.Write(Encode(frame))
    return err
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
        err = l.rw.Close()
    })
    return err
}
