// Package mem is an in-process mesh: every joined node gets a link and the
// hub moves frames between them, optionally dropping or duplicating them to
// look like a lossy radio channel. Used by simulations and tests.
package mem

import (
    "context"
    "errors"
    "math/rand"
    "sync"
    "sync/atomic"

    "github.com/meshtastic/firmware-sub008/pkg/mesh"
)

type Options struct {
    Loss       float64 // probability a frame is dropped per receiver
    Duplicate  float64 // probability a delivered frame is delivered twice
    Seed       int64
    QueueDepth int // per-node receive queue, default 64
}

// Hub connects the links of one simulated mesh.
type Hub struct {
    mu    sync.Mutex
    opts  Options
    rng   *rand.Rand
    links map[mesh.NodeNum]*Link

    delivered atomic.Uint64
    dropped   atomic.Uint64
}

func NewHub(opts Options) *Hub {
    if opts.QueueDepth <= 0 { opts.QueueDepth = 64 }
    return &Hub{opts: opts, rng: rand.New(rand.NewSource(opts.Seed)), links: make(map[mesh.NodeNum]*Link)}
}

// Join attaches a node to the hub.
func (h *Hub) Join(id mesh.NodeNum) (*Link, error) {
    if !id.IsUnicast() { return nil, mesh.ErrInvalidNode }
    h.mu.Lock(); defer h.mu.Unlock()
    if _, ok := h.links[id]; ok {
        return nil, errors.New("mem: node already joined")
    }
    l := &Link{hub: h, id: id, rx: make(chan []byte, h.opts.QueueDepth), closeCh: make(chan struct{})}
    h.links[id] = l
    return l, nil
}

// Counts returns delivered and dropped frame totals.
func (h *Hub) Counts() (delivered, dropped uint64) { return h.delivered.Load(), h.dropped.Load() }

func (h *Hub) deliver(from, to mesh.NodeNum, frame []byte) {
    h.mu.Lock()
    defer h.mu.Unlock()
    var targets []*Link
    if to == mesh.Broadcast {
        for id, l := range h.links {
            if id != from { targets = append(targets, l) }
        }
    } else if l, ok := h.links[to]; ok {
        targets = append(targets, l)
    }
    for _, l := range targets {
        if h.opts.Loss > 0 && h.rng.Float64() < h.opts.Loss {
            h.dropped.Add(1)
            continue
        }
        copies := 1
        if h.opts.Duplicate > 0 && h.rng.Float64() < h.opts.Duplicate { copies = 2 }
        for i := 0; i < copies; i++ {
            select {
            case l.rx <- frame:
                h.delivered.Add(1)
            default:
                h.dropped.Add(1)
            }
        }
    }
}

// Link is one node's attachment to a Hub.
type Link struct {
    hub     *Hub
    id      mesh.NodeNum
    rx      chan []byte
    closeCh chan struct{}
    once    sync.Once
}

func (l *Link) Kind() mesh.Kind { return mesh.KindMem }

func (l *Link) Node() mesh.NodeNum { return l.id }

func (l *Link) Send(ctx context.Context, m mesh.Message) error {
    select {
    case <-l.closeCh:
        return mesh.ErrClosed
    case <-ctx.Done():
        return ctx.Err()
    default:
    }
    if m.From == 0 { m.From = l.id }
    frame, err := m.MarshalBinary()
    if err != nil { return err }
    l.hub.deliver(m.From, m.To, frame)
    return nil
}

func (l *Link) Recv(ctx context.Context) (mesh.Message, error) {
    select {
    case <-ctx.Done():
        return mesh.Message{}, ctx.Err()
    case <-l.closeCh:
        return mesh.Message{}, mesh.ErrClosed
    case frame := <-l.rx:
        return mesh.DecodeFrame(frame)
    }
}

func (l *Link) Close() error {
    l.once.Do(func() {
        close(l.closeCh)
        l.hub.mu.Lock()
        delete(l.hub.links, l.id)
        l.hub.mu.Unlock()
    })
    return nil
}
