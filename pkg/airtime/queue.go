package airtime

import (
    "context"
    "sync"

    "github.com/meshtastic/firmware-sub008/pkg/mesh"
)

// Class is a priority class; lower values are served first.
type Class int

const (
    Control Class = iota // command replies, ACK, NAK, CAN
    Bulk                 // handshakes, data chunks, EOT
    numClasses
)

type flow struct {
    dest mesh.NodeNum
    q    []mesh.Message
}

type level struct {
    flows map[mesh.NodeNum]*flow
    order []mesh.NodeNum // round robin order
    idx   int
}

// Queue serves classes in strict priority and destinations within a class
// round robin, so one long transfer cannot starve another. It is bounded:
// Push fails instead of blocking when full.
type Queue struct {
    mu    sync.Mutex
    lvls  [numClasses]level
    size  int
    limit int
    wake  chan struct{}
}

func NewQueue(limit int) *Queue {
    if limit <= 0 { limit = 256 }
    q := &Queue{limit: limit, wake: make(chan struct{}, 1)}
    for i := range q.lvls { q.lvls[i].flows = make(map[mesh.NodeNum]*flow) }
    return q
}

// Push appends m; false means the queue is full and m was dropped.
func (q *Queue) Push(c Class, m mesh.Message) bool {
    if c < 0 || c >= numClasses { c = Bulk }
    q.mu.Lock()
    if q.size >= q.limit {
        q.mu.Unlock()
        return false
    }
    lvl := &q.lvls[c]
    f := lvl.flows[m.To]
    if f == nil {
        f = &flow{dest: m.To}
        lvl.flows[m.To] = f
        lvl.order = append(lvl.order, m.To)
    }
    f.q = append(f.q, m)
    q.size++
    q.mu.Unlock()
    select { case q.wake <- struct{}{}: default: }
    return true
}

// Len is the number of queued messages.
func (q *Queue) Len() int {
    q.mu.Lock(); defer q.mu.Unlock()
    return q.size
}

// Pop blocks until a message is available or ctx ends.
func (q *Queue) Pop(ctx context.Context) (mesh.Message, error) {
    for {
        if m, ok := q.tryPop(); ok { return m, nil }
        select {
        case <-ctx.Done():
            return mesh.Message{}, ctx.Err()
        case <-q.wake:
        }
    }
}

func (q *Queue) tryPop() (mesh.Message, bool) {
    q.mu.Lock()
    defer q.mu.Unlock()
    for li := range q.lvls {
        lvl := &q.lvls[li]
        n := len(lvl.order)
        for i := 0; i < n; i++ {
            j := (lvl.idx + i) % n
            f := lvl.flows[lvl.order[j]]
            if len(f.q) == 0 { continue }
            m := f.q[0]
            f.q = f.q[1:]
            q.size--
            if len(f.q) == 0 {
                // forget idle flows so the order slice stays small
                delete(lvl.flows, f.dest)
                lvl.order = append(lvl.order[:j], lvl.order[j+1:]...)
                if len(lvl.order) > 0 { lvl.idx = j % len(lvl.order) } else { lvl.idx = 0 }
            } else {
                lvl.idx = (j + 1) % n
            }
            return m, true
        }
    }
    return mesh.Message{}, false
}
