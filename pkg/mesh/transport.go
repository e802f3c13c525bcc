package mesh

import (
    "context"
    "errors"
    "strings"
)

// Kind identifies a link implementation.
type Kind int

const (
    KindUnknown Kind = iota
    KindMem
    KindUDP
    KindKISS
    KindQUIC
)

func (k Kind) String() string {
    switch k {
    case KindMem:
        return "mem"
    case KindUDP:
        return "udp"
    case KindKISS:
        return "kiss"
    case KindQUIC:
        return "quic"
    default:
        return "unknown"
    }
}

// ParseKind maps a configured name to a Kind.
func ParseKind(s string) Kind {
    switch strings.ToLower(strings.TrimSpace(s)) {
    case "mem":
        return KindMem
    case "udp":
        return KindUDP
    case "kiss", "serial", "tnc":
        return KindKISS
    case "quic":
        return KindQUIC
    }
    return KindUnknown
}

// ErrClosed is returned by links after Close.
var ErrClosed = errors.New("mesh: link closed")

// Transport moves whole messages between nodes. Delivery is best effort:
// messages may be lost, duplicated or reordered. Recv blocks until a
// message arrives, ctx ends or the link closes.
type Transport interface {
    Kind() Kind
    Send(ctx context.Context, m Message) error
    Recv(ctx context.Context) (Message, error)
    Close() error
}
