package node

import (
    "errors"
    "fmt"

    "go.uber.org/zap"

    "github.com/meshtastic/firmware-sub008/pkg/config"
    "github.com/meshtastic/firmware-sub008/pkg/mesh"
    "github.com/meshtastic/firmware-sub008/pkg/mesh/kiss"
    "github.com/meshtastic/firmware-sub008/pkg/mesh/quic"
    "github.com/meshtastic/firmware-sub008/pkg/mesh/udp"
)

// OpenTransport builds the link described by tc.
func OpenTransport(tc config.TransportConfig, local mesh.NodeNum, log *zap.Logger) (mesh.Transport, error) {
    if log == nil { log = zap.L() }
    switch k := mesh.ParseKind(tc.Kind); k {
    case mesh.KindUDP:
        peers := make(map[mesh.NodeNum]string, len(tc.Peers))
        for _, p := range tc.Peers {
            n, err := mesh.ParseNodeNum(p.Node)
            if err != nil { return nil, err }
            peers[n] = p.Address
        }
        return udp.Listen(udp.Config{Node: local, Listen: tc.Listen, Peers: peers, Flood: tc.Flood, DSCP: tc.DSCP, Queue: tc.Queue, Logger: log})
    case mesh.KindKISS:
        return kiss.Open(kiss.Config{Node: local, Serial: tc.Serial, Baud: tc.Baud, TCP: tc.TCP, Queue: tc.Queue, Logger: log})
    case mesh.KindQUIC:
        return quic.Open(quic.Config{Node: local, Listen: tc.Listen, Peers: tc.Dial, Queue: tc.Queue, Logger: log})
    default:
        return nil, fmt.Errorf("node: transport kind %q not available", tc.Kind)
    }
}

// LinkOptionsFrom maps the per-transport pacing settings.
func LinkOptionsFrom(tc config.TransportConfig) LinkOptions {
    return LinkOptions{BytesPerSec: tc.Airtime.BytesPerSec, Burst: tc.Airtime.Burst, Queue: tc.Queue}
}

// OpenLinks opens every configured transport and attaches it. On error the
// links opened so far are closed.
func (n *Node) OpenLinks(cfgs []config.TransportConfig) error {
    var opened []mesh.Transport
    for i, tc := range cfgs {
        t, err := OpenTransport(tc, n.opts.Local, n.opts.Logger)
        if err != nil {
            for _, o := range opened { _ = o.Close() }
            return fmt.Errorf("transports[%d] (%s): %w", i, tc.Kind, err)
        }
        opened = append(opened, t)
    }
    for i, t := range opened { n.AddLink(t, LinkOptionsFrom(cfgs[i])) }
    return nil
}

// CloseLinks releases links of a node that will not be run. Run closes its
// own links on return.
func (n *Node) CloseLinks() error {
    if n.running.Load() { return errors.New("node: close links while running") }
    var errs []error
    for _, l := range n.links { errs = append(errs, l.t.Close()) }
    n.links = nil
    return errors.Join(errs...)
}
