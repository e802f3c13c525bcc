package config

import (
    "errors"
    "fmt"
    "strings"

    "github.com/meshtastic/firmware-sub008/pkg/mesh"
)

// TransportConfig describes one mesh link.
// Example YAML:
// transports:
//   - kind: udp
//     listen: ":4403"
//     peers:
//       - node: "!0000000b"
//         address: "10.0.0.2:4403"
//     flood: ["10.0.0.255:4403"]
//     dscp: 46
//   - kind: kiss
//     serial: /dev/ttyUSB0
//     baud: 9600
//     airtime: { bytes_per_sec: 120, burst: 512 }
//   - kind: kiss
//     tcp: "127.0.0.1:8001"
//   - kind: quic
//     listen: ":4433"
//     dial: ["gw.example.net:4433"]
type TransportConfig struct {
    Kind   string       `mapstructure:"kind"`
    Listen string       `mapstructure:"listen"`
    Peers  []PeerConfig `mapstructure:"peers"`  // udp
    Flood  []string     `mapstructure:"flood"`  // udp
    DSCP   int          `mapstructure:"dscp"`   // udp
    Serial string       `mapstructure:"serial"` // kiss
    Baud   int          `mapstructure:"baud"`   // kiss
    TCP    string       `mapstructure:"tcp"`    // kiss
    Dial   []string     `mapstructure:"dial"`   // quic
    // Queue bounds the outbound frames waiting for airtime.
    Queue   int           `mapstructure:"queue"`
    Airtime AirtimeConfig `mapstructure:"airtime"`
}

// PeerConfig pins a node to a UDP address.
type PeerConfig struct {
    Node    string `mapstructure:"node"`
    Address string `mapstructure:"address"`
}

// AirtimeConfig paces one link. BytesPerSec 0 disables pacing.
type AirtimeConfig struct {
    BytesPerSec int64 `mapstructure:"bytes_per_sec"`
    Burst       int64 `mapstructure:"burst"`
}

func (t *TransportConfig) validate() error {
    t.Kind = strings.ToLower(strings.TrimSpace(t.Kind))
    switch mesh.ParseKind(t.Kind) {
    case mesh.KindUDP:
        if t.Listen == "" { return errors.New("udp needs listen") }
        for _, p := range t.Peers {
            if _, err := mesh.ParseNodeNum(p.Node); err != nil { return fmt.Errorf("invalid peer node %q", p.Node) }
        }
    case mesh.KindKISS:
        if t.Serial == "" && t.TCP == "" { return errors.New("kiss needs serial or tcp") }
    case mesh.KindQUIC:
        if t.Listen == "" && len(t.Dial) == 0 { return errors.New("quic needs listen or dial") }
    default:
        return fmt.Errorf("unsupported kind %q", t.Kind)
    }
    return nil
}
