// Package mesh describes the delivery layer below file transfers: node
// addressing, logical ports, the outer message frame and the links that
// carry frames between nodes.
package mesh

import (
    "errors"
    "fmt"
    "strconv"
    "strings"
)

// NodeNum is a 32-bit mesh node number, printed as "!0a0b0c0d".
type NodeNum uint32

// Broadcast addresses every node in range.
const Broadcast NodeNum = 0xFFFFFFFF

var ErrInvalidNode = errors.New("mesh: invalid node id")

func (n NodeNum) String() string { return fmt.Sprintf("!%08x", uint32(n)) }

// IsUnicast reports whether n names a single real node.
func (n NodeNum) IsUnicast() bool { return n != 0 && n != Broadcast }

// ParseNodeNum accepts "!hex" and bare hex forms of up to eight digits.
func ParseNodeNum(s string) (NodeNum, error) {
    h := strings.TrimPrefix(strings.TrimSpace(s), "!")
    if h == "" || len(h) > 8 {
        return 0, fmt.Errorf("%w: %q", ErrInvalidNode, s)
    }
    v, err := strconv.ParseUint(h, 16, 32)
    if err != nil {
        return 0, fmt.Errorf("%w: %q", ErrInvalidNode, s)
    }
    return NodeNum(v), nil
}

// Port is a logical application port on the mesh.
type Port uint16

const (
    PortCommand Port = 250 // text commands and replies
    PortData    Port = 251 // xmodem packets
)

func (p Port) String() string {
    switch p {
    case PortCommand:
        return "command"
    case PortData:
        return "data"
    }
    return strconv.Itoa(int(p))
}
