// Package xmodem implements the chunk-level wire format used by file
// transfers on the mesh data port: a control byte, a 16-bit sequence number,
// a CRC-CCITT over the payload and up to MaxPayload bytes of data.
package xmodem

import "fmt"

// Control identifies the role of a packet.
type Control uint8

const (
    NUL   Control = 0
    SOH   Control = 1  // data chunk
    STX   Control = 2  // handshake (seq 0, payload is the file name)
    EOT   Control = 4  // end of transmission
    ACK   Control = 6
    NAK   Control = 21
    CAN   Control = 24 // cancel
    CTRLZ Control = 26
)

func (c Control) String() string {
    switch c {
    case NUL:
        return "NUL"
    case SOH:
        return "SOH"
    case STX:
        return "STX"
    case EOT:
        return "EOT"
    case ACK:
        return "ACK"
    case NAK:
        return "NAK"
    case CAN:
        return "CAN"
    case CTRLZ:
        return "CTRLZ"
    default:
        return fmt.Sprintf("Control(%d)", uint8(c))
    }
}

// IsData reports whether packets with this control carry file data or the
// handshake file name.
func (c Control) IsData() bool { return c == SOH || c == STX }
