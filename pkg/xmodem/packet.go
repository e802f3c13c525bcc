package xmodem

import (
    "encoding/binary"
    "errors"
    "fmt"
)

// MaxPayload bounds the chunk size and the handshake file name.
const MaxPayload = 128

// HeaderSize is the fixed part of an encoded packet:
// control(1) len(1) seq(2 LE) crc16(2 LE).
const HeaderSize = 6

var (
    ErrTruncated       = errors.New("xmodem: truncated packet")
    ErrPayloadTooLarge = errors.New("xmodem: payload exceeds 128 bytes")
)

// Packet is one chunk-level protocol unit.
type Packet struct {
    Control Control
    Seq     uint16
    CRC     uint16
    Payload []byte
}

// NewPacket builds a packet with its CRC computed over payload.
func NewPacket(c Control, seq uint16, payload []byte) Packet {
    return Packet{Control: c, Seq: seq, CRC: CRC16(payload), Payload: payload}
}

// Valid reports whether the stored CRC matches the payload.
func (p Packet) Valid() bool { return p.CRC == CRC16(p.Payload) }

func (p Packet) String() string {
    return fmt.Sprintf("%s seq=%d len=%d crc=%04x", p.Control, p.Seq, len(p.Payload), p.CRC)
}

// Equal compares all fields including payload bytes.
func (p Packet) Equal(o Packet) bool {
    if p.Control != o.Control || p.Seq != o.Seq || p.CRC != o.CRC || len(p.Payload) != len(o.Payload) {
        return false
    }
    for i := range p.Payload {
        if p.Payload[i] != o.Payload[i] { return false }
    }
    return true
}

// MarshalBinary encodes the packet into its fixed wire layout.
func (p Packet) MarshalBinary() ([]byte, error) {
    if len(p.Payload) > MaxPayload { return nil, ErrPayloadTooLarge }
    b := make([]byte, HeaderSize+len(p.Payload))
    b[0] = byte(p.Control)
    b[1] = byte(len(p.Payload))
    binary.LittleEndian.PutUint16(b[2:4], p.Seq)
    binary.LittleEndian.PutUint16(b[4:6], p.CRC)
    copy(b[HeaderSize:], p.Payload)
    return b, nil
}

// UnmarshalBinary decodes b. Bytes past the declared payload length are
// ignored; the payload is copied so b may be reused by the caller.
func (p *Packet) UnmarshalBinary(b []byte) error {
    if len(b) < HeaderSize { return ErrTruncated }
    n := int(b[1])
    if n > MaxPayload { return ErrPayloadTooLarge }
    if len(b) < HeaderSize+n { return ErrTruncated }
    p.Control = Control(b[0])
    p.Seq = binary.LittleEndian.Uint16(b[2:4])
    p.CRC = binary.LittleEndian.Uint16(b[4:6])
    p.Payload = append([]byte(nil), b[HeaderSize:HeaderSize+n]...)
    return nil
}

// Encode is the functional form of MarshalBinary.
func Encode(p Packet) ([]byte, error) { return p.MarshalBinary() }

// Decode is the functional form of UnmarshalBinary.
func Decode(b []byte) (Packet, error) {
    var p Packet
    if err := p.UnmarshalBinary(b); err != nil { return Packet{}, err }
    return p, nil
}
