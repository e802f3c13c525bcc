package mesh

import (
    "encoding/binary"
    "errors"
    "fmt"
)

// Frame header layout (22 bytes), little-endian:
//
//  0  ..1   Magic   'M''X' (0x584d)
//  2        Version u8
//  3        Flags   u8 (bit 0: want ack)
//  4  ..7   From    u32
//  8  ..11  To      u32
//  12 ..15  ID      u32
//  16 ..17  Port    u16
//  18       HopLimit u8
//  19       Reserved u8
//  20 ..21  PayloadLen u16
const (
    FrameHeaderSize = 22
    frameMagic      = uint16(0x584d)
    frameVersion    = 1

    flagWantAck = 1 << 0
)

// MaxPayload is the largest application payload one mesh packet carries.
const MaxPayload = 233

var (
    ErrShortFrame      = errors.New("mesh: short frame")
    ErrBadMagic        = errors.New("mesh: bad frame magic")
    ErrPayloadTooLarge = errors.New("mesh: payload too large")
)

// Message is one packet as seen by applications.
type Message struct {
    ID       uint32
    From     NodeNum
    To       NodeNum
    Port     Port
    HopLimit uint8
    WantAck  bool
    Payload  []byte
}

func (m Message) String() string {
    return fmt.Sprintf("%s->%s port=%s id=%08x len=%d", m.From, m.To, m.Port, m.ID, len(m.Payload))
}

// MarshalBinary encodes m as header followed by payload.
func (m Message) MarshalBinary() ([]byte, error) {
    if len(m.Payload) > MaxPayload { return nil, ErrPayloadTooLarge }
    buf := make([]byte, FrameHeaderSize+len(m.Payload))
    binary.LittleEndian.PutUint16(buf[0:2], frameMagic)
    buf[2] = frameVersion
    if m.WantAck { buf[3] |= flagWantAck }
    binary.LittleEndian.PutUint32(buf[4:8], uint32(m.From))
    binary.LittleEndian.PutUint32(buf[8:12], uint32(m.To))
    binary.LittleEndian.PutUint32(buf[12:16], m.ID)
    binary.LittleEndian.PutUint16(buf[16:18], uint16(m.Port))
    buf[18] = m.HopLimit
    binary.LittleEndian.PutUint16(buf[20:22], uint16(len(m.Payload)))
    copy(buf[FrameHeaderSize:], m.Payload)
    return buf, nil
}

// UnmarshalBinary decodes a frame; the payload is copied out of buf.
func (m *Message) UnmarshalBinary(buf []byte) error {
    if len(buf) < FrameHeaderSize { return ErrShortFrame }
    if binary.LittleEndian.Uint16(buf[0:2]) != frameMagic { return ErrBadMagic }
    n := int(binary.LittleEndian.Uint16(buf[20:22]))
    if n > MaxPayload { return ErrPayloadTooLarge }
    if len(buf) < FrameHeaderSize+n { return ErrShortFrame }
    m.WantAck = buf[3]&flagWantAck != 0
    m.From = NodeNum(binary.LittleEndian.Uint32(buf[4:8]))
    m.To = NodeNum(binary.LittleEndian.Uint32(buf[8:12]))
    m.ID = binary.LittleEndian.Uint32(buf[12:16])
    m.Port = Port(binary.LittleEndian.Uint16(buf[16:18]))
    m.HopLimit = buf[18]
    m.Payload = append([]byte(nil), buf[FrameHeaderSize:FrameHeaderSize+n]...)
    return nil
}

// DecodeFrame is a convenience wrapper around UnmarshalBinary.
func DecodeFrame(buf []byte) (Message, error) {
    var m Message
    err := m.UnmarshalBinary(buf)
    return m, err
}

// AddressedTo reports whether a node should consume m.
func (m Message) AddressedTo(n NodeNum) bool { return m.To == n || m.To == Broadcast }
