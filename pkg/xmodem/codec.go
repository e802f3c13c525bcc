package xmodem

import (
    "fmt"
    "strings"

    "google.golang.org/protobuf/encoding/protowire"
)

// Codec converts packets to and from data-port payload bytes.
type Codec interface {
    Name() string
    Encode(Packet) ([]byte, error)
    Decode([]byte) (Packet, error)
}

// Binary is the compact fixed-header layout.
type Binary struct{}

func (Binary) Name() string                    { return "binary" }
func (Binary) Encode(p Packet) ([]byte, error) { return Encode(p) }
func (Binary) Decode(b []byte) (Packet, error) { return Decode(b) }

// Protobuf encodes packets as the Meshtastic XModem message
// (control=1 enum, seq=2 uint32, crc16=3 uint32, buffer=4 bytes), letting a
// node talk to firmware that carries the protobuf form on the data port.
type Protobuf struct{}

const (
    fieldControl protowire.Number = 1
    fieldSeq     protowire.Number = 2
    fieldCRC     protowire.Number = 3
    fieldBuffer  protowire.Number = 4
)

func (Protobuf) Name() string { return "protobuf" }

func (Protobuf) Encode(p Packet) ([]byte, error) {
    if len(p.Payload) > MaxPayload { return nil, ErrPayloadTooLarge }
    b := make([]byte, 0, 16+len(p.Payload))
    // proto3 omits zero scalars
    if p.Control != 0 {
        b = protowire.AppendTag(b, fieldControl, protowire.VarintType)
        b = protowire.AppendVarint(b, uint64(p.Control))
    }
    if p.Seq != 0 {
        b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
        b = protowire.AppendVarint(b, uint64(p.Seq))
    }
    if p.CRC != 0 {
        b = protowire.AppendTag(b, fieldCRC, protowire.VarintType)
        b = protowire.AppendVarint(b, uint64(p.CRC))
    }
    if len(p.Payload) > 0 {
        b = protowire.AppendTag(b, fieldBuffer, protowire.BytesType)
        b = protowire.AppendBytes(b, p.Payload)
    }
    return b, nil
}

func (Protobuf) Decode(b []byte) (Packet, error) {
    var p Packet
    for len(b) > 0 {
        num, typ, n := protowire.ConsumeTag(b)
        if n < 0 { return Packet{}, fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(n)) }
        b = b[n:]
        switch {
        case num == fieldControl && typ == protowire.VarintType,
            num == fieldSeq && typ == protowire.VarintType,
            num == fieldCRC && typ == protowire.VarintType:
            v, n := protowire.ConsumeVarint(b)
            if n < 0 { return Packet{}, fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(n)) }
            b = b[n:]
            switch num {
            case fieldControl:
                p.Control = Control(v)
            case fieldSeq:
                p.Seq = uint16(v)
            default:
                p.CRC = uint16(v)
            }
        case num == fieldBuffer && typ == protowire.BytesType:
            v, n := protowire.ConsumeBytes(b)
            if n < 0 { return Packet{}, fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(n)) }
            if len(v) > MaxPayload { return Packet{}, ErrPayloadTooLarge }
            p.Payload = append([]byte(nil), v...)
            b = b[n:]
        default:
            n := protowire.ConsumeFieldValue(num, typ, b)
            if n < 0 { return Packet{}, fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(n)) }
            b = b[n:]
        }
    }
    return p, nil
}

// CodecByName resolves a configured wire format.
func CodecByName(name string) (Codec, error) {
    switch strings.ToLower(strings.TrimSpace(name)) {
    case "", "binary":
        return Binary{}, nil
    case "protobuf", "proto":
        return Protobuf{}, nil
    }
    return nil, fmt.Errorf("xmodem: unknown wire format %q", name)
}
