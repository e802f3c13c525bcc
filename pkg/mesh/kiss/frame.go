// Package kiss runs mesh frames over a KISS TNC, either a serial port or a
// TCP KISS server. The radio channel is shared so every frame is effectively
// a broadcast; addressing is left to the mesh header.
package kiss

import (
    "bufio"
    "io"
)

const (
    FEND  = 0xC0
    FESC  = 0xDB
    TFEND = 0xDC
    TFESC = 0xDD

    cmdData = 0x00 // data frame on TNC port 0

    // MaxFrame bounds one decoded frame; longer runs are discarded up to the
    // next FEND.
    MaxFrame = 1024
)

// Encode wraps payload in a port-0 data frame.
func Encode(payload []byte) []byte {
    out := make([]byte, 0, len(payload)+4)
    out = append(out, FEND, cmdData)
    for _, b := range payload {
        switch b {
        case FEND:
            out = append(out, FESC, TFEND)
        case FESC:
            out = append(out, FESC, TFESC)
        default:
            out = append(out, b)
        }
    }
    return append(out, FEND)
}

// Decoder splits a KISS byte stream into data frame payloads.
type Decoder struct {
    r       *bufio.Reader
    buf     []byte
    esc     bool
    discard bool
}

func NewDecoder(r io.Reader) *Decoder { return &Decoder{r: bufio.NewReader(r)} }

// Next returns the payload of the next data frame. Empty frames and frames
// carrying TNC commands other than data are skipped.
func (d *Decoder) Next() ([]byte, error) {
    for {
        b, err := d.r.ReadByte()
        if err != nil { return nil, err }
        switch {
        case b == FEND:
            frame, ok := d.take()
            if ok { return frame, nil }
        case d.discard:
        case d.esc:
            d.esc = false
            switch b {
            case TFEND:
                d.push(FEND)
            case TFESC:
                d.push(FESC)
            default:
                d.push(b)
            }
        case b == FESC:
            d.esc = true
        default:
            d.push(b)
        }
    }
}

func (d *Decoder) push(b byte) {
    if len(d.buf) >= MaxFrame+1 {
        d.discard, d.buf = true, d.buf[:0]
        return
    }
    d.buf = append(d.buf, b)
}

func (d *Decoder) take() ([]byte, bool) {
    defer func() { d.buf, d.esc, d.discard = d.buf[:0], false, false }()
    if d.discard || len(d.buf) < 2 { return nil, false }
    if d.buf[0] != cmdData { return nil, false }
    out := make([]byte, len(d.buf)-1)
    copy(out, d.buf[1:])
    return out, true
}
