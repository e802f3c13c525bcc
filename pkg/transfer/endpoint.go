package transfer

import (
    "errors"
    "fmt"
    "io"
    "time"

    "go.uber.org/zap"

    "github.com/meshtastic/firmware-sub008/pkg/fsstore"
    "github.com/meshtastic/firmware-sub008/pkg/mesh"
    "github.com/meshtastic/firmware-sub008/pkg/xmodem"
)

const (
    ChunkSize         = xmodem.MaxPayload
    DefaultMaxRetrans = 25
    DefaultTimeout    = 30 * time.Second
)

var (
    ErrNotIdle     = errors.New("transfer: endpoint already started")
    ErrNameTooLong = errors.New("transfer: file name does not fit the handshake packet")
)

// PacketSender hands packets to the mesh. Sends are fire-and-forget; an
// error only means the packet was not queued.
type PacketSender interface {
    SendData(to mesh.NodeNum, p xmodem.Packet) error
}

type Options struct {
    MaxRetrans int           // NAKs tolerated per outstanding packet
    Timeout    time.Duration // inactivity limit checked by CheckTimeout
    // KeepPartialOnCancel leaves a partially received file in place when
    // the peer cancels. By default it is removed.
    KeepPartialOnCancel bool
    Now                 func() time.Time
    Logger              *zap.Logger
}

func (o Options) withDefaults() Options {
    if o.MaxRetrans <= 0 { o.MaxRetrans = DefaultMaxRetrans }
    if o.Timeout <= 0 { o.Timeout = DefaultTimeout }
    if o.Now == nil { o.Now = time.Now }
    if o.Logger == nil { o.Logger = zap.L() }
    return o
}

// Endpoint is the ARQ state machine of one transfer. It is not safe for
// concurrent use; the session manager drives it from a single goroutine.
type Endpoint struct {
    opts  Options
    store fsstore.Store
    out   PacketSender
    log   *zap.Logger

    state    State
    reason   Reason
    err      error
    sender   bool
    remote   mesh.NodeNum
    filename string
    file     fsstore.Handle

    seq      uint16 // sender: seq of the outstanding packet; receiver: next expected seq
    retries  int
    isEOT    bool // sender: the final chunk has been sent
    eotSent  bool
    last     xmodem.Packet
    accepted bool   // receiver: at least one chunk written
    lastSeq  uint16 // receiver: seq of the last written chunk

    bytes        int64
    total        int64
    lastActivity time.Time
    sent         int
    retransmits  int
}

func NewEndpoint(store fsstore.Store, out PacketSender, opts Options) *Endpoint {
    opts = opts.withDefaults()
    return &Endpoint{opts: opts, store: store, out: out, log: opts.Logger, retries: opts.MaxRetrans}
}

// StartSend opens filename and sends the handshake to dest. On failure the
// endpoint stays Idle and nothing is sent.
func (e *Endpoint) StartSend(filename string, dest mesh.NodeNum) error {
    if e.state != Idle { return ErrNotIdle }
    if len(filename) > xmodem.MaxPayload { return ErrNameTooLong }
    h, err := e.store.Open(filename, fsstore.ModeRead)
    if err != nil { return fmt.Errorf("transfer: open %s: %w", filename, err) }

    e.sender, e.remote, e.filename, e.file = true, dest, filename, h
    e.total = h.Size()
    e.seq = 0
    e.retries = e.opts.MaxRetrans
    e.state = Sending
    e.touch()
    e.log.Info("send started", zap.String("file", filename), zap.Stringer("node", dest), zap.Int64("size", e.total))
    e.emit(xmodem.NewPacket(xmodem.STX, 0, []byte(filename)))
    return nil
}

// StartReceive arms the endpoint to accept a transfer from peer into
// filename. The file is created only when the handshake arrives.
func (e *Endpoint) StartReceive(filename string, peer mesh.NodeNum) error {
    if e.state != Idle { return ErrNotIdle }
    e.sender, e.remote, e.filename = false, peer, filename
    e.seq = 0
    e.state = Receiving
    e.touch()
    e.log.Info("receive armed", zap.String("file", filename), zap.Stringer("node", peer))
    return nil
}

// HandlePacket applies one inbound packet from the peer.
func (e *Endpoint) HandlePacket(p xmodem.Packet) {
    if !e.state.Active() { return }
    e.touch()
    switch {
    case p.Control == xmodem.CAN:
        e.cancelled()
    case e.sender && p.Control == xmodem.ACK:
        e.onAck(p)
    case e.sender && p.Control == xmodem.NAK:
        e.onNak(p.Seq)
    case !e.sender && p.Control.IsData():
        e.onData(p)
    case !e.sender && p.Control == xmodem.EOT:
        e.onEOT(p)
    default:
        e.log.Debug("ignoring packet", zap.Stringer("packet", p), zap.Stringer("state", e.state))
    }
}

// HandleUndecodable reacts to a data-port payload that failed to decode:
// a receiver asks for the expected packet again, a sender counts it as a
// NAK of the outstanding packet.
func (e *Endpoint) HandleUndecodable() {
    if !e.state.Active() { return }
    e.touch()
    if e.sender {
        e.onNak(e.last.Seq)
        return
    }
    e.reply(xmodem.NAK, e.seq)
}

// CheckTimeout ends the transfer in Error when nothing happened for longer
// than the configured timeout. The peer is not told.
func (e *Endpoint) CheckTimeout(now time.Time) bool {
    if !e.state.Active() || now.Sub(e.lastActivity) <= e.opts.Timeout { return false }
    e.log.Warn("transfer timed out", zap.String("file", e.filename), zap.Stringer("node", e.remote),
        zap.Duration("idle", now.Sub(e.lastActivity)))
    e.closeFile()
    e.finish(Error, ReasonTimeout, nil)
    return true
}

// Abort ends an active transfer locally without notifying the peer.
func (e *Endpoint) Abort(r Reason) {
    if !e.state.Active() { return }
    e.closeFile()
    e.finish(Error, r, nil)
}

// Close releases the file handle if one is still open.
func (e *Endpoint) Close() { e.closeFile() }

func (e *Endpoint) onAck(p xmodem.Packet) {
    // The peer either echoes the seq it acknowledges or names the next one.
    if p.Seq != e.last.Seq && p.Seq != nextSeq(e.last.Seq) {
        e.log.Debug("stale ack", zap.Uint16("seq", p.Seq), zap.Uint16("outstanding", e.last.Seq))
        return
    }
    e.retries = e.opts.MaxRetrans
    switch {
    case e.eotSent:
        e.closeFile()
        e.finish(Complete, ReasonNone, nil)
    case e.isEOT:
        e.sendEOT()
    default:
        e.sendNextChunk()
    }
}

func (e *Endpoint) onNak(seq uint16) {
    if seq != e.last.Seq {
        e.log.Debug("stale nak", zap.Uint16("seq", seq), zap.Uint16("outstanding", e.last.Seq))
        return
    }
    if e.retries == 0 {
        e.log.Warn("retries exhausted", zap.String("file", e.filename), zap.Stringer("node", e.remote), zap.Uint16("seq", seq))
        e.transmit(xmodem.NewPacket(xmodem.CAN, e.last.Seq, nil))
        e.closeFile()
        e.finish(Error, ReasonRetryExhausted, nil)
        return
    }
    e.retries--
    e.retransmits++
    e.log.Debug("retransmit", zap.Stringer("packet", e.last), zap.Int("retries_left", e.retries))
    e.transmit(e.last)
}

func (e *Endpoint) sendNextChunk() {
    buf := make([]byte, ChunkSize)
    n, err := io.ReadFull(e.file, buf)
    if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
        e.log.Error("read failed", zap.String("file", e.filename), zap.Error(err))
        e.transmit(xmodem.NewPacket(xmodem.CAN, e.last.Seq, nil))
        e.closeFile()
        e.finish(Error, ReasonFileError, err)
        return
    }
    if n == 0 {
        // size was a multiple of the chunk size
        e.sendEOT()
        return
    }
    e.seq = nextSeq(e.seq)
    e.isEOT = n < ChunkSize
    e.bytes += int64(n)
    e.emit(xmodem.NewPacket(xmodem.SOH, e.seq, buf[:n]))
}

func (e *Endpoint) sendEOT() {
    e.seq = nextSeq(e.seq)
    e.eotSent = true
    e.emit(xmodem.NewPacket(xmodem.EOT, e.seq, nil))
}

func (e *Endpoint) onData(p xmodem.Packet) {
    if p.Seq == 0 {
        e.onHandshake(p)
        return
    }
    if e.file == nil {
        e.reply(xmodem.NAK, p.Seq)
        return
    }
    if p.Valid() && e.accepted && p.Seq == e.lastSeq {
        // retransmission of the chunk already written; its ACK was lost or duplicated
        e.reply(xmodem.ACK, p.Seq)
        return
    }
    if p.Seq != e.seq || !p.Valid() {
        e.log.Debug("rejecting chunk", zap.Stringer("packet", p), zap.Uint16("expected", e.seq), zap.Bool("crc_ok", p.Valid()))
        e.reply(xmodem.NAK, p.Seq)
        return
    }
    n, err := e.file.Write(p.Payload)
    if err == nil && n != len(p.Payload) { err = io.ErrShortWrite }
    if err != nil {
        e.log.Error("write failed", zap.String("file", e.filename), zap.Error(err))
        e.reply(xmodem.NAK, p.Seq)
        e.closeFile()
        e.finish(Error, ReasonFileError, err)
        return
    }
    e.bytes += int64(n)
    e.accepted, e.lastSeq = true, p.Seq
    e.reply(xmodem.ACK, p.Seq)
    e.seq = nextSeq(e.seq)
}

func (e *Endpoint) onHandshake(p xmodem.Packet) {
    if !p.Valid() {
        e.reply(xmodem.NAK, 0)
        return
    }
    if e.file != nil {
        if !e.accepted { e.reply(xmodem.ACK, 0) } else { e.reply(xmodem.NAK, 0) }
        return
    }
    h, err := e.store.Open(e.filename, fsstore.ModeWrite)
    if err != nil {
        e.log.Error("open for write failed", zap.String("file", e.filename), zap.Error(err))
        e.reply(xmodem.NAK, 0)
        e.finish(Error, ReasonFileError, err)
        return
    }
    e.file = h
    e.seq = 1
    e.log.Info("handshake accepted", zap.String("file", e.filename), zap.String("peer_file", string(p.Payload)), zap.Stringer("node", e.remote))
    e.reply(xmodem.ACK, 0)
}

func (e *Endpoint) onEOT(p xmodem.Packet) {
    if e.file == nil {
        e.reply(xmodem.NAK, p.Seq)
        return
    }
    err := e.file.Flush()
    if cerr := e.file.Close(); err == nil { err = cerr }
    e.file = nil
    if err != nil {
        e.log.Error("finalize failed", zap.String("file", e.filename), zap.Error(err))
        e.reply(xmodem.NAK, p.Seq)
        e.finish(Error, ReasonFileError, err)
        return
    }
    e.reply(xmodem.ACK, p.Seq)
    e.finish(Complete, ReasonNone, nil)
}

func (e *Endpoint) cancelled() {
    opened := e.file != nil
    e.closeFile()
    if !e.sender && opened && !e.opts.KeepPartialOnCancel {
        if err := e.store.Remove(e.filename); err != nil {
            e.log.Warn("remove partial file", zap.String("file", e.filename), zap.Error(err))
        }
    }
    e.finish(Error, ReasonCancelled, nil)
}

func (e *Endpoint) finish(s State, r Reason, err error) {
    e.state, e.reason, e.err = s, r, err
    fields := []zap.Field{zap.String("file", e.filename), zap.Stringer("node", e.remote), zap.Int64("bytes", e.bytes)}
    if s == Complete {
        e.log.Info("transfer complete", fields...)
        return
    }
    e.log.Warn("transfer failed", append(fields, zap.Stringer("reason", r), zap.Error(err))...)
}

func (e *Endpoint) closeFile() {
    if e.file == nil { return }
    if err := e.file.Close(); err != nil {
        e.log.Warn("close file", zap.String("file", e.filename), zap.Error(err))
    }
    e.file = nil
}

// emit sends a packet the sender may have to retransmit.
func (e *Endpoint) emit(p xmodem.Packet) {
    e.last = p
    e.transmit(p)
}

func (e *Endpoint) reply(c xmodem.Control, seq uint16) { e.transmit(xmodem.NewPacket(c, seq, nil)) }

func (e *Endpoint) transmit(p xmodem.Packet) {
    e.sent++
    if err := e.out.SendData(e.remote, p); err != nil {
        e.log.Warn("send packet", zap.Stringer("packet", p), zap.Stringer("node", e.remote), zap.Error(err))
    }
}

func (e *Endpoint) touch() { e.lastActivity = e.opts.Now() }

// nextSeq advances a data seq, skipping 0 which only ever names the handshake.
func nextSeq(s uint16) uint16 {
    s++
    if s == 0 { s = 1 }
    return s
}

func (e *Endpoint) State() State { return e.state }
func (e *Endpoint) Reason() Reason { return e.reason }
func (e *Endpoint) Err() error { return e.err }
func (e *Endpoint) IsSender() bool { return e.sender }
func (e *Endpoint) Remote() mesh.NodeNum { return e.remote }
func (e *Endpoint) Filename() string { return e.filename }
func (e *Endpoint) Seq() uint16 { return e.seq }
func (e *Endpoint) RetriesRemaining() int { return e.retries }
func (e *Endpoint) BytesTransferred() int64 { return e.bytes }
func (e *Endpoint) TotalSize() int64 { return e.total }
func (e *Endpoint) LastActivity() time.Time { return e.lastActivity }
func (e *Endpoint) PacketsSent() int { return e.sent }
func (e *Endpoint) Retransmits() int { return e.retransmits }
func (e *Endpoint) FileOpen() bool { return e.file != nil }
