// Package session multiplexes file transfers over the mesh: it parses start
// commands, keeps at most one transfer per remote node, routes data-port
// packets to the right endpoint and reaps finished or idle sessions.
//
// A Manager is driven from a single goroutine: HandleCommand,
// HandleDataPacket, HandleUndecodable and Tick must not be called
// concurrently.
package session

import (
    "errors"
    "sort"
    "time"
    "unicode/utf8"

    "go.uber.org/zap"

    "github.com/meshtastic/firmware-sub008/pkg/fsstore"
    "github.com/meshtastic/firmware-sub008/pkg/mesh"
    "github.com/meshtastic/firmware-sub008/pkg/transfer"
    "github.com/meshtastic/firmware-sub008/pkg/xmodem"
)

const (
    DefaultMaxConcurrent  = 5
    DefaultSessionTimeout = 60 * time.Second
    DefaultGCInterval     = 10 * time.Second
    DefaultStatsInterval  = 30 * time.Second
)

// PacketSink carries outbound traffic: xmodem packets on the data port and
// text replies on the command port.
type PacketSink interface {
    transfer.PacketSender
    SendText(to mesh.NodeNum, text string) error
}

// Receiver is the synchronous entry point inbound traffic is delivered to.
type Receiver interface {
    HandleCommand(text string, from mesh.NodeNum) string
    HandleDataPacket(p xmodem.Packet, from mesh.NodeNum)
    HandleUndecodable(from mesh.NodeNum)
}

// PacketSource delivers inbound traffic to one Receiver.
type PacketSource interface {
    Attach(r Receiver)
}

// Observer is told about every removed session and the periodic stats.
type Observer interface {
    TransferFinished(Summary)
    TransferStats(Stats)
}

// Observers fans out to several observers.
type Observers []Observer

func (o Observers) TransferFinished(s Summary) {
    for _, x := range o { x.TransferFinished(s) }
}

func (o Observers) TransferStats(s Stats) {
    for _, x := range o { x.TransferStats(s) }
}

type Config struct {
    // Local is this node. Replies to commands it issued itself are
    // returned but not transmitted.
    Local          mesh.NodeNum
    MaxConcurrent  int
    SessionTimeout time.Duration
    GCInterval     time.Duration
    StatsInterval  time.Duration
    Endpoint       transfer.Options
    Now            func() time.Time
    Logger         *zap.Logger
}

func (c Config) withDefaults() Config {
    if c.MaxConcurrent <= 0 { c.MaxConcurrent = DefaultMaxConcurrent }
    if c.SessionTimeout <= 0 { c.SessionTimeout = DefaultSessionTimeout }
    if c.GCInterval <= 0 { c.GCInterval = DefaultGCInterval }
    if c.StatsInterval <= 0 { c.StatsInterval = DefaultStatsInterval }
    if c.Now == nil { c.Now = time.Now }
    if c.Logger == nil { c.Logger = zap.L() }
    return c
}

type Manager struct {
    cfg   Config
    sink  PacketSink
    store fsstore.Store
    obs   Observer
    log   *zap.Logger

    sessions  map[mesh.NodeNum]*Session
    nextID    uint32
    lastGC    time.Time
    lastStats time.Time

    started, completed, failed, rejected uint64
}

// NewManager builds a manager and, when source is non-nil, attaches itself
// to it. obs may be nil.
func NewManager(cfg Config, sink PacketSink, source PacketSource, store fsstore.Store, obs Observer) *Manager {
    cfg = cfg.withDefaults()
    if obs == nil { obs = Observers(nil) }
    now := cfg.Now()
    m := &Manager{
        cfg:       cfg,
        sink:      sink,
        store:     store,
        obs:       obs,
        log:       cfg.Logger.Named("session"),
        sessions:  make(map[mesh.NodeNum]*Session),
        nextID:    1,
        lastGC:    now,
        lastStats: now,
    }
    m.log.Info("session manager ready",
        zap.Int("max_concurrent", cfg.MaxConcurrent),
        zap.Duration("session_timeout", cfg.SessionTimeout),
        zap.Stringer("local", cfg.Local))
    if source != nil { source.Attach(m) }
    return m
}

// HandleCommand parses and executes a start command from node from. The
// reply is sent back to from and also returned; an empty return means the
// command was dropped without a reply.
func (m *Manager) HandleCommand(text string, from mesh.NodeNum) string {
    cmd, err := ParseCommand(text)
    if errors.Is(err, ErrCommandLength) {
        m.log.Debug("dropping command", zap.Int("len", len(text)), zap.Stringer("node", from))
        return ""
    }
    // a full manager refuses any SEND or RECV before looking at its arguments
    switch {
    case !errors.Is(err, ErrUnknownCommand) && len(m.sessions) >= m.cfg.MaxConcurrent:
        err = ErrLimitReached
    case err == nil:
        err = m.start(cmd, from)
    }
    var reply string
    if err != nil {
        m.rejected++
        reply = replyFor(err, cmd)
        m.log.Warn("command rejected", zap.String("command", text), zap.Stringer("node", from), zap.Error(err))
    } else if cmd.Direction == Send {
        reply = "OK: Started SEND of " + cmd.Path + " to " + cmd.Dest.String()
    } else {
        reply = "OK: Started RECV to " + cmd.Path + ". Waiting for sender..."
    }
    m.reply(from, reply)
    return reply
}

func (m *Manager) start(cmd Command, from mesh.NodeNum) error {
    remote := cmd.Dest
    if cmd.Direction == Receive { remote = from }
    if len(m.sessions) >= m.cfg.MaxConcurrent { return ErrLimitReached }
    if _, ok := m.sessions[remote]; ok {
        return &CommandError{Err: ErrDuplicateSession, Input: remote.String()}
    }

    id := m.nextID
    m.nextID++
    now := m.cfg.Now()
    opts := m.cfg.Endpoint
    opts.Now = m.cfg.Now
    opts.Logger = m.log.With(zap.Uint32("session", id))
    ep := transfer.NewEndpoint(m.store, m.sink, opts)

    var err error
    if cmd.Direction == Send {
        err = ep.StartSend(cmd.Path, remote)
    } else {
        err = ep.StartReceive(cmd.Path, remote)
    }
    if err != nil {
        ep.Close()
        return err
    }
    s := &Session{ID: id, Remote: remote, Filename: cmd.Path, Direction: cmd.Direction, Started: now, LastActivity: now, ep: ep}
    s.syncProgress()
    m.sessions[remote] = s
    m.started++
    m.log.Info("session created", zap.Uint32("session", id), zap.Stringer("direction", cmd.Direction),
        zap.String("file", cmd.Path), zap.Stringer("node", remote), zap.Int("active", len(m.sessions)))
    return nil
}

// HandleDataPacket routes a decoded data-port packet to the session of from.
func (m *Manager) HandleDataPacket(p xmodem.Packet, from mesh.NodeNum) {
    s := m.active(from)
    if s == nil {
        m.log.Debug("dropping packet without session", zap.Stringer("packet", p), zap.Stringer("node", from))
        return
    }
    s.touch(m.cfg.Now())
    s.ep.HandlePacket(p)
    s.syncProgress()
}

// HandleUndecodable tells the session of from that a data-port payload
// could not be decoded.
func (m *Manager) HandleUndecodable(from mesh.NodeNum) {
    s := m.active(from)
    if s == nil { return }
    s.touch(m.cfg.Now())
    s.ep.HandleUndecodable()
    s.syncProgress()
}

func (m *Manager) active(from mesh.NodeNum) *Session {
    s := m.sessions[from]
    if s == nil || !s.ep.State().Active() { return nil }
    return s
}

// Tick reaps finished sessions, runs endpoint timeouts and, on their own
// periods, the idle-session sweep and the stats report.
func (m *Manager) Tick(now time.Time) {
    for _, s := range m.ordered() {
        s.ep.CheckTimeout(now)
        if s.ep.State().Terminal() { m.remove(s, now) }
    }
    if now.Sub(m.lastGC) >= m.cfg.GCInterval {
        m.lastGC = now
        for _, s := range m.ordered() {
            if s.IsTimedOut(now, m.cfg.SessionTimeout) {
                m.log.Warn("session timed out", zap.Uint32("session", s.ID), zap.Stringer("node", s.Remote),
                    zap.Duration("timeout", m.cfg.SessionTimeout))
                s.ep.Abort(transfer.ReasonIdle)
                m.remove(s, now)
            }
        }
    }
    if now.Sub(m.lastStats) >= m.cfg.StatsInterval {
        m.lastStats = now
        if len(m.sessions) > 0 {
            st := m.Stats()
            m.log.Info("transfer status", zap.Int("active", st.Active), zap.Int("limit", st.Limit), zap.Any("sessions", st.Sessions))
            m.obs.TransferStats(st)
        }
    }
}

func (m *Manager) remove(s *Session, now time.Time) {
    delete(m.sessions, s.Remote)
    s.ep.Close()
    s.syncProgress()
    sum := Summary{Info: s.Info(), Finished: now, Duration: now.Sub(s.Started)}
    if s.ep.State() == transfer.Complete {
        m.completed++
    } else {
        m.failed++
        sum.Reason = s.ep.Reason().String()
        if err := s.ep.Err(); err != nil { sum.Error = err.Error() }
    }
    m.log.Info("session removed", zap.Uint32("session", s.ID), zap.Stringer("node", s.Remote),
        zap.String("state", sum.State), zap.Int64("bytes", sum.BytesTransferred), zap.Int("remaining", len(m.sessions)))
    m.obs.TransferFinished(sum)
}

func (m *Manager) ordered() []*Session {
    out := make([]*Session, 0, len(m.sessions))
    for _, s := range m.sessions { out = append(out, s) }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
    for n > 0 && !utf8.RuneStart(s[n]) { n-- }
    return s[:n]
}

func (m *Manager) reply(to mesh.NodeNum, text string) {
    if len(text) > mesh.MaxPayload { text = truncate(text, mesh.MaxPayload) }
    if m.cfg.Local != 0 && to == m.cfg.Local { return }
    if err := m.sink.SendText(to, text); err != nil {
        m.log.Warn("send reply", zap.Stringer("node", to), zap.Error(err))
    }
}

// Session returns the active session with remote, if any.
func (m *Manager) Session(remote mesh.NodeNum) (*Session, bool) {
    s, ok := m.sessions[remote]
    return s, ok
}

// Len is the number of sessions in the table.
func (m *Manager) Len() int { return len(m.sessions) }

// Stats reports counters and a view of every session.
func (m *Manager) Stats() Stats {
    st := Stats{
        Active:    len(m.sessions),
        Limit:     m.cfg.MaxConcurrent,
        Started:   m.started,
        Completed: m.completed,
        Failed:    m.failed,
        Rejected:  m.rejected,
    }
    for _, s := range m.ordered() { st.Sessions = append(st.Sessions, s.Info()) }
    return st
}
