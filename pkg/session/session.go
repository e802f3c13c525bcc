package session

import (
    "time"

    "github.com/meshtastic/firmware-sub008/pkg/mesh"
    "github.com/meshtastic/firmware-sub008/pkg/transfer"
)

// Direction of a transfer as seen from this node.
type Direction int

const (
    Send Direction = iota
    Receive
)

func (d Direction) String() string {
    if d == Receive { return "RECV" }
    return "SEND"
}

func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Session binds one remote node to the endpoint transferring a file with it.
type Session struct {
    ID               uint32
    Remote           mesh.NodeNum
    Filename         string
    Direction        Direction
    BytesTransferred int64
    TotalSize        int64
    Started          time.Time
    LastActivity     time.Time

    ep *transfer.Endpoint
}

// IsTimedOut reports whether the session saw no traffic for longer than d.
func (s *Session) IsTimedOut(now time.Time, d time.Duration) bool { return now.Sub(s.LastActivity) > d }

func (s *Session) State() transfer.State { return s.ep.State() }

func (s *Session) touch(now time.Time) { s.LastActivity = now }

func (s *Session) syncProgress() {
    s.BytesTransferred = s.ep.BytesTransferred()
    s.TotalSize = s.ep.TotalSize()
}

// Info is a copyable view of a session.
type Info struct {
    ID               uint32    `json:"id"`
    Remote           string    `json:"remote"`
    Filename         string    `json:"filename"`
    Direction        string    `json:"direction"`
    State            string    `json:"state"`
    BytesTransferred int64     `json:"bytes_transferred"`
    TotalSize        int64     `json:"total_size"`
    Retransmits      int       `json:"retransmits"`
    PacketsSent      int       `json:"packets_sent"`
    Started          time.Time `json:"started"`
    LastActivity     time.Time `json:"last_activity"`
}

func (s *Session) Info() Info {
    return Info{
        ID:               s.ID,
        Remote:           s.Remote.String(),
        Filename:         s.Filename,
        Direction:        s.Direction.String(),
        State:            s.ep.State().String(),
        BytesTransferred: s.BytesTransferred,
        TotalSize:        s.TotalSize,
        Retransmits:      s.ep.Retransmits(),
        PacketsSent:      s.ep.PacketsSent(),
        Started:          s.Started,
        LastActivity:     s.LastActivity,
    }
}

// Summary is emitted once per session when it is removed.
type Summary struct {
    Info
    Reason   string        `json:"reason,omitempty"`
    Error    string        `json:"error,omitempty"`
    Finished time.Time     `json:"finished"`
    Duration time.Duration `json:"duration"`
}

// Succeeded reports whether the transfer reached COMPLETE.
func (s Summary) Succeeded() bool { return s.State == transfer.Complete.String() }

// Stats is the periodic aggregate view of the manager.
type Stats struct {
    Active    int    `json:"active"`
    Limit     int    `json:"limit"`
    Started   uint64 `json:"started"`
    Completed uint64 `json:"completed"`
    Failed    uint64 `json:"failed"`
    Rejected  uint64 `json:"rejected"`
    Sessions  []Info `json:"sessions"`
}
