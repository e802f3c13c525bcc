package session

import (
    "errors"
    "fmt"
    "strings"

    "github.com/meshtastic/firmware-sub008/pkg/mesh"
)

// MaxCommandLen bounds accepted command payloads; longer or empty ones are
// dropped without a reply.
const MaxCommandLen = 200

var (
    ErrCommandLength    = errors.New("session: command length out of range")
    ErrUnknownCommand   = errors.New("session: unknown command")
    ErrSendFormat       = errors.New("session: invalid SEND format")
    ErrRecvFormat       = errors.New("session: invalid RECV format")
    ErrPath             = errors.New("session: path must start with '/'")
    ErrDestination      = errors.New("session: invalid destination node")
    ErrDuplicateSession = errors.New("session: transfer already in progress with node")
    ErrLimitReached     = errors.New("session: maximum concurrent transfers reached")
)

// CommandError keeps the offending input next to the cause.
type CommandError struct {
    Err   error
    Input string
}

func (e *CommandError) Error() string { return fmt.Sprintf("%v: %q", e.Err, e.Input) }
func (e *CommandError) Unwrap() error { return e.Err }

// Command is a parsed start request.
type Command struct {
    Direction Direction    // Send: this node sends Path to Dest
    Dest      mesh.NodeNum // only for Send
    Path      string
}

// ParseCommand accepts "SEND:<!node>:<path>" and "RECV:<path>".
func ParseCommand(text string) (Command, error) {
    if len(text) == 0 || len(text) > MaxCommandLen {
        return Command{}, &CommandError{Err: ErrCommandLength, Input: text}
    }
    text = strings.TrimRight(text, "\r\n\x00 ")
    switch {
    case strings.HasPrefix(text, "SEND:"):
        rest := text[len("SEND:"):]
        i := strings.IndexByte(rest, ':')
        if i <= 0 || i == len(rest)-1 {
            return Command{}, &CommandError{Err: ErrSendFormat, Input: text}
        }
        dest, p := rest[:i], rest[i+1:]
        if !strings.HasPrefix(p, "/") {
            return Command{}, &CommandError{Err: ErrPath, Input: p}
        }
        n, err := mesh.ParseNodeNum(dest)
        if err != nil || !n.IsUnicast() {
            return Command{}, &CommandError{Err: ErrDestination, Input: dest}
        }
        return Command{Direction: Send, Dest: n, Path: p}, nil
    case strings.HasPrefix(text, "RECV:"):
        p := text[len("RECV:"):]
        if p == "" {
            return Command{}, &CommandError{Err: ErrRecvFormat, Input: text}
        }
        if !strings.HasPrefix(p, "/") {
            return Command{}, &CommandError{Err: ErrPath, Input: p}
        }
        return Command{Direction: Receive, Path: p}, nil
    }
    return Command{}, &CommandError{Err: ErrUnknownCommand, Input: text}
}

// IsReply reports whether text is an answer to a command rather than a
// command itself.
func IsReply(text string) bool {
    return strings.HasPrefix(text, "OK:") || strings.HasPrefix(text, "ERROR:")
}

// replyFor renders the text sent back for a rejected command.
func replyFor(err error, cmd Command) string {
    var ce *CommandError
    input := ""
    if errors.As(err, &ce) { input = ce.Input }
    switch {
    case errors.Is(err, ErrUnknownCommand):
        return "ERROR: Unknown command: " + input
    case errors.Is(err, ErrSendFormat):
        return "ERROR: Invalid SEND format. Use SEND:!NodeID:/path/file.txt"
    case errors.Is(err, ErrRecvFormat):
        return "ERROR: Invalid RECV format. Use RECV:/path/to/save.txt"
    case errors.Is(err, ErrPath):
        return "ERROR: Invalid filename format. Must start with '/'"
    case errors.Is(err, ErrDestination):
        return "ERROR: Invalid destination NodeID: " + input
    case errors.Is(err, ErrDuplicateSession):
        if cmd.Direction == Receive { return "ERROR: Transfer already in progress with your node" }
        return "ERROR: Transfer already in progress with destination node"
    case errors.Is(err, ErrLimitReached):
        return "ERROR: Maximum concurrent transfers reached. Try again later."
    }
    if cmd.Direction == Receive { return "ERROR: Failed to start RECV to " + cmd.Path }
    return "ERROR: Failed to start SEND of " + cmd.Path
}
