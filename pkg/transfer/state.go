// Package transfer implements one side of a stop-and-wait file transfer:
// the sender turns a file into CRC-checked chunks and advances one chunk per
// ACK, the receiver appends each verified chunk to its file and answers
// every packet with ACK or NAK.
package transfer

// State of an Endpoint. Complete and Error are terminal.
type State int

const (
    Idle State = iota
    Sending
    Receiving
    Complete
    Error
)

func (s State) String() string {
    switch s {
    case Idle:
        return "IDLE"
    case Sending:
        return "SENDING"
    case Receiving:
        return "RECEIVING"
    case Complete:
        return "COMPLETE"
    case Error:
        return "ERROR"
    default:
        return "UNKNOWN"
    }
}

// Active reports whether the endpoint still accepts packets.
func (s State) Active() bool { return s == Sending || s == Receiving }

// Terminal reports whether the transfer is finished.
func (s State) Terminal() bool { return s == Complete || s == Error }

// Reason explains why an endpoint ended in Error.
type Reason int

const (
    ReasonNone Reason = iota
    ReasonFileError
    ReasonRetryExhausted
    ReasonTimeout
    ReasonCancelled
    ReasonIdle // abandoned by the session manager after its idle timeout
)

func (r Reason) String() string {
    switch r {
    case ReasonNone:
        return "none"
    case ReasonFileError:
        return "file error"
    case ReasonRetryExhausted:
        return "retries exhausted"
    case ReasonTimeout:
        return "timeout"
    case ReasonCancelled:
        return "cancelled by peer"
    case ReasonIdle:
        return "session idle"
    default:
        return "unknown"
    }
}
