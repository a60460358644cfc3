package transport

import "fmt"

// State is the lifecycle state of a [Channel].
type State int

const (
	// Closed means no connection is open and none is being attempted.
	Closed State = iota
	// Connecting means a dial is in progress.
	Connecting
	// Open means frames can be sent.
	Open
	// Reconnecting means the channel is waiting out the backoff before the
	// next dial. [Status.Attempt] holds the attempt number.
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a [State] together with the reconnect attempt it belongs to.
// Attempt is 1-based while reconnecting (and while dialing after a drop) and
// zero otherwise.
type Status struct {
	State   State
	Attempt int
}

func (s Status) String() string {
	if s.State == Reconnecting {
		return fmt.Sprintf("reconnecting(%d)", s.Attempt)
	}
	return s.State.String()
}
