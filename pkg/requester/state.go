package requester

// connState is the connectivity gate of a requester. Transitions are driven
// solely by the transport's events; the requester never reconnects on its
// own.
type connState int

const (
	stateDisconnected connState = iota
	stateConnected
)

func (s connState) String() string {
	if s == stateConnected {
		return "connected"
	}
	return "disconnected"
}
