package session

// State is where a remote endpoint is in the session lifecycle.
type State int

const (
	StateUnknown State = iota
	StateDiscovered
	StateHandshaking
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateDiscovered:
		return "discovered"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// live reports whether the peer is past discovery and not yet closed.
func (s State) live() bool {
	return s == StateDiscovered || s == StateHandshaking || s == StateConnected
}

type peerSession struct {
	id        string
	name      string
	state     State
	initiator bool
	// notified is the guard that keeps PeerDiscovered to once per
	// lifecycle. Cleared on close.
	notified bool
}

// Peer identifies a remote endpoint to the layer above.
type Peer struct {
	ID   string
	Name string
}
