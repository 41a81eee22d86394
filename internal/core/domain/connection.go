package domain

// ConnectionState is the lifecycle of one negotiated channel towards a
// remote peer. Absence of a record is the implicit Idle state.
type ConnectionState string

const (
	StateNegotiating ConnectionState = "negotiating"
	StateConnected   ConnectionState = "connected"
	StateClosed      ConnectionState = "closed"
)

// Active reports whether the state still owns a live or pending channel.
// A Closed record is dead weight: a later announce replaces it.
func (s ConnectionState) Active() bool {
	return s == StateNegotiating || s == StateConnected
}

// CanTransition is the single authority on legal state changes. Every
// cleanup path (error, close, duplicate, shutdown) must go through it.
func (s ConnectionState) CanTransition(to ConnectionState) bool {
	switch s {
	case StateNegotiating:
		return to == StateConnected || to == StateClosed
	case StateConnected:
		return to == StateClosed
	default:
		// Closed is terminal; re-negotiation means a brand-new record.
		return false
	}
}
