// Package transport carries framed replication messages between peers.
// The replication core consumes it through the Connection interface; the
// concrete implementations are a TCP session pair and an in-memory pipe.
package transport

// Delivery selects the delivery class for an outbound message.
//
// The TCP transport delivers everything in order; the classes still matter
// because unreliable frames may be dropped under backpressure instead of
// stalling or disconnecting the peer.
type Delivery uint8

const (
	// Reliable frames are delivered in order, always.
	Reliable Delivery = iota
	// ReliableUnordered frames are delivered always, order not guaranteed.
	ReliableUnordered
	// Unreliable frames are best-effort and may be dropped.
	Unreliable
)

func (d Delivery) String() string {
	switch d {
	case Reliable:
		return "reliable"
	case ReliableUnordered:
		return "reliable-unordered"
	case Unreliable:
		return "unreliable"
	default:
		return "unknown"
	}
}

// Connection is the abstract message channel the replication layer sends
// through. Send never blocks the tick goroutine; implementations buffer and
// flush on their own schedule.
type Connection interface {
	// Send queues one message. The payload is not retained after the call.
	Send(msgID byte, payload []byte, d Delivery)

	// IsClockSynchronized reports whether the connection's clock exchange
	// with the remote peer has converged.
	IsClockSynchronized() bool

	// String identifies the connection for logs and diagnostics.
	String() string
}
