package hub

// Transport is the socket a Conn delegates to. Implementations deliver
// inbound events by calling Conn.HandleMessage, Conn.HandlePong and
// Conn.HandleClose.
type Transport interface {
	// Send queues a frame without blocking. An error means the frame will
	// never be delivered.
	Send(frame []byte) error
	Ping() error
	// Close flushes queued frames and closes the socket. It is safe to call
	// more than once.
	Close() error
	Open() bool
}
