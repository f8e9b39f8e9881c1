package hub

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

type State int32

const (
	StateConnecting State = iota
	StatePendingAuth
	StateAuthorized
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StatePendingAuth:
		return "pending-auth"
	case StateAuthorized:
		return "authorized"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one client session on one document. It wraps the Transport it was
// accepted on and is never moved to another document.
type Conn struct {
	id        string
	hub       *Hub
	doc       *SharedDocument
	transport Transport
	logger    *slog.Logger

	state          atomic.Int32
	alive          atomic.Bool
	protocolErrors atomic.Int32

	mu         sync.Mutex
	authStatus AuthStatus

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(h *Hub, doc *SharedDocument, t Transport) *Conn {
	id := uuid.NewString()
	c := &Conn{
		id:        id,
		hub:       h,
		doc:       doc,
		transport: t,
		logger:    h.opts.Logger.With("doc", doc.Name(), "conn", id),
		done:      make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Document() *SharedDocument {
	return c.doc
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) Authorized() bool {
	return c.State() == StateAuthorized
}

func (c *Conn) AuthStatus() AuthStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authStatus
}

// ReadOnly reports the read_only flag of the auth status. It is advisory
// unless the hub enforces it.
func (c *Conn) ReadOnly() bool {
	return c.AuthStatus().ReadOnly
}

func (c *Conn) setStatus(s AuthStatus) {
	c.mu.Lock()
	c.authStatus = s
	c.mu.Unlock()
}

// awaitAuth moves a connecting connection to pending auth. It fails once the
// connection has been closed.
func (c *Conn) awaitAuth() bool {
	return c.state.CompareAndSwap(int32(StateConnecting), int32(StatePendingAuth))
}

// promote moves a connecting or pending connection to authorized. It
// succeeds at most once.
func (c *Conn) promote() bool {
	for {
		s := c.state.Load()
		if State(s) != StateConnecting && State(s) != StatePendingAuth {
			return false
		}
		if c.state.CompareAndSwap(s, int32(StateAuthorized)) {
			return true
		}
	}
}

// HandleMessage routes one inbound frame. Frames arriving after close are
// ignored.
func (c *Conn) HandleMessage(frame []byte) {
	if c.State() == StateClosed {
		return
	}
	c.hub.route(c, frame)
}

func (c *Conn) HandlePong() {
	c.alive.Store(true)
}

func (c *Conn) HandleClose() {
	c.Close()
}

// Close terminates the transport and detaches the connection from its
// document. Only the first call has an effect.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		if err := c.transport.Close(); err != nil {
			c.logger.Debug("failed to close transport", "err", err)
		}
		c.doc.RemoveConn(c)
		c.hub.opts.Metrics.Connections.Dec()
		c.logger.Debug("connection closed")
	})
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// keepalive pings the transport every interval and closes the connection
// when the previous ping went unanswered.
func (c *Conn) keepalive(t *clock.Ticker) {
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if !c.alive.Swap(false) {
				c.logger.Info("closing unresponsive connection")
				c.Close()
				return
			}
			if err := c.transport.Ping(); err != nil {
				c.logger.Info("closing connection after failed ping", "err", err)
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
