// Package wsconn adapts a gorilla websocket to the hub's transport. Frames
// are binary websocket messages, writes are queued to a single write pump and
// reads are delivered to a Handler from a single read pump.
package wsconn

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultWriteWait      = 10 * time.Second
	DefaultMaxMessageSize = 16 << 20
	DefaultSendBuffer     = 256
)

var (
	ErrClosed     = errors.New("connection closed")
	ErrBufferFull = errors.New("send buffer full")
)

// Handler receives events from the read pump.
type Handler interface {
	HandleMessage(frame []byte)
	HandlePong()
	HandleClose()
}

type Options struct {
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
	Logger         *slog.Logger
}

type Conn struct {
	ws     *websocket.Conn
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func New(ws *websocket.Conn, opts Options) *Conn {
	if opts.WriteWait <= 0 {
		opts.WriteWait = DefaultWriteWait
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		ws:     ws,
		opts:   opts,
		logger: logger.With("remote", ws.RemoteAddr().String()),
		send:   make(chan []byte, opts.SendBuffer),
	}
}

// Send queues a frame without blocking. A slow peer whose buffer fills up
// gets an error, which the hub treats as a dead connection.
func (c *Conn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrBufferFull
	}
}

func (c *Conn) Ping() error {
	if !c.Open() {
		return ErrClosed
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait))
}

// Close stops accepting frames. Queued frames are still written before the
// close message.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return nil
}

func (c *Conn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Start runs the pumps. Frames sent before Start stay queued until then.
func (c *Conn) Start(h Handler) {
	go c.writePump()
	go c.readPump(h)
}

func (c *Conn) readPump(h Handler) {
	defer func() {
		h.HandleClose()
		_ = c.Close()
	}()

	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		h.HandlePong()
		return nil
	})
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("failed to read message", "err", err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			c.logger.Debug("ignoring non-binary message", "type", mt)
			continue
		}
		h.HandleMessage(data)
	}
}

func (c *Conn) writePump() {
	defer c.ws.Close()
	for frame := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
		if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			c.logger.Warn("failed to write message", "err", err)
			_ = c.Close()
			return
		}
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
