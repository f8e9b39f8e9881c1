// Package client speaks the document sync protocol over a websocket. It keeps
// a local replica of one document and the awareness states of its peers.
package client

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/automerge-sync/pkg/awareness"
	"github.com/astromechza/automerge-sync/pkg/crdt"
	"github.com/astromechza/automerge-sync/pkg/hub"
	"github.com/astromechza/automerge-sync/pkg/protocol"
)

var ErrDenied = errors.New("permission denied")

const closeWait = 5 * time.Second

type Options struct {
	// Token is sent as soon as the connection opens when set.
	Token  string
	Header http.Header
	Dialer *websocket.Dialer
	Logger *slog.Logger
	// Document seeds the local replica. A fresh document is used when nil.
	Document *crdt.Document
}

type Client struct {
	ws       *websocket.Conn
	logger   *slog.Logger
	clientID uint64

	writeMu sync.Mutex

	mu      sync.Mutex
	doc     *crdt.Document
	peers   *awareness.Register
	clock   uint64
	status  *hub.AuthStatus
	denied  string
	synced  bool
	updates int
	err     error

	changed chan struct{}
	done    chan struct{}
}

// Dial opens a websocket to url and starts reading frames.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	doc := opts.Document
	if doc == nil {
		doc = crdt.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		ws:       ws,
		logger:   logger,
		clientID: newClientID(uuid.New()),
		doc:      doc,
		peers:    awareness.NewRegister(),
		changed:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if opts.Token != "" {
		if err := c.Authenticate(opts.Token); err != nil {
			_ = ws.Close()
			return nil, err
		}
	}
	go c.readLoop()
	return c, nil
}

// newClientID keeps the low 53 bits of id so the value fits every varint
// decoder and stays exact as a javascript number.
func newClientID(id uuid.UUID) uint64 {
	return binary.BigEndian.Uint64(id[:8]) & (1<<53 - 1)
}

func (c *Client) ClientID() uint64 {
	return c.clientID
}

func (c *Client) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) Authenticate(token string) error {
	return c.write(protocol.EncodeAuth(protocol.AuthToken, token))
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.fail(fmt.Errorf("failed to read message: %w", err))
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if err := c.handle(data); err != nil {
			c.logger.Warn("failed to handle message", "err", err)
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Client) signal() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

func (c *Client) handle(raw []byte) error {
	frame, err := protocol.DecodeFrame(raw)
	if err != nil {
		return err
	}
	switch frame.Type {
	case protocol.MessageSync:
		msg, err := protocol.DecodeSync(frame.Payload)
		if err != nil {
			return err
		}
		return c.handleSync(msg)
	case protocol.MessageAwareness:
		update, err := protocol.DecodeAwareness(frame.Payload)
		if err != nil {
			return err
		}
		updates, err := awareness.DecodeUpdate(update)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.peers.Apply(updates)
		c.mu.Unlock()
		c.signal()
	case protocol.MessageAuth:
		msg, err := protocol.DecodeAuth(frame.Payload)
		if err != nil {
			return err
		}
		return c.handleAuth(msg)
	}
	return nil
}

func (c *Client) handleSync(msg protocol.SyncMessage) error {
	switch msg.Type {
	case protocol.SyncStep1:
		c.mu.Lock()
		diff, err := c.doc.Diff(msg.Data)
		sv := c.doc.StateVector()
		c.mu.Unlock()
		if err != nil {
			return err
		}
		if err := c.write(protocol.EncodeSync(protocol.SyncStep2, diff)); err != nil {
			return err
		}
		return c.write(protocol.EncodeSync(protocol.SyncStep1, sv))
	case protocol.SyncStep2, protocol.SyncUpdate:
		c.mu.Lock()
		_, err := c.doc.Apply(msg.Data)
		if err == nil {
			c.updates++
			if msg.Type == protocol.SyncStep2 {
				c.synced = true
			}
		}
		c.mu.Unlock()
		if err != nil {
			return err
		}
		c.signal()
	}
	return nil
}

func (c *Client) handleAuth(msg protocol.AuthMessage) error {
	switch msg.Type {
	case protocol.AuthPermissionApproved:
		var status hub.AuthStatus
		if err := json.Unmarshal([]byte(msg.Data), &status); err != nil {
			return fmt.Errorf("failed to decode auth status: %w", err)
		}
		c.mu.Lock()
		c.status = &status
		c.mu.Unlock()
		c.logger.Info("authorized", "user", status.Username, "read_only", status.ReadOnly)
	case protocol.AuthPermissionDenied:
		c.mu.Lock()
		c.denied = msg.Data
		c.mu.Unlock()
		c.fail(fmt.Errorf("%w: %s", ErrDenied, msg.Data))
		c.logger.Warn("permission denied", "reason", msg.Data)
	}
	c.signal()
	return nil
}

// Change applies fn to the local replica and sends the resulting update.
func (c *Client) Change(fn func(doc *automerge.Doc) error) error {
	c.mu.Lock()
	delta, err := c.doc.Change(fn)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if len(delta) == 0 {
		return nil
	}
	return c.write(protocol.EncodeSync(protocol.SyncUpdate, delta))
}

// SetAwareness publishes the local presence state. A nil state removes it.
func (c *Client) SetAwareness(state json.RawMessage) error {
	if state == nil {
		state = awareness.Tombstone
	}
	c.mu.Lock()
	c.clock++
	update := awareness.Update{ClientID: c.clientID, Clock: c.clock, State: state}
	c.mu.Unlock()
	raw, err := awareness.EncodeUpdate([]awareness.Update{update})
	if err != nil {
		return err
	}
	return c.write(protocol.EncodeAwareness(raw))
}

// Synced reports whether the server has answered the client's state vector.
func (c *Client) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

func (c *Client) AuthStatus() (hub.AuthStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == nil {
		return hub.AuthStatus{}, false
	}
	return *c.status, true
}

// Denied returns the reason given by the server when it refused the token.
func (c *Client) Denied() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.denied, c.denied != ""
}

// Updates counts the remote step2 and update frames applied so far.
func (c *Client) Updates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates
}

func (c *Client) Peers() []awareness.Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers.Snapshot()
}

func (c *Client) View(key string) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.View(key)
}

func (c *Client) Heads() []automerge.ChangeHash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Heads()
}

func (c *Client) Save() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Save()
}

// WaitFor blocks until cond holds or ctx ends. cond is re-checked after
// every frame that changed local state.
func (c *Client) WaitFor(ctx context.Context, cond func(c *Client) bool) error {
	for {
		if cond(c) {
			return nil
		}
		select {
		case <-c.changed:
		case <-c.done:
			if cond(c) {
				return nil
			}
			if err := c.Err(); err != nil {
				return err
			}
			return errors.New("connection closed")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done is closed when the read loop stops.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a close message and waits for the server to end the stream.
func (c *Client) Close() error {
	c.writeMu.Lock()
	err := c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	if err != nil {
		_ = c.ws.Close()
		return nil
	}
	select {
	case <-c.done:
	case <-time.After(closeWait):
	}
	return c.ws.Close()
}
