// Package hub hosts shared automerge documents for many websocket
// connections: it owns the registry of live documents, the per connection
// auth state machine, awareness bookkeeping and the routing of inbound
// frames.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/astromechza/automerge-sync/pkg/notify"
)

const (
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultAuthTimeout       = 10 * time.Second
	DefaultPersistTimeout    = 30 * time.Second
)

// Persistence binds documents to durable storage.
type Persistence interface {
	// BindState loads the stored history of name into doc and arranges for
	// every later update to be stored.
	BindState(ctx context.Context, name string, doc *SharedDocument) error
	// WriteState stores a final snapshot of doc. It is called when the last
	// connection leaves.
	WriteState(ctx context.Context, name string, doc *SharedDocument) error
}

type Options struct {
	// Authorize enables the auth handshake. When nil every connection is
	// authorized on accept.
	Authorize   AuthorizeFunc
	Persistence Persistence

	// Sink receives debounced views of the root keys listed in Views.
	Sink          notify.Sink
	Views         []string
	NotifyWait    time.Duration
	NotifyMaxWait time.Duration

	// DisableGC makes persistence keep the incremental update log after the
	// final snapshot instead of compacting it.
	DisableGC bool

	KeepaliveInterval time.Duration
	AuthTimeout       time.Duration
	PersistTimeout    time.Duration

	// EnforceReadOnly drops document updates from read-only connections.
	EnforceReadOnly bool
	// MaxProtocolErrors closes a connection after that many undecodable
	// frames. Zero never closes.
	MaxProtocolErrors int

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *Metrics
}

func (o *Options) setDefaults() {
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = DefaultAuthTimeout
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = DefaultPersistTimeout
	}
	if o.NotifyWait <= 0 {
		o.NotifyWait = notify.DefaultWait
	}
	if o.NotifyMaxWait <= 0 {
		o.NotifyMaxWait = notify.DefaultMaxWait
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
}

type Hub struct {
	opts     Options
	registry *Registry
}

func New(opts Options) *Hub {
	opts.setDefaults()
	h := &Hub{opts: opts}
	h.registry = newRegistry(&h.opts)
	return h
}

func (h *Hub) Registry() *Registry {
	return h.registry
}

func (h *Hub) AuthEnabled() bool {
	return h.opts.Authorize != nil
}

// Accept attaches a new transport to the named document, waiting for the
// document to finish loading. With auth disabled the connection is
// authorized and synced immediately; otherwise it waits for a token.
func (h *Hub) Accept(ctx context.Context, name string, t Transport) (*Conn, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc := h.registry.GetOrCreate(name)
		if err := doc.Ready().Wait(ctx); err != nil {
			return nil, fmt.Errorf("failed to load document %q: %w", name, err)
		}
		c := newConn(h, doc, t)
		if err := doc.addConn(c); err != nil {
			if errors.Is(err, ErrDocumentClosed) {
				continue
			}
			return nil, err
		}
		h.opts.Metrics.Connections.Inc()
		c.logger.Debug("connection accepted")

		if h.opts.Authorize == nil {
			c.setStatus(anonymousStatus)
			doc.promote(c)
		} else if !c.awaitAuth() {
			c.logger.Debug("connection closed before auth")
		}
		go c.keepalive(h.opts.Clock.Ticker(h.opts.KeepaliveInterval))
		return c, nil
	}
}

// Close flushes every live document and waits for pending flushes.
func (h *Hub) Close(ctx context.Context) error {
	return h.registry.Close(ctx)
}
