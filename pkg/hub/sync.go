package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/astromechza/automerge-sync/pkg/protocol"
)

// route decodes one inbound frame and hands it to the matching handler.
// Failures are contained to the frame: it is dropped, an error event is
// raised on the document and the connection stays open unless the protocol
// error limit is reached.
func (h *Hub) route(c *Conn, raw []byte) {
	frame, err := protocol.DecodeFrame(raw)
	if err != nil {
		h.protocolError(c, fmt.Errorf("%w: %w", ErrProtocol, err))
		return
	}
	switch frame.Type {
	case protocol.MessageAuth:
		msg, err := protocol.DecodeAuth(frame.Payload)
		if err != nil {
			h.protocolError(c, fmt.Errorf("%w: %w", ErrProtocol, err))
			return
		}
		h.handleAuth(c, msg)
	case protocol.MessageSync:
		if !c.Authorized() {
			c.logger.Debug("dropping sync frame from unauthorized connection")
			return
		}
		msg, err := protocol.DecodeSync(frame.Payload)
		if err != nil {
			h.protocolError(c, fmt.Errorf("%w: %w", ErrProtocol, err))
			return
		}
		if err := h.handleSync(c, msg); err != nil {
			h.protocolError(c, err)
		}
	case protocol.MessageAwareness:
		if !c.Authorized() {
			c.logger.Debug("dropping awareness frame from unauthorized connection")
			return
		}
		update, err := protocol.DecodeAwareness(frame.Payload)
		if err != nil {
			h.protocolError(c, fmt.Errorf("%w: %w", ErrProtocol, err))
			return
		}
		if err := c.doc.ApplyAwareness(c, update); err != nil {
			h.protocolError(c, err)
		}
	}
}

func (h *Hub) handleSync(c *Conn, msg protocol.SyncMessage) error {
	switch msg.Type {
	case protocol.SyncStep1:
		diff, err := c.doc.DiffAgainstStateVector(msg.Data)
		if err != nil {
			return err
		}
		c.doc.send(c, protocol.EncodeSync(protocol.SyncStep2, diff))
		return nil
	default:
		if h.opts.EnforceReadOnly && c.ReadOnly() {
			c.logger.Warn("dropping update from read-only connection")
			return nil
		}
		return c.doc.ApplyRemoteUpdate(c, msg.Data)
	}
}

func (h *Hub) handleAuth(c *Conn, msg protocol.AuthMessage) {
	if h.opts.Authorize == nil || msg.Type != protocol.AuthToken {
		c.logger.Debug("ignoring auth frame", "type", msg.Type)
		return
	}
	if c.State() != StatePendingAuth {
		c.logger.Debug("ignoring auth frame", "state", c.State())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.opts.AuthTimeout)
	defer cancel()
	authz, err := h.opts.Authorize(ctx, c.doc, c, msg.Data)
	if err != nil {
		authz = Authorization{Status: AuthStatus{Reason: err.Error()}}
	}
	c.setStatus(authz.Status)
	if !authz.Authorized {
		h.deny(c, authz.Status, err)
		return
	}

	status, err := json.Marshal(authz.Status)
	if err != nil {
		h.deny(c, authz.Status, err)
		return
	}
	c.logger.Info("connection authorized", "user", authz.Status.Username, "read_only", authz.Status.ReadOnly)
	c.doc.send(c, protocol.EncodeAuth(protocol.AuthPermissionApproved, string(status)))
	c.doc.promote(c)
}

func (h *Hub) deny(c *Conn, status AuthStatus, cause error) {
	reason := status.Reason
	if reason == "" {
		reason = defaultDenyReason
	}
	err := fmt.Errorf("%w: %s", ErrAuth, reason)
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrAuth, cause)
	}
	h.opts.Metrics.AuthDenials.Inc()
	c.logger.Info("connection denied", "err", err)
	// Close flushes the queue, so the denial reaches the client first.
	_ = c.transport.Send(protocol.EncodeAuth(protocol.AuthPermissionDenied, reason))
	c.Close()
}

func (h *Hub) protocolError(c *Conn, err error) {
	h.opts.Metrics.ProtocolErrors.Inc()
	c.logger.Warn("dropping frame", "err", err)
	c.doc.raiseError(err, c)
	if max := h.opts.MaxProtocolErrors; max > 0 && int(c.protocolErrors.Add(1)) >= max {
		c.logger.Info("closing connection after repeated protocol errors")
		c.Close()
	}
}
