package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/astromechza/automerge-sync/pkg/crdt"
	"github.com/astromechza/automerge-sync/pkg/hub"
)

var ErrClosed = errors.New("persistence binding closed")

type op struct {
	name string
	run  func(ctx context.Context) error
	done chan error
}

// Binding connects a Store to the hub. Every store operation runs on a
// single worker goroutine in the order it was queued, so a snapshot queued
// under the document lock always follows the updates it covers.
type Binding struct {
	store  Store
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	ops    chan op
	done   chan struct{}
}

var _ hub.Persistence = (*Binding)(nil)

func NewBinding(store Store, logger *slog.Logger) *Binding {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Binding{
		store:  store,
		logger: logger,
		ops:    make(chan op, 1024),
		done:   make(chan struct{}),
	}
	go b.worker()
	return b
}

func (b *Binding) worker() {
	defer close(b.done)
	for o := range b.ops {
		err := o.run(context.Background())
		if o.done != nil {
			o.done <- err
		} else if err != nil {
			b.logger.Error("failed to persist update", "doc", o.name, "err", err)
		}
	}
}

func (b *Binding) enqueue(o op) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	b.ops <- o
	return nil
}

func (b *Binding) wait(ctx context.Context, done chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Binding) appendUpdate(name string, update []byte) {
	if err := b.enqueue(op{name: name, run: func(ctx context.Context) error {
		return b.store.AppendUpdate(ctx, name, update)
	}}); err != nil {
		b.logger.Error("dropping update", "doc", name, "err", err)
	}
}

// BindState merges everything stored for name into doc, stores whatever doc
// holds that the store lacks and then appends every later update.
func (b *Binding) BindState(ctx context.Context, name string, doc *hub.SharedDocument) error {
	var rec Record
	done := make(chan error, 1)
	if err := b.enqueue(op{name: name, done: done, run: func(ctx context.Context) (err error) {
		rec, err = b.store.Load(ctx, name)
		return err
	}}); err != nil {
		return err
	}
	if err := b.wait(ctx, done); err != nil {
		return fmt.Errorf("failed to load: %w", err)
	}

	stored, err := rec.Document()
	if err != nil {
		return err
	}

	err = doc.Bind(func(state *crdt.Document) error {
		if _, err := state.MergeDocument(stored); err != nil {
			return err
		}
		pending, err := state.Diff(stored.StateVector())
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			b.appendUpdate(name, pending)
		}
		return nil
	}, func(update []byte, _ *hub.Conn) {
		b.appendUpdate(name, update)
	})
	if err != nil {
		return err
	}
	b.logger.Debug("bound document", "doc", name, "updates", len(rec.Updates), "snapshot", len(rec.Snapshot))
	return nil
}

// WriteState stores a snapshot of doc. Documents with gc enabled drop their
// update log, the rest keep it and add a history entry.
func (b *Binding) WriteState(ctx context.Context, name string, doc *hub.SharedDocument) error {
	done := make(chan error, 1)
	var err error
	doc.WithSnapshot(func(snapshot []byte) {
		compact := doc.GC()
		err = b.enqueue(op{name: name, done: done, run: func(ctx context.Context) error {
			return b.store.WriteSnapshot(ctx, name, snapshot, compact)
		}})
	})
	if err != nil {
		return err
	}
	return b.wait(ctx, done)
}

// Close drains queued operations and closes the store.
func (b *Binding) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.ops)
	b.mu.Unlock()
	<-b.done
	return b.store.Close()
}
