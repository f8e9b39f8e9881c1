package hub

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrProtocol marks a frame that could not be decoded or applied.
	ErrProtocol = errors.New("protocol error")
	// ErrAuth marks a denied or failed authorization.
	ErrAuth = errors.New("auth error")
	// ErrTransport marks a failed send or probe.
	ErrTransport = errors.New("transport error")
	// ErrPersistence marks a failed load or store.
	ErrPersistence = errors.New("persistence error")

	ErrDocumentClosed = errors.New("document closed")
)

// Future is the completion of an asynchronous operation.
type Future struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the result of the operation, or nil while it is still running.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
