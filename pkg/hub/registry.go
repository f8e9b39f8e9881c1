package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cenkalti/backoff"
)

// Registry maps document names to the one live SharedDocument for each name.
type Registry struct {
	opts *Options

	mu   sync.Mutex
	docs map[string]*SharedDocument

	flushes sync.WaitGroup
}

func newRegistry(opts *Options) *Registry {
	return &Registry{opts: opts, docs: make(map[string]*SharedDocument)}
}

// GetOrCreate returns the live document for name, creating it if needed.
// Concurrent callers always observe the same instance. A new document starts
// loading from persistence immediately; wait on Ready before serving it.
func (r *Registry) GetOrCreate(name string) *SharedDocument {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.docs[name]; ok {
		return d
	}
	d := newSharedDocument(r, name)
	r.docs[name] = d
	r.opts.Metrics.Documents.Inc()
	if r.opts.Persistence == nil {
		d.ready.resolve(nil)
		return d
	}
	go r.bind(d)
	return d
}

func (r *Registry) Lookup(name string) (*SharedDocument, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[name]
	return d, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.docs))
	for name := range r.docs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) bind(d *SharedDocument) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.PersistTimeout)
	defer cancel()
	err := r.opts.Persistence.BindState(ctx, d.name, d)
	if err != nil {
		err = fmt.Errorf("%w: failed to bind %q: %w", ErrPersistence, d.name, err)
		r.opts.Metrics.PersistenceErrors.WithLabelValues("bind").Inc()
		d.logger.Error("failed to load document", "err", err)
		r.remove(d, false)
	}
	d.ready.resolve(err)
}

// release flushes an idle document and drops it from the registry, unless a
// connection arrived while the flush was running.
func (r *Registry) release(d *SharedDocument) {
	r.flushes.Add(1)
	go func() {
		defer r.flushes.Done()
		if err := r.writeState(d); err != nil {
			d.logger.Error("failed to store document", "err", err)
		}
		r.remove(d, true)
	}()
}

func (r *Registry) writeState(d *SharedDocument) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.PersistTimeout)
	defer cancel()
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(func() error {
		err := r.opts.Persistence.WriteState(ctx, d.name, d)
		if err != nil {
			r.opts.Metrics.PersistenceErrors.WithLabelValues("write").Inc()
			d.logger.Warn("failed to write state", "err", err)
		}
		return err
	}, b)
	if err != nil {
		return fmt.Errorf("%w: failed to write %q: %w", ErrPersistence, d.name, err)
	}
	return nil
}

func (r *Registry) remove(d *SharedDocument, onlyIdle bool) {
	r.mu.Lock()
	d.mu.Lock()
	d.releasing = false
	if onlyIdle && len(d.conns) > 0 {
		d.mu.Unlock()
		r.mu.Unlock()
		return
	}
	d.closed = true
	if r.docs[d.name] == d {
		delete(r.docs, d.name)
		r.opts.Metrics.Documents.Dec()
	}
	d.mu.Unlock()
	r.mu.Unlock()

	d.stop()
	d.logger.Debug("document released")
}

// Close waits for pending releases, then stores every live document.
func (r *Registry) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.flushes.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	docs := make([]*SharedDocument, 0, len(r.docs))
	for _, d := range r.docs {
		docs = append(docs, d)
	}
	r.mu.Unlock()

	var errs []error
	for _, d := range docs {
		if r.opts.Persistence != nil && d.ready.Wait(ctx) == nil {
			if err := r.writeState(d); err != nil {
				errs = append(errs, err)
			}
		}
		d.stop()
	}
	return errors.Join(errs...)
}
