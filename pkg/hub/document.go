package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/automerge-sync/pkg/awareness"
	"github.com/astromechza/automerge-sync/pkg/crdt"
	"github.com/astromechza/automerge-sync/pkg/notify"
	"github.com/astromechza/automerge-sync/pkg/protocol"
)

// UpdateObserver sees every delta that changed a document, in merge order.
// origin is nil for local changes. Observers run with the document locked
// and must not call back into it.
type UpdateObserver func(update []byte, origin *Conn)

type ErrorObserver func(err error, origin *Conn)

// SharedDocument is the single in-memory instance of a named document. All
// mutation of its CRDT state, awareness register and connection set happens
// under mu.
type SharedDocument struct {
	name     string
	gc       bool
	registry *Registry
	opts     *Options
	logger   *slog.Logger
	ready    *Future
	notifier *notify.Debouncer

	mu              sync.Mutex
	state           *crdt.Document
	awareness       *awareness.Register
	conns           map[*Conn]map[uint64]struct{}
	updateObservers map[int]UpdateObserver
	errorObservers  map[int]ErrorObserver
	nextObserver    int
	releasing       bool
	closed          bool
}

func newSharedDocument(r *Registry, name string) *SharedDocument {
	d := &SharedDocument{
		name:            name,
		gc:              !r.opts.DisableGC,
		registry:        r,
		opts:            r.opts,
		logger:          r.opts.Logger.With("doc", name),
		ready:           newFuture(),
		state:           crdt.New(),
		awareness:       awareness.NewRegister(),
		conns:           make(map[*Conn]map[uint64]struct{}),
		updateObservers: make(map[int]UpdateObserver),
		errorObservers:  make(map[int]ErrorObserver),
	}
	if r.opts.Sink != nil {
		d.notifier = notify.NewDebouncer(r.opts.Clock, r.opts.NotifyWait, r.opts.NotifyMaxWait, d.notify)
	}
	return d
}

func (d *SharedDocument) Name() string {
	return d.name
}

// GC reports whether stored history is compacted when the document is
// released. It is fixed for the lifetime of the instance.
func (d *SharedDocument) GC() bool {
	return d.gc
}

// Ready resolves once the document has been loaded from persistence.
func (d *SharedDocument) Ready() *Future {
	return d.ready
}

func (d *SharedDocument) Connections() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conn, 0, len(d.conns))
	for c := range d.conns {
		out = append(out, c)
	}
	return out
}

// OwnedClients returns the awareness client ids c has published.
func (d *SharedDocument) OwnedClients(c *Conn) []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return sortedIDs(d.conns[c])
}

func (d *SharedDocument) OnUpdate(fn UpdateObserver) (cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextObserver
	d.nextObserver++
	d.updateObservers[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.updateObservers, id)
		d.mu.Unlock()
	}
}

func (d *SharedDocument) OnError(fn ErrorObserver) (cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextObserver
	d.nextObserver++
	d.errorObservers[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.errorObservers, id)
		d.mu.Unlock()
	}
}

// Bind runs load against the live state and installs observer within the same
// critical section, so no update can fall between the two. The observer stays
// installed until the document is released.
func (d *SharedDocument) Bind(load func(state *crdt.Document) error, observer UpdateObserver) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := load(d.state); err != nil {
		return err
	}
	id := d.nextObserver
	d.nextObserver++
	d.updateObservers[id] = observer
	return nil
}

// WithSnapshot passes a consistent snapshot to fn while the document is
// locked.
func (d *SharedDocument) WithSnapshot(fn func(snapshot []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d.state.Save())
}

func (d *SharedDocument) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Save()
}

func (d *SharedDocument) Heads() []automerge.ChangeHash {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Heads()
}

// Fork returns an independent copy of the current state.
func (d *SharedDocument) Fork() (*crdt.Document, error) {
	return crdt.Load(d.Save())
}

func (d *SharedDocument) Views() (map[string]interface{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Views(d.opts.Views)
}

func (d *SharedDocument) AwarenessSnapshot() []awareness.Update {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.awareness.Snapshot()
}

// ApplyRemoteUpdate merges an update received from origin and broadcasts
// whatever was new to the other connections.
func (d *SharedDocument) ApplyRemoteUpdate(origin *Conn, update []byte) error {
	d.mu.Lock()
	delta, err := d.state.Apply(update)
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	var failed []*Conn
	if delta != nil {
		failed = d.updatedLocked(delta, origin)
	}
	d.mu.Unlock()
	d.dropConns(failed)
	return nil
}

// Change applies a local mutation and broadcasts it to every connection.
func (d *SharedDocument) Change(fn func(doc *automerge.Doc) error) error {
	d.mu.Lock()
	delta, err := d.state.Change(fn)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	var failed []*Conn
	if delta != nil {
		failed = d.updatedLocked(delta, nil)
	}
	d.mu.Unlock()
	d.dropConns(failed)
	return nil
}

func (d *SharedDocument) DiffAgainstStateVector(stateVector []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	diff, err := d.state.Diff(stateVector)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return diff, nil
}

func (d *SharedDocument) updatedLocked(delta []byte, origin *Conn) []*Conn {
	d.opts.Metrics.Updates.Inc()
	failed := d.broadcastLocked(protocol.EncodeSync(protocol.SyncUpdate, delta), origin)
	for _, fn := range d.updateObservers {
		fn(delta, origin)
	}
	if d.notifier != nil {
		d.notifier.Trigger()
	}
	return failed
}

// ApplyAwareness applies an encoded awareness update from origin and echoes
// the accepted part to every connection, origin included.
func (d *SharedDocument) ApplyAwareness(origin *Conn, raw []byte) error {
	updates, err := awareness.DecodeUpdate(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	d.mu.Lock()
	applied, change := d.awareness.Apply(updates)
	if owned, ok := d.conns[origin]; ok {
		for _, id := range change.Added {
			owned[id] = struct{}{}
		}
		for _, id := range change.Updated {
			owned[id] = struct{}{}
		}
		for _, id := range change.Removed {
			delete(owned, id)
		}
	}
	var failed []*Conn
	if len(applied) > 0 {
		d.opts.Metrics.AwarenessUpdates.Inc()
		if frame, ok := d.awarenessFrame(applied); ok {
			failed = d.broadcastLocked(frame, nil)
		}
	}
	d.mu.Unlock()
	d.dropConns(failed)
	return nil
}

// Broadcast sends frame to every authorized connection except exclude.
// Connections that cannot take the frame are closed.
func (d *SharedDocument) Broadcast(frame []byte, exclude *Conn) {
	d.mu.Lock()
	failed := d.broadcastLocked(frame, exclude)
	d.mu.Unlock()
	d.dropConns(failed)
}

func (d *SharedDocument) broadcastLocked(frame []byte, exclude *Conn) []*Conn {
	var failed []*Conn
	for c := range d.conns {
		if c == exclude || !c.Authorized() {
			continue
		}
		if err := c.transport.Send(frame); err != nil {
			c.logger.Debug("failed to send", "err", err)
			failed = append(failed, c)
		}
	}
	return failed
}

func (d *SharedDocument) awarenessFrame(updates []awareness.Update) ([]byte, bool) {
	raw, err := awareness.EncodeUpdate(updates)
	if err != nil {
		d.logger.Error("failed to encode awareness update", "err", err)
		return nil, false
	}
	return protocol.EncodeAwareness(raw), true
}

func (d *SharedDocument) send(c *Conn, frame []byte) {
	if err := c.transport.Send(frame); err != nil {
		c.logger.Debug("failed to send", "err", err)
		d.dropConns([]*Conn{c})
	}
}

func (d *SharedDocument) dropConns(conns []*Conn) {
	for _, c := range conns {
		c.logger.Info("dropping connection after failed send")
		c.Close()
	}
}

func (d *SharedDocument) raiseError(err error, origin *Conn) {
	d.mu.Lock()
	observers := make([]ErrorObserver, 0, len(d.errorObservers))
	for _, fn := range d.errorObservers {
		observers = append(observers, fn)
	}
	d.mu.Unlock()
	for _, fn := range observers {
		fn(err, origin)
	}
}

func (d *SharedDocument) addConn(c *Conn) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDocumentClosed
	}
	d.conns[c] = make(map[uint64]struct{})
	return nil
}

// promote authorizes c and sends it the sync handshake: the document state
// vector followed by the current awareness states.
func (d *SharedDocument) promote(c *Conn) bool {
	d.mu.Lock()
	if _, ok := d.conns[c]; !ok || !c.promote() {
		d.mu.Unlock()
		return false
	}
	var failed []*Conn
	if err := c.transport.Send(protocol.EncodeSync(protocol.SyncStep1, d.state.StateVector())); err != nil {
		failed = append(failed, c)
	} else if snap := d.awareness.Snapshot(); len(snap) > 0 {
		if frame, ok := d.awarenessFrame(snap); ok {
			if err := c.transport.Send(frame); err != nil {
				failed = append(failed, c)
			}
		}
	}
	d.mu.Unlock()
	d.dropConns(failed)
	return len(failed) == 0
}

// RemoveConn detaches c, tombstones the awareness states it owned and, when
// it was the last connection of a persisted document, releases the document.
// Removing a connection twice has no effect.
func (d *SharedDocument) RemoveConn(c *Conn) {
	d.mu.Lock()
	owned, ok := d.conns[c]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.conns, c)
	var failed []*Conn
	if removed := d.awareness.Remove(sortedIDs(owned)); len(removed) > 0 {
		if frame, ok := d.awarenessFrame(removed); ok {
			failed = d.broadcastLocked(frame, nil)
		}
	}
	idle := len(d.conns) == 0 && d.opts.Persistence != nil && !d.releasing && !d.closed
	if idle {
		d.releasing = true
	}
	d.mu.Unlock()

	d.dropConns(failed)
	if idle {
		d.registry.release(d)
	}
}

func (d *SharedDocument) notify() {
	views, err := d.Views()
	if err != nil {
		d.logger.Error("failed to materialize views", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.PersistTimeout)
	defer cancel()
	n := notify.Notification{Document: d.name, Views: views, At: d.opts.Clock.Now()}
	if err := d.opts.Sink.Notify(ctx, n); err != nil {
		d.logger.Error("failed to notify", "err", err)
	}
}

// stop ends background work once the document has left the registry and
// detaches every observer.
func (d *SharedDocument) stop() {
	if d.notifier != nil {
		d.notifier.Close()
	}
	d.mu.Lock()
	clear(d.updateObservers)
	clear(d.errorObservers)
	d.mu.Unlock()
}

func sortedIDs(set map[uint64]struct{}) []uint64 {
	out := make([]uint64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
