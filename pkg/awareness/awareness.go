// Package awareness keeps the ephemeral presence state that clients publish
// next to a document: cursors, user names, selections. Nothing here is
// persisted.
package awareness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/astromechza/automerge-sync/pkg/protocol"
)

// Tombstone is the state value that removes a client.
var Tombstone = json.RawMessage("null")

type Update struct {
	ClientID uint64
	Clock    uint64
	State    json.RawMessage
}

func (u Update) Removed() bool {
	return len(u.State) == 0 || bytes.Equal(bytes.TrimSpace(u.State), Tombstone)
}

type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

type entry struct {
	clock uint64
	state json.RawMessage
}

// Register holds the latest state per client id. Removed clients keep their
// clock so that stale updates for them are still rejected. A Register is not
// safe for concurrent use.
type Register struct {
	entries map[uint64]entry
}

func NewRegister() *Register {
	return &Register{entries: make(map[uint64]entry)}
}

// Apply applies every update whose clock is newer than the last one seen for
// its client and returns the accepted updates.
func (r *Register) Apply(updates []Update) ([]Update, Change) {
	var applied []Update
	var change Change
	for _, u := range updates {
		prev, seen := r.entries[u.ClientID]
		if seen && u.Clock <= prev.clock {
			continue
		}
		live := seen && prev.state != nil
		if u.Removed() {
			r.entries[u.ClientID] = entry{clock: u.Clock}
			if live {
				change.Removed = append(change.Removed, u.ClientID)
			}
			applied = append(applied, Update{ClientID: u.ClientID, Clock: u.Clock, State: Tombstone})
			continue
		}
		r.entries[u.ClientID] = entry{clock: u.Clock, state: u.State}
		if live {
			change.Updated = append(change.Updated, u.ClientID)
		} else {
			change.Added = append(change.Added, u.ClientID)
		}
		applied = append(applied, u)
	}
	return applied, change
}

// Remove tombstones the given clients and returns the updates announcing it.
func (r *Register) Remove(ids []uint64) []Update {
	var out []Update
	for _, id := range ids {
		prev, seen := r.entries[id]
		if !seen || prev.state == nil {
			continue
		}
		clock := prev.clock + 1
		r.entries[id] = entry{clock: clock}
		out = append(out, Update{ClientID: id, Clock: clock, State: Tombstone})
	}
	return out
}

// Snapshot returns every live client state ordered by client id.
func (r *Register) Snapshot() []Update {
	out := make([]Update, 0, len(r.entries))
	for id, e := range r.entries {
		if e.state == nil {
			continue
		}
		out = append(out, Update{ClientID: id, Clock: e.clock, State: e.state})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func (r *Register) State(id uint64) (json.RawMessage, uint64, bool) {
	e, ok := r.entries[id]
	if !ok || e.state == nil {
		return nil, 0, false
	}
	return e.state, e.clock, true
}

func (r *Register) Len() int {
	n := 0
	for _, e := range r.entries {
		if e.state != nil {
			n++
		}
	}
	return n
}

// EncodeUpdate fails with protocol.ErrOutOfRange when a client id or clock is
// larger than protocol.MaxUvarint.
func EncodeUpdate(updates []Update) ([]byte, error) {
	e := protocol.NewEncoder()
	e.WriteUvarint(uint64(len(updates)))
	for _, u := range updates {
		e.WriteUvarint(u.ClientID)
		e.WriteUvarint(u.Clock)
		state := u.State
		if len(state) == 0 {
			state = Tombstone
		}
		e.WriteVarString(string(state))
	}
	if err := e.Err(); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

func DecodeUpdate(raw []byte) ([]Update, error) {
	d := protocol.NewDecoder(raw)
	n, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	// every entry takes at least three bytes
	if n > uint64(d.Remaining()/3) {
		return nil, fmt.Errorf("%w: %d awareness entries in %d bytes", protocol.ErrMalformed, n, d.Remaining())
	}
	out := make([]Update, 0, n)
	for i := uint64(0); i < n; i++ {
		id, err := d.ReadUvarint()
		if err != nil {
			return nil, err
		}
		clock, err := d.ReadUvarint()
		if err != nil {
			return nil, err
		}
		// removal bumps the clock, so the last value cannot be accepted
		if clock >= protocol.MaxUvarint {
			return nil, fmt.Errorf("%w: awareness clock %d for %d", protocol.ErrMalformed, clock, id)
		}
		state, err := d.ReadVarString()
		if err != nil {
			return nil, err
		}
		if !json.Valid([]byte(state)) {
			return nil, fmt.Errorf("%w: awareness state for %d is not json", protocol.ErrMalformed, id)
		}
		out = append(out, Update{ClientID: id, Clock: clock, State: json.RawMessage(state)})
	}
	return out, nil
}
