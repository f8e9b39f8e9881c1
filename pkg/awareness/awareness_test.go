package awareness

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-sync/pkg/protocol"
)

func state(s string) json.RawMessage {
	return json.RawMessage(s)
}

func TestRegisterApply(t *testing.T) {
	r := NewRegister()

	applied, change := r.Apply([]Update{{ClientID: 1, Clock: 1, State: state(`{"user":"a"}`)}})
	require.Len(t, applied, 1)
	assert.Equal(t, []uint64{1}, change.Added)

	applied, change = r.Apply([]Update{{ClientID: 1, Clock: 2, State: state(`{"user":"b"}`)}})
	require.Len(t, applied, 1)
	assert.Equal(t, []uint64{1}, change.Updated)

	got, clock, ok := r.State(1)
	require.True(t, ok)
	assert.JSONEq(t, `{"user":"b"}`, string(got))
	assert.EqualValues(t, 2, clock)
}

func TestRegisterIgnoresStaleClock(t *testing.T) {
	r := NewRegister()
	r.Apply([]Update{{ClientID: 7, Clock: 5, State: state(`{"x":1}`)}})

	for _, clock := range []uint64{5, 4, 0} {
		applied, change := r.Apply([]Update{{ClientID: 7, Clock: clock, State: state(`{"x":2}`)}})
		assert.Empty(t, applied)
		assert.True(t, change.Empty())
	}
	got, _, _ := r.State(7)
	assert.JSONEq(t, `{"x":1}`, string(got))
}

func TestRegisterTombstone(t *testing.T) {
	r := NewRegister()
	r.Apply([]Update{{ClientID: 3, Clock: 1, State: state(`{}`)}})

	applied, change := r.Apply([]Update{{ClientID: 3, Clock: 2, State: Tombstone}})
	require.Len(t, applied, 1)
	assert.Equal(t, []uint64{3}, change.Removed)
	assert.Equal(t, 0, r.Len())

	applied, _ = r.Apply([]Update{{ClientID: 3, Clock: 2, State: state(`{}`)}})
	assert.Empty(t, applied, "tombstone keeps the clock")
}

func TestRegisterRemove(t *testing.T) {
	r := NewRegister()
	r.Apply([]Update{
		{ClientID: 1, Clock: 4, State: state(`{}`)},
		{ClientID: 2, Clock: 1, State: state(`{}`)},
	})

	removed := r.Remove([]uint64{1, 99})
	require.Len(t, removed, 1)
	assert.Equal(t, Update{ClientID: 1, Clock: 5, State: Tombstone}, removed[0])
	assert.Empty(t, r.Remove([]uint64{1}))

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.EqualValues(t, 2, snap[0].ClientID)
}

func TestEncodeDecodeUpdate(t *testing.T) {
	in := []Update{
		{ClientID: 1, Clock: 300, State: state(`{"cursor":{"line":1}}`)},
		{ClientID: 1 << 40, Clock: 1, State: Tombstone},
	}
	raw, err := EncodeUpdate(in)
	require.NoError(t, err)
	out, err := DecodeUpdate(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.True(t, out[1].Removed())
}

func TestDecodeUpdateRejectsGarbage(t *testing.T) {
	_, err := DecodeUpdate([]byte{200})
	require.ErrorIs(t, err, protocol.ErrMalformed)

	e := protocol.NewEncoder()
	e.WriteUvarint(1)
	e.WriteUvarint(1)
	e.WriteUvarint(1)
	e.WriteVarString("{not json")
	_, err = DecodeUpdate(e.Bytes())
	require.ErrorIs(t, err, protocol.ErrMalformed)
}

func TestEncodeUpdateRejectsOutOfRange(t *testing.T) {
	for _, u := range []Update{
		{ClientID: 1 << 63, Clock: 1, State: state(`{}`)},
		{ClientID: 1, Clock: protocol.MaxUvarint + 1, State: state(`{}`)},
	} {
		raw, err := EncodeUpdate([]Update{u})
		assert.ErrorIs(t, err, protocol.ErrOutOfRange)
		assert.Nil(t, raw)
	}

	raw, err := EncodeUpdate([]Update{{ClientID: protocol.MaxUvarint, Clock: protocol.MaxUvarint - 1, State: state(`{}`)}})
	require.NoError(t, err)
	out, err := DecodeUpdate(raw)
	require.NoError(t, err)
	assert.EqualValues(t, protocol.MaxUvarint, out[0].ClientID)
}

func TestDecodeUpdateRejectsExhaustedClock(t *testing.T) {
	e := protocol.NewEncoder()
	e.WriteUvarint(1)
	e.WriteUvarint(7)
	e.WriteUvarint(protocol.MaxUvarint)
	e.WriteVarString(`{}`)
	require.NoError(t, e.Err())
	_, err := DecodeUpdate(e.Bytes())
	require.ErrorIs(t, err, protocol.ErrMalformed)
}
