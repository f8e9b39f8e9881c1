package client

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-sync/pkg/awareness"
	"github.com/astromechza/automerge-sync/pkg/protocol"
)

func TestNewClientIDFitsVarint(t *testing.T) {
	var high uuid.UUID
	for i := range high {
		high[i] = 0xff
	}
	for _, id := range []uuid.UUID{high, uuid.New(), uuid.New()} {
		clientID := newClientID(id)
		assert.Less(t, clientID, uint64(1)<<53)

		raw, err := awareness.EncodeUpdate([]awareness.Update{{ClientID: clientID, Clock: 1, State: awareness.Tombstone}})
		require.NoError(t, err)
		out, err := awareness.DecodeUpdate(raw)
		require.NoError(t, err)
		assert.Equal(t, clientID, out[0].ClientID)
	}
	assert.EqualValues(t, uint64(1)<<53-1, newClientID(high))
	assert.LessOrEqual(t, newClientID(high), uint64(protocol.MaxUvarint))
}
