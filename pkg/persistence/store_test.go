package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-sync/pkg/crdt"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	stores := map[string]Store{DriverMemory: NewMemoryStore()}

	sqlite, err := Open(ctx, DriverSQLite, filepath.Join(dir, "docs.sqlite3"))
	require.NoError(t, err)
	stores[DriverSQLite] = sqlite

	bolt, err := Open(ctx, DriverBolt, filepath.Join(dir, "docs.bolt"))
	require.NoError(t, err)
	stores[DriverBolt] = bolt

	if dsn := os.Getenv("DOCSYNC_POSTGRES_DSN"); dsn != "" {
		pg, err := Open(ctx, DriverPostgres, dsn)
		require.NoError(t, err)
		stores[DriverPostgres] = pg
	}
	for _, s := range stores {
		s := s
		t.Cleanup(func() { _ = s.Close() })
	}
	return stores
}

func changes(t *testing.T, n int) (*crdt.Document, [][]byte) {
	t.Helper()
	doc := crdt.New()
	var out [][]byte
	for i := 0; i < n; i++ {
		delta, err := doc.Change(func(d *automerge.Doc) error {
			return d.Path("counter").Set(int64(i))
		})
		require.NoError(t, err)
		out = append(out, delta)
	}
	return doc, out
}

func TestStoreConformance(t *testing.T) {
	for driver, store := range openStores(t) {
		store := store
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			name := "conformance-" + t.Name()

			rec, err := store.Load(ctx, name)
			require.NoError(t, err)
			assert.Empty(t, rec.Snapshot)
			assert.Empty(t, rec.Updates)

			doc, updates := changes(t, 3)
			for _, u := range updates {
				require.NoError(t, store.AppendUpdate(ctx, name, u))
			}
			rec, err = store.Load(ctx, name)
			require.NoError(t, err)
			assert.Equal(t, updates, rec.Updates, "updates come back in append order")

			require.NoError(t, store.WriteSnapshot(ctx, name, doc.Save(), false))
			rec, err = store.Load(ctx, name)
			require.NoError(t, err)
			assert.Equal(t, doc.Save(), rec.Snapshot)
			assert.Len(t, rec.Updates, 3, "log is kept without compaction")

			require.NoError(t, store.WriteSnapshot(ctx, name, doc.Save(), true))
			rec, err = store.Load(ctx, name)
			require.NoError(t, err)
			assert.Equal(t, doc.Save(), rec.Snapshot)
			assert.Empty(t, rec.Updates)

			require.NoError(t, store.AppendUpdate(ctx, name, updates[0]))
			rec, err = store.Load(ctx, name)
			require.NoError(t, err)
			assert.Len(t, rec.Updates, 1, "appends continue after compaction")

			other, err := store.Load(ctx, name+"-other")
			require.NoError(t, err)
			assert.Empty(t, other.Updates)
		})
	}
}

func TestBoltHistory(t *testing.T) {
	store, err := OpenBolt(filepath.Join(t.TempDir(), "docs.bolt"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	doc, _ := changes(t, 2)
	require.NoError(t, store.WriteSnapshot(ctx, "room", doc.Save(), false))
	require.NoError(t, store.WriteSnapshot(ctx, "room", doc.Save(), false))
	require.NoError(t, store.WriteSnapshot(ctx, "room", doc.Save(), true))
	history, err := store.History("room")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "tape", "")
	assert.EqualError(t, err, `unknown persistence driver "tape"`)
}

func TestRecordDocumentReplaysDependentUpdates(t *testing.T) {
	source := crdt.New()
	var updates [][]byte
	for _, v := range []string{"one", "two", "three"} {
		delta, err := source.Change(func(d *automerge.Doc) error {
			return d.Path("value").Set(v)
		})
		require.NoError(t, err)
		updates = append(updates, delta)
	}

	for name, rec := range map[string]Record{
		"log only":          {Updates: updates},
		"snapshot and log":  {Snapshot: source.Save(), Updates: updates},
		"snapshot and tail": {Snapshot: source.Save(), Updates: updates[1:]},
		"log out of order":  {Updates: [][]byte{updates[2], updates[0], updates[1]}},
	} {
		t.Run(name, func(t *testing.T) {
			doc, err := rec.Document()
			require.NoError(t, err)
			assert.Equal(t, source.Heads(), doc.Heads())
			value, err := doc.View("value")
			require.NoError(t, err)
			assert.Equal(t, "three", value)
		})
	}
}
