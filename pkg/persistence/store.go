// Package persistence stores documents durably and binds them to live
// SharedDocuments: stored history is merged in when a document opens, every
// update is appended as it happens and a compacted snapshot is written when
// the document goes idle.
package persistence

import (
	"context"
	"fmt"

	"github.com/astromechza/automerge-sync/pkg/crdt"
)

// Record is everything stored for one document name.
type Record struct {
	Snapshot []byte
	Updates  [][]byte
}

// Document rebuilds the stored state: the snapshot with every logged update
// applied on top.
func (r Record) Document() (*crdt.Document, error) {
	doc, err := crdt.Load(r.Snapshot)
	if err != nil {
		return nil, err
	}
	for i, u := range r.Updates {
		if _, err := doc.Apply(u); err != nil {
			return nil, fmt.Errorf("failed to apply stored update %d: %w", i, err)
		}
	}
	return doc, nil
}

type Store interface {
	// Load returns the stored record for name, empty if the name is unknown.
	Load(ctx context.Context, name string) (Record, error)
	AppendUpdate(ctx context.Context, name string, update []byte) error
	// WriteSnapshot replaces the latest snapshot. With compact the update
	// log is dropped; without it the log is kept and the snapshot is also
	// recorded in the snapshot history.
	WriteSnapshot(ctx context.Context, name string, snapshot []byte, compact bool) error
	Close() error
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
)

// Open returns the store for driver. dsn is a file path for sqlite and
// bolt and a connection string for postgres.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		return OpenSQLite(ctx, dsn)
	case DriverBolt:
		return OpenBolt(dsn)
	case DriverPostgres:
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown persistence driver %q", driver)
	}
}
