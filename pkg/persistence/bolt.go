package persistence

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDocuments = []byte("documents")
	bucketUpdates   = []byte("updates")
	bucketHistory   = []byte("history")
	keySnapshot     = []byte("snapshot")
)

// BoltStore keeps one nested bucket per document under "documents". Each
// document bucket holds the snapshot key plus updates and history buckets
// keyed by a big-endian sequence so cursor order is append order.
type BoltStore struct {
	db *bolt.DB
}

func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDocuments)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func documentBucket(tx *bolt.Tx, name string) (*bolt.Bucket, error) {
	docs := tx.Bucket(bucketDocuments)
	b, err := docs.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, err
	}
	if _, err := b.CreateBucketIfNotExists(bucketUpdates); err != nil {
		return nil, err
	}
	if _, err := b.CreateBucketIfNotExists(bucketHistory); err != nil {
		return nil, err
	}
	return b, nil
}

func appendSeq(b *bolt.Bucket, value []byte) error {
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return b.Put(key, value)
}

func (s *BoltStore) Load(_ context.Context, name string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments).Bucket([]byte(name))
		if b == nil {
			return nil
		}
		// values are only valid for the life of the transaction
		if v := b.Get(keySnapshot); v != nil {
			rec.Snapshot = append([]byte(nil), v...)
		}
		if u := b.Bucket(bucketUpdates); u != nil {
			return u.ForEach(func(_, v []byte) error {
				rec.Updates = append(rec.Updates, append([]byte(nil), v...))
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("failed to load %q: %w", name, err)
	}
	return rec, nil
}

func (s *BoltStore) AppendUpdate(_ context.Context, name string, update []byte) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := documentBucket(tx, name)
		if err != nil {
			return err
		}
		return appendSeq(b.Bucket(bucketUpdates), update)
	}); err != nil {
		return fmt.Errorf("failed to append update: %w", err)
	}
	return nil
}

func (s *BoltStore) WriteSnapshot(_ context.Context, name string, snapshot []byte, compact bool) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := documentBucket(tx, name)
		if err != nil {
			return err
		}
		if err := b.Put(keySnapshot, snapshot); err != nil {
			return err
		}
		if !compact {
			return appendSeq(b.Bucket(bucketHistory), snapshot)
		}
		if err := b.DeleteBucket(bucketUpdates); err != nil {
			return err
		}
		_, err = b.CreateBucket(bucketUpdates)
		return err
	}); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// History returns the snapshots recorded without compaction.
func (s *BoltStore) History(name string) ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments).Bucket([]byte(name))
		if b == nil {
			return nil
		}
		return b.Bucket(bucketHistory).ForEach(func(_, v []byte) error {
			out = append(out, append([]byte(nil), v...))
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
