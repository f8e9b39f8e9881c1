package persistence

import (
	"context"
	"sync"
)

type memoryRecord struct {
	snapshot []byte
	updates  [][]byte
	history  [][]byte
}

type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]*memoryRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*memoryRecord)}
}

func (s *MemoryStore) record(name string) *memoryRecord {
	r, ok := s.docs[name]
	if !ok {
		r = &memoryRecord{}
		s.docs[name] = r
	}
	return r
}

func (s *MemoryStore) Load(_ context.Context, name string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.docs[name]
	if !ok {
		return Record{}, nil
	}
	return Record{Snapshot: r.snapshot, Updates: append([][]byte(nil), r.updates...)}, nil
}

func (s *MemoryStore) AppendUpdate(_ context.Context, name string, update []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(name)
	r.updates = append(r.updates, update)
	return nil
}

func (s *MemoryStore) WriteSnapshot(_ context.Context, name string, snapshot []byte, compact bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(name)
	r.snapshot = snapshot
	if compact {
		r.updates = nil
	} else {
		r.history = append(r.history, snapshot)
	}
	return nil
}

// History returns the snapshots recorded without compaction.
func (s *MemoryStore) History(name string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.docs[name]; ok {
		return append([][]byte(nil), r.history...)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
