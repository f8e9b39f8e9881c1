// Package crdt adapts an automerge document to the operations the sync
// server needs: state vectors, diffs, idempotent apply and snapshots.
//
// A Document is not safe for concurrent use; callers serialize access.
package crdt

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/automerge/automerge-go"
	"github.com/multiformats/go-varint"
)

// hashSize is the byte length of an automerge change hash.
const hashSize = 32

// Change chunk framing: magic, checksum, type, uleb128 length, body.
const (
	chunkPrefixSize = 9
	chunkChange     = 1
	chunkCompressed = 2
)

var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

var (
	ErrInvalidStateVector = errors.New("invalid state vector")
	ErrInvalidUpdate      = errors.New("invalid update")
)

type Document struct {
	doc *automerge.Doc
}

func New() *Document {
	return &Document{doc: automerge.New()}
}

// Load restores a document from a Save snapshot. An empty snapshot yields an
// empty document.
func Load(snapshot []byte) (*Document, error) {
	if len(snapshot) == 0 {
		return New(), nil
	}
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	return &Document{doc: doc}, nil
}

func (d *Document) Automerge() *automerge.Doc {
	return d.doc
}

func (d *Document) Save() []byte {
	return d.doc.Save()
}

func (d *Document) Heads() []automerge.ChangeHash {
	return d.doc.Heads()
}

// StateVector encodes the current heads as concatenated hashes.
func (d *Document) StateVector() []byte {
	return EncodeStateVector(d.doc.Heads())
}

func EncodeStateVector(heads []automerge.ChangeHash) []byte {
	out := make([]byte, 0, len(heads)*hashSize)
	for _, h := range heads {
		out = append(out, h[:]...)
	}
	return out
}

func DecodeStateVector(raw []byte) ([]automerge.ChangeHash, error) {
	if len(raw)%hashSize != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of %d", ErrInvalidStateVector, len(raw), hashSize)
	}
	heads := make([]automerge.ChangeHash, 0, len(raw)/hashSize)
	for i := 0; i < len(raw); i += hashSize {
		var h automerge.ChangeHash
		copy(h[:], raw[i:i+hashSize])
		heads = append(heads, h)
	}
	return heads, nil
}

// Diff returns the encoded changes a replica at the given state vector is
// missing. Heads this document has never seen make the exact diff
// unanswerable, in which case every change is returned.
func (d *Document) Diff(stateVector []byte) ([]byte, error) {
	heads, err := DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	changes, err := d.doc.Changes(heads...)
	if err != nil {
		if changes, err = d.doc.Changes(); err != nil {
			return nil, fmt.Errorf("failed to generate changes: %w", err)
		}
	}
	if len(changes) == 0 {
		return nil, nil
	}
	return automerge.SaveChanges(changes), nil
}

// Apply merges an encoded set of changes and returns the subset that became
// part of this document, or nil if the update changed nothing. Changes whose
// dependencies have not arrived yet are held back and applied, and returned,
// by the update that completes them.
func (d *Document) Apply(update []byte) ([]byte, error) {
	if len(update) == 0 {
		return nil, nil
	}
	if err := checkChunks(update); err != nil {
		return nil, err
	}
	before := d.doc.Heads()
	if err := d.doc.LoadIncremental(update); err != nil {
		return nil, fmt.Errorf("failed to apply update: %w", err)
	}
	return d.since(before)
}

// checkChunks verifies that update is a run of framed change chunks.
// LoadIncremental skips bytes it cannot parse, so framing is checked first.
func checkChunks(update []byte) error {
	for rest := update; len(rest) > 0; {
		if len(rest) < chunkPrefixSize || !bytes.Equal(rest[:len(chunkMagic)], chunkMagic) {
			return fmt.Errorf("%w: missing change chunk header", ErrInvalidUpdate)
		}
		if t := rest[chunkPrefixSize-1]; t != chunkChange && t != chunkCompressed {
			return fmt.Errorf("%w: unexpected chunk type %d", ErrInvalidUpdate, t)
		}
		n, read, err := varint.FromUvarint(rest[chunkPrefixSize:])
		if err != nil {
			return fmt.Errorf("%w: failed to read chunk length: %w", ErrInvalidUpdate, err)
		}
		body := rest[chunkPrefixSize+read:]
		if n > uint64(len(body)) {
			return fmt.Errorf("%w: chunk length %d exceeds remaining %d bytes", ErrInvalidUpdate, n, len(body))
		}
		rest = body[n:]
	}
	return nil
}

// Merge folds a Save snapshot into this document.
func (d *Document) Merge(snapshot []byte) ([]byte, error) {
	if len(snapshot) == 0 {
		return nil, nil
	}
	other, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	return d.MergeDocument(&Document{doc: other})
}

// MergeDocument folds every change of other into this document.
func (d *Document) MergeDocument(other *Document) ([]byte, error) {
	before := d.doc.Heads()
	if _, err := d.doc.Merge(other.doc); err != nil {
		return nil, fmt.Errorf("failed to merge doc: %w", err)
	}
	return d.since(before)
}

// Change runs a local mutation and returns the resulting encoded changes.
func (d *Document) Change(fn func(doc *automerge.Doc) error) ([]byte, error) {
	before := d.doc.Heads()
	if err := fn(d.doc); err != nil {
		return nil, err
	}
	return d.since(before)
}

func (d *Document) since(before []automerge.ChangeHash) ([]byte, error) {
	changes, err := d.doc.Changes(before...)
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	if len(changes) == 0 {
		return nil, nil
	}
	return automerge.SaveChanges(changes), nil
}

// View returns the JSON compatible value stored under a root key, or nil
// when the key is absent.
func (d *Document) View(key string) (interface{}, error) {
	value, err := d.doc.Path(key).Get()
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", key, err)
	}
	return value.Interface(), nil
}

func (d *Document) Views(keys []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		v, err := d.View(k)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}
