package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

var (
	// ErrMalformed is returned for any frame or field that cannot be decoded.
	ErrMalformed  = errors.New("malformed message")
	ErrOutOfRange = errors.New("value out of varint range")
)

// MaxUvarint is the largest value a varint field can carry.
const MaxUvarint = varint.MaxValueUvarint63

// Encoder appends lib0 style primitives to a buffer. The first value it
// cannot encode is kept in Err and stops further writes.
type Encoder struct {
	buf []byte
	err error
}

func NewEncoder() *Encoder {
	return &Encoder{}
}

func (e *Encoder) WriteUvarint(v uint64) {
	if e.err != nil {
		return
	}
	if v > MaxUvarint {
		e.err = fmt.Errorf("%w: %d", ErrOutOfRange, v)
		return
	}
	e.buf = append(e.buf, varint.ToUvarint(v)...)
}

func (e *Encoder) WriteVarBytes(b []byte) {
	e.WriteUvarint(uint64(len(b)))
	if e.err == nil {
		e.buf = append(e.buf, b...)
	}
}

func (e *Encoder) WriteVarString(s string) {
	e.WriteVarBytes([]byte(s))
}

func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) Err() error {
	return e.err
}

// Decoder reads the primitives written by Encoder.
type Decoder struct {
	r *bytes.Reader
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{r: bytes.NewReader(b)}
}

func (d *Decoder) ReadUvarint() (uint64, error) {
	v, err := varint.ReadUvarint(d.r)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read varint: %w", ErrMalformed, err)
	}
	return v, nil
}

func (d *Decoder) ReadVarBytes() ([]byte, error) {
	n, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.r.Len()) {
		return nil, fmt.Errorf("%w: length %d exceeds remaining %d bytes", ErrMalformed, n, d.r.Len())
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(d.r, out); err != nil {
		return nil, fmt.Errorf("%w: failed to read bytes: %w", ErrMalformed, err)
	}
	return out, nil
}

func (d *Decoder) ReadVarString() (string, error) {
	b, err := d.ReadVarBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Rest returns the unread remainder.
func (d *Decoder) Rest() []byte {
	out := make([]byte, d.r.Len())
	_, _ = io.ReadFull(d.r, out)
	return out
}

func (d *Decoder) Remaining() int {
	return d.r.Len()
}
