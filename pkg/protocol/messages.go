// Package protocol frames the messages exchanged between the sync server and
// its clients. Every websocket binary message is one frame: a varint message
// type followed by a type specific payload.
package protocol

import (
	"fmt"
)

type MessageType uint64

const (
	MessageSync      MessageType = 0
	MessageAwareness MessageType = 1
	MessageAuth      MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "sync"
	case MessageAwareness:
		return "awareness"
	case MessageAuth:
		return "auth"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(t))
	}
}

type SyncType uint64

const (
	SyncStep1  SyncType = 0
	SyncStep2  SyncType = 1
	SyncUpdate SyncType = 2
)

func (t SyncType) String() string {
	switch t {
	case SyncStep1:
		return "step1"
	case SyncStep2:
		return "step2"
	case SyncUpdate:
		return "update"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(t))
	}
}

type AuthType uint64

const (
	AuthPermissionDenied   AuthType = 0
	AuthPermissionApproved AuthType = 1
	AuthToken              AuthType = 2
)

func (t AuthType) String() string {
	switch t {
	case AuthPermissionDenied:
		return "permission-denied"
	case AuthPermissionApproved:
		return "permission-approved"
	case AuthToken:
		return "token"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(t))
	}
}

// Frame is a decoded message with its payload still encoded.
type Frame struct {
	Type    MessageType
	Payload []byte
}

type SyncMessage struct {
	Type SyncType
	Data []byte
}

type AuthMessage struct {
	Type AuthType
	Data string
}

func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) == 0 {
		return Frame{}, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	d := NewDecoder(raw)
	t, err := d.ReadUvarint()
	if err != nil {
		return Frame{}, err
	}
	mt := MessageType(t)
	switch mt {
	case MessageSync, MessageAwareness, MessageAuth:
	default:
		return Frame{}, fmt.Errorf("%w: unknown message type %d", ErrMalformed, t)
	}
	return Frame{Type: mt, Payload: d.Rest()}, nil
}

func DecodeSync(payload []byte) (SyncMessage, error) {
	d := NewDecoder(payload)
	t, err := d.ReadUvarint()
	if err != nil {
		return SyncMessage{}, err
	}
	st := SyncType(t)
	switch st {
	case SyncStep1, SyncStep2, SyncUpdate:
	default:
		return SyncMessage{}, fmt.Errorf("%w: unknown sync type %d", ErrMalformed, t)
	}
	data, err := d.ReadVarBytes()
	if err != nil {
		return SyncMessage{}, err
	}
	return SyncMessage{Type: st, Data: data}, nil
}

func DecodeAwareness(payload []byte) ([]byte, error) {
	return NewDecoder(payload).ReadVarBytes()
}

func DecodeAuth(payload []byte) (AuthMessage, error) {
	d := NewDecoder(payload)
	t, err := d.ReadUvarint()
	if err != nil {
		return AuthMessage{}, err
	}
	at := AuthType(t)
	switch at {
	case AuthPermissionDenied, AuthPermissionApproved, AuthToken:
	default:
		return AuthMessage{}, fmt.Errorf("%w: unknown auth type %d", ErrMalformed, t)
	}
	data, err := d.ReadVarString()
	if err != nil {
		return AuthMessage{}, err
	}
	return AuthMessage{Type: at, Data: data}, nil
}

func EncodeSync(t SyncType, data []byte) []byte {
	e := NewEncoder()
	e.WriteUvarint(uint64(MessageSync))
	e.WriteUvarint(uint64(t))
	e.WriteVarBytes(data)
	return e.Bytes()
}

func EncodeAwareness(update []byte) []byte {
	e := NewEncoder()
	e.WriteUvarint(uint64(MessageAwareness))
	e.WriteVarBytes(update)
	return e.Bytes()
}

func EncodeAuth(t AuthType, data string) []byte {
	e := NewEncoder()
	e.WriteUvarint(uint64(MessageAuth))
	e.WriteUvarint(uint64(t))
	e.WriteVarString(data)
	return e.Bytes()
}
