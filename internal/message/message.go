// Package message defines the overlay protocol messages and their wire
// encoding. Every message carries a correlation GUID and the sender's peer
// reference so that receivers can absorb the sender into their routing state.
package message

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/zde37/pgrid/internal/routing"
	"github.com/zde37/pgrid/internal/wire"
	"github.com/zde37/pgrid/pkg"
)

// Kind is the descriptor of a message type.
type Kind uint8

// Message kinds.
const (
	KindInvitation Kind = iota + 1
	KindReply
	KindDataModifier
	KindAck
	KindQuery
	KindRangeQuery
	KindQueryReply
	KindPeerLookup
	KindPeerLookupReply
)

var kindNames = map[Kind]string{
	KindInvitation:      "invitation",
	KindReply:           "reply",
	KindDataModifier:    "data_modifier",
	KindAck:             "ack",
	KindQuery:           "query",
	KindRangeQuery:      "range_query",
	KindQueryReply:      "query_reply",
	KindPeerLookup:      "peer_lookup",
	KindPeerLookupReply: "peer_lookup_reply",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Message is implemented by every protocol message.
type Message interface {
	Kind() Kind
	Head() *Header
	Marshal() []byte
	Unmarshal(b []byte) error
}

// Header is shared by all messages.
type Header struct {
	GUID   string
	Sender routing.PeerRef
}

// Head returns the header itself; embedding structs inherit it.
func (h *Header) Head() *Header { return h }

// NewGUID returns a fresh correlation identifier.
func NewGUID() string {
	return uuid.NewString()
}

// NewHeader builds a header with a fresh GUID.
func NewHeader(sender routing.PeerRef) Header {
	return Header{GUID: NewGUID(), Sender: sender}
}

// header fields occupy numbers 1 and 2 of every message
func (h Header) append(b []byte) []byte {
	b = wire.AppendString(b, 1, h.GUID)
	if !h.Sender.IsZero() {
		b = wire.AppendBytes(b, 2, routing.MarshalPeerRef(h.Sender))
	}
	return b
}

func (h *Header) decode(f wire.Field) (bool, error) {
	switch f.Num {
	case 1:
		h.GUID = f.String()
		return true, nil
	case 2:
		p, err := routing.UnmarshalPeerRef(f.Bytes)
		if err != nil {
			return true, err
		}
		h.Sender = p
		return true, nil
	}
	return false, nil
}

// decode walks b, handing header fields to h and everything else to fn.
func decode(b []byte, h *Header, fn func(f wire.Field) error) error {
	return wire.Walk(b, func(f wire.Field) error {
		if handled, err := h.decode(f); handled || err != nil {
			return err
		}
		return fn(f)
	})
}

// New returns an empty message of the given kind.
func New(kind Kind) (Message, error) {
	switch kind {
	case KindInvitation:
		return &Invitation{}, nil
	case KindReply:
		return &Reply{}, nil
	case KindDataModifier:
		return &DataModifier{}, nil
	case KindAck:
		return &Ack{}, nil
	case KindQuery:
		return &Query{}, nil
	case KindRangeQuery:
		return &RangeQuery{}, nil
	case KindQueryReply:
		return &QueryReply{}, nil
	case KindPeerLookup:
		return &PeerLookup{}, nil
	case KindPeerLookupReply:
		return &PeerLookupReply{}, nil
	}
	return nil, fmt.Errorf("%w: unknown message kind %d", pkg.ErrProtocolViolation, kind)
}

// Encode frames a message as its kind byte followed by its body.
func Encode(m Message) []byte {
	return append([]byte{byte(m.Kind())}, m.Marshal()...)
}

// Decode parses a frame written by Encode.
func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty frame", pkg.ErrProtocolViolation)
	}
	m, err := New(Kind(b[0]))
	if err != nil {
		return nil, err
	}
	if err := m.Unmarshal(b[1:]); err != nil {
		return nil, err
	}
	return m, nil
}
