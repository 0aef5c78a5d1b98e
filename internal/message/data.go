package message

import (
	"errors"
	"fmt"

	"github.com/zde37/pgrid/internal/store"
	"github.com/zde37/pgrid/internal/wire"
	"github.com/zde37/pgrid/pkg"
)

// Operation is the kind of change a DataModifier carries.
type Operation uint8

// Data operations.
const (
	OpInsert Operation = iota + 1
	OpUpdate
	OpDelete
)

// String implements fmt.Stringer.
func (o Operation) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// DataModifier pushes an insert, update or delete toward the peers
// responsible for Prefix. Replica broadcasts are not acknowledged.
type DataModifier struct {
	Header
	Operation Operation
	Prefix    string
	Items     []store.Item
	Replica   bool
	Seen      []string // peer IDs that already received the message
}

// Kind implements Message.
func (*DataModifier) Kind() Kind { return KindDataModifier }

// Marshal implements Message.
func (m *DataModifier) Marshal() []byte {
	b := m.Header.append(nil)
	b = wire.AppendUint(b, 3, uint64(m.Operation))
	b = wire.AppendString(b, 4, m.Prefix)
	b = store.AppendItems(b, 5, m.Items)
	b = wire.AppendBool(b, 6, m.Replica)
	for _, id := range m.Seen {
		b = wire.AppendString(b, 7, id)
	}
	return b
}

// Unmarshal implements Message.
func (m *DataModifier) Unmarshal(b []byte) error {
	*m = DataModifier{}
	return decode(b, &m.Header, func(f wire.Field) error {
		switch f.Num {
		case 3:
			m.Operation = Operation(f.Varint)
		case 4:
			m.Prefix = f.String()
		case 5:
			it, err := store.UnmarshalItem(f.Bytes)
			if err != nil {
				return err
			}
			m.Items = append(m.Items, it)
		case 6:
			m.Replica = f.Bool()
		case 7:
			m.Seen = append(m.Seen, f.String())
		}
		return nil
	})
}

// AckCode is the outcome reported by an acknowledgement.
type AckCode uint8

// Acknowledgement codes.
const (
	AckOK AckCode = iota + 1
	AckAlreadySeen
	AckWrongRoute
	AckCannotRoute
)

// String implements fmt.Stringer.
func (c AckCode) String() string {
	switch c {
	case AckOK:
		return "OK"
	case AckAlreadySeen:
		return "ALREADY_SEEN"
	case AckWrongRoute:
		return "WRONG_ROUTE"
	case AckCannotRoute:
		return "CANNOT_ROUTE"
	}
	return fmt.Sprintf("ACK(%d)", uint8(c))
}

// Ack acknowledges a message by GUID.
type Ack struct {
	Header
	Code   AckCode
	Detail string
}

// NewAck builds an acknowledgement for the message with the given GUID.
func NewAck(guid string, code AckCode) *Ack {
	return &Ack{Header: Header{GUID: guid}, Code: code}
}

// Kind implements Message.
func (*Ack) Kind() Kind { return KindAck }

// Marshal implements Message.
func (m *Ack) Marshal() []byte {
	b := m.Header.append(nil)
	b = wire.AppendUint(b, 3, uint64(m.Code))
	b = wire.AppendString(b, 4, m.Detail)
	return b
}

// Unmarshal implements Message.
func (m *Ack) Unmarshal(b []byte) error {
	*m = Ack{}
	return decode(b, &m.Header, func(f wire.Field) error {
		switch f.Num {
		case 3:
			m.Code = AckCode(f.Varint)
		case 4:
			m.Detail = f.String()
		}
		return nil
	})
}

// Err maps the code to the error taxonomy. OK yields nil.
func (m *Ack) Err() error {
	switch m.Code {
	case AckOK:
		return nil
	case AckAlreadySeen:
		return fmt.Errorf("%w: %s", pkg.ErrDuplicateDelivery, m.GUID)
	case AckWrongRoute, AckCannotRoute:
		return fmt.Errorf("%w: %s %s", pkg.ErrRoutingMismatch, m.Code, m.Detail)
	}
	return fmt.Errorf("%w: unknown ack code %d", pkg.ErrProtocolViolation, m.Code)
}

// CodeFor maps a handler error back to an acknowledgement code.
func CodeFor(err error) AckCode {
	switch {
	case err == nil:
		return AckOK
	case errors.Is(err, pkg.ErrDuplicateDelivery):
		return AckAlreadySeen
	case errors.Is(err, pkg.ErrRoutingMismatch):
		return AckWrongRoute
	default:
		return AckCannotRoute
	}
}
