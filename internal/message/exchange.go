package message

import (
	"github.com/zde37/pgrid/internal/routing"
	"github.com/zde37/pgrid/internal/store"
	"github.com/zde37/pgrid/internal/wire"
)

// Invitation opens an exchange.
type Invitation struct {
	Header
	Path      string
	Signature store.Signature
	Recursion int
	CommonLen int
}

// Kind implements Message.
func (*Invitation) Kind() Kind { return KindInvitation }

// Marshal implements Message.
func (m *Invitation) Marshal() []byte {
	b := m.Header.append(nil)
	b = wire.AppendString(b, 3, m.Path)
	b = wire.AppendBytes(b, 4, store.MarshalSignature(m.Signature))
	b = wire.AppendInt(b, 5, int64(m.Recursion))
	b = wire.AppendInt(b, 6, int64(m.CommonLen))
	return b
}

// Unmarshal implements Message.
func (m *Invitation) Unmarshal(b []byte) error {
	*m = Invitation{}
	return decode(b, &m.Header, func(f wire.Field) error {
		switch f.Num {
		case 3:
			m.Path = f.String()
		case 4:
			sig, err := store.UnmarshalSignature(f.Bytes)
			if err != nil {
				return err
			}
			m.Signature = sig
		case 5:
			m.Recursion = int(f.Int64())
		case 6:
			m.CommonLen = int(f.Int64())
		}
		return nil
	})
}

// Reply answers an invitation, and is sent back by the initiator as the
// counter-reply so that both sides decide on the same inputs. Items is only
// filled when the signatures of both sides differ.
type Reply struct {
	Header
	Recursion       int
	CommonLen       int
	MinStorage      int
	RandomNumber    float64
	ReplicaEstimate int
	ItemCount       int
	Table           routing.Snapshot
	Items           []store.Item
	ItemsIncluded   bool
	Signature       store.Signature
	Counter         bool
}

// Kind implements Message.
func (*Reply) Kind() Kind { return KindReply }

// Marshal implements Message.
func (m *Reply) Marshal() []byte {
	b := m.Header.append(nil)
	b = wire.AppendInt(b, 3, int64(m.Recursion))
	b = wire.AppendInt(b, 4, int64(m.CommonLen))
	b = wire.AppendInt(b, 5, int64(m.MinStorage))
	b = wire.AppendFloat(b, 6, m.RandomNumber)
	b = wire.AppendInt(b, 7, int64(m.ReplicaEstimate))
	b = wire.AppendInt(b, 8, int64(m.ItemCount))
	b = wire.AppendBytes(b, 9, routing.MarshalSnapshot(m.Table))
	b = store.AppendItems(b, 10, m.Items)
	b = wire.AppendBool(b, 11, m.ItemsIncluded)
	b = wire.AppendBytes(b, 12, store.MarshalSignature(m.Signature))
	b = wire.AppendBool(b, 13, m.Counter)
	return b
}

// Unmarshal implements Message.
func (m *Reply) Unmarshal(b []byte) error {
	*m = Reply{}
	return decode(b, &m.Header, func(f wire.Field) error {
		switch f.Num {
		case 3:
			m.Recursion = int(f.Int64())
		case 4:
			m.CommonLen = int(f.Int64())
		case 5:
			m.MinStorage = int(f.Int64())
		case 6:
			m.RandomNumber = f.Float()
		case 7:
			m.ReplicaEstimate = int(f.Int64())
		case 8:
			m.ItemCount = int(f.Int64())
		case 9:
			snap, err := routing.UnmarshalSnapshot(f.Bytes)
			if err != nil {
				return err
			}
			m.Table = snap
		case 10:
			it, err := store.UnmarshalItem(f.Bytes)
			if err != nil {
				return err
			}
			m.Items = append(m.Items, it)
		case 11:
			m.ItemsIncluded = f.Bool()
		case 12:
			sig, err := store.UnmarshalSignature(f.Bytes)
			if err != nil {
				return err
			}
			m.Signature = sig
		case 13:
			m.Counter = f.Bool()
		}
		return nil
	})
}
