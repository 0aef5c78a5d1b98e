package message

import (
	"github.com/zde37/pgrid/internal/routing"
	"github.com/zde37/pgrid/internal/store"
	"github.com/zde37/pgrid/internal/wire"
)

// Range query algorithms, carried in every RangeQuery.
const (
	AlgorithmMinMax = "minmax"
	AlgorithmShower = "shower"
)

// Query asks for the items stored under an exact key.
type Query struct {
	Header
	Key  string
	Hops int
}

// Kind implements Message.
func (*Query) Kind() Kind { return KindQuery }

// Marshal implements Message.
func (m *Query) Marshal() []byte {
	b := m.Header.append(nil)
	b = wire.AppendString(b, 3, m.Key)
	b = wire.AppendInt(b, 4, int64(m.Hops))
	return b
}

// Unmarshal implements Message.
func (m *Query) Unmarshal(b []byte) error {
	*m = Query{}
	return decode(b, &m.Header, func(f wire.Field) error {
		switch f.Num {
		case 3:
			m.Key = f.String()
		case 4:
			m.Hops = int(f.Int64())
		}
		return nil
	})
}

// RangeQuery asks for every item with a key in [Min, Max]. Level is the
// first routing level the receiver may still fan out to (Shower); MinMax
// ignores it.
type RangeQuery struct {
	Header
	Min       string
	Max       string
	Algorithm string
	Level     int
	Hops      int
}

// Kind implements Message.
func (*RangeQuery) Kind() Kind { return KindRangeQuery }

// Marshal implements Message.
func (m *RangeQuery) Marshal() []byte {
	b := m.Header.append(nil)
	b = wire.AppendString(b, 3, m.Min)
	b = wire.AppendString(b, 4, m.Max)
	b = wire.AppendString(b, 5, m.Algorithm)
	b = wire.AppendInt(b, 6, int64(m.Level))
	b = wire.AppendInt(b, 7, int64(m.Hops))
	return b
}

// Unmarshal implements Message.
func (m *RangeQuery) Unmarshal(b []byte) error {
	*m = RangeQuery{}
	return decode(b, &m.Header, func(f wire.Field) error {
		switch f.Num {
		case 3:
			m.Min = f.String()
		case 4:
			m.Max = f.String()
		case 5:
			m.Algorithm = f.String()
		case 6:
			m.Level = int(f.Int64())
		case 7:
			m.Hops = int(f.Int64())
		}
		return nil
	})
}

// QueryReply answers a Query or RangeQuery. Partial is set when some part of
// the key space could not be reached within the hop budget.
type QueryReply struct {
	Header
	Found      bool
	Partial    bool
	Hops       int
	Items      []store.Item
	Responders []routing.PeerRef
}

// Kind implements Message.
func (*QueryReply) Kind() Kind { return KindQueryReply }

// Marshal implements Message.
func (m *QueryReply) Marshal() []byte {
	b := m.Header.append(nil)
	b = wire.AppendBool(b, 3, m.Found)
	b = wire.AppendBool(b, 4, m.Partial)
	b = wire.AppendInt(b, 5, int64(m.Hops))
	b = store.AppendItems(b, 6, m.Items)
	b = routing.MarshalPeerRefs(b, 7, m.Responders)
	return b
}

// Unmarshal implements Message.
func (m *QueryReply) Unmarshal(b []byte) error {
	*m = QueryReply{}
	return decode(b, &m.Header, func(f wire.Field) error {
		switch f.Num {
		case 3:
			m.Found = f.Bool()
		case 4:
			m.Partial = f.Bool()
		case 5:
			m.Hops = int(f.Int64())
		case 6:
			it, err := store.UnmarshalItem(f.Bytes)
			if err != nil {
				return err
			}
			m.Items = append(m.Items, it)
		case 7:
			p, err := routing.UnmarshalPeerRef(f.Bytes)
			if err != nil {
				return err
			}
			m.Responders = append(m.Responders, p)
		}
		return nil
	})
}

// PeerLookup asks a peer for the reference of ID. An empty ID asks the
// receiver for its own reference, which is how bootstrap works.
type PeerLookup struct {
	Header
	ID string
}

// Kind implements Message.
func (*PeerLookup) Kind() Kind { return KindPeerLookup }

// Marshal implements Message.
func (m *PeerLookup) Marshal() []byte {
	b := m.Header.append(nil)
	return wire.AppendString(b, 3, m.ID)
}

// Unmarshal implements Message.
func (m *PeerLookup) Unmarshal(b []byte) error {
	*m = PeerLookup{}
	return decode(b, &m.Header, func(f wire.Field) error {
		if f.Num == 3 {
			m.ID = f.String()
		}
		return nil
	})
}

// PeerLookupReply answers a PeerLookup.
type PeerLookupReply struct {
	Header
	Found bool
	Peer  routing.PeerRef
}

// Kind implements Message.
func (*PeerLookupReply) Kind() Kind { return KindPeerLookupReply }

// Marshal implements Message.
func (m *PeerLookupReply) Marshal() []byte {
	b := m.Header.append(nil)
	b = wire.AppendBool(b, 3, m.Found)
	if !m.Peer.IsZero() {
		b = wire.AppendBytes(b, 4, routing.MarshalPeerRef(m.Peer))
	}
	return b
}

// Unmarshal implements Message.
func (m *PeerLookupReply) Unmarshal(b []byte) error {
	*m = PeerLookupReply{}
	return decode(b, &m.Header, func(f wire.Field) error {
		switch f.Num {
		case 3:
			m.Found = f.Bool()
		case 4:
			p, err := routing.UnmarshalPeerRef(f.Bytes)
			if err != nil {
				return err
			}
			m.Peer = p
		}
		return nil
	})
}
