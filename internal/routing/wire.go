package routing

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/zde37/pgrid/internal/wire"
)

// MarshalPeerRef encodes a peer reference.
//
//	1: id  2: addr  3: path  4: timestamp
func MarshalPeerRef(p PeerRef) []byte {
	var b []byte
	b = wire.AppendString(b, 1, p.ID)
	b = wire.AppendString(b, 2, p.Addr)
	b = wire.AppendString(b, 3, p.Path)
	b = wire.AppendInt(b, 4, p.Timestamp)
	return b
}

// UnmarshalPeerRef decodes a peer reference written by MarshalPeerRef.
func UnmarshalPeerRef(b []byte) (PeerRef, error) {
	var p PeerRef
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			p.ID = f.String()
		case 2:
			p.Addr = f.String()
		case 3:
			p.Path = f.String()
		case 4:
			p.Timestamp = f.Int64()
		}
		return nil
	})
	return p, err
}

// MarshalPeerRefs encodes a list of references as repeated field num.
func MarshalPeerRefs(b []byte, num protowire.Number, refs []PeerRef) []byte {
	for _, p := range refs {
		b = wire.AppendBytes(b, num, MarshalPeerRef(p))
	}
	return b
}

// MarshalSnapshot encodes a routing table snapshot.
//
//	1: local  2: fidgets (repeated)  3: levels (repeated, each a list of refs)  4: replicas (repeated)
func MarshalSnapshot(s Snapshot) []byte {
	var b []byte
	if !s.Local.IsZero() {
		b = wire.AppendBytes(b, 1, MarshalPeerRef(s.Local))
	}
	b = MarshalPeerRefs(b, 2, s.Fidgets)
	for _, level := range s.Levels {
		b = wire.AppendBytes(b, 3, MarshalPeerRefs(nil, 1, level))
	}
	b = MarshalPeerRefs(b, 4, s.Replicas)
	return b
}

// UnmarshalSnapshot decodes a snapshot written by MarshalSnapshot.
func UnmarshalSnapshot(b []byte) (Snapshot, error) {
	var s Snapshot
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			p, err := UnmarshalPeerRef(f.Bytes)
			if err != nil {
				return err
			}
			s.Local = p
		case 2:
			p, err := UnmarshalPeerRef(f.Bytes)
			if err != nil {
				return err
			}
			s.Fidgets = append(s.Fidgets, p)
		case 3:
			level := []PeerRef{}
			err := wire.Walk(f.Bytes, func(lf wire.Field) error {
				if lf.Num != 1 {
					return nil
				}
				p, err := UnmarshalPeerRef(lf.Bytes)
				if err != nil {
					return err
				}
				level = append(level, p)
				return nil
			})
			if err != nil {
				return err
			}
			s.Levels = append(s.Levels, level)
		case 4:
			p, err := UnmarshalPeerRef(f.Bytes)
			if err != nil {
				return err
			}
			s.Replicas = append(s.Replicas, p)
		}
		return nil
	})
	return s, err
}
